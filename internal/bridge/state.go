package bridge

type State int32

const (
	StateIdle State = iota
	StateAwaitingDatagram
	StateForwarding
	StateAwaitingResponse
	StateDispatching
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingDatagram:
		return "awaiting_datagram"
	case StateForwarding:
		return "forwarding"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateDispatching:
		return "dispatching"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
