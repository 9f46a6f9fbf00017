package protocol

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidArgument  = errors.New("protocol: invalid argument")
	ErrPayloadTooLarge  = errors.New("protocol: payload too large")
	ErrMalformedStream  = errors.New("protocol: malformed stream")
	ErrConnectionClosed = errors.New("protocol: connection closed")
	ErrTransport        = errors.New("protocol: transport error")
	ErrServiceError     = errors.New("protocol: service error")
)

// ServiceFault is one (code, msg) pair reported by the visualization service.
type ServiceFault struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// ServiceError is a well-formed errors response. It is an application-level
// failure of the service, not a transport fault.
type ServiceError struct {
	Faults []ServiceFault
}

func (e *ServiceError) Error() string {
	if len(e.Faults) == 0 {
		return ErrServiceError.Error()
	}
	parts := make([]string, 0, len(e.Faults))
	for _, f := range e.Faults {
		parts = append(parts, fmt.Sprintf("[code: %d] %s", f.Code, f.Msg))
	}
	return ErrServiceError.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ServiceError) Is(target error) bool {
	return target == ErrServiceError
}

// Kind returns a stable label for err, used in logs and metric labels.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrPayloadTooLarge):
		return "payload_too_large"
	case errors.Is(err, ErrMalformedStream):
		return "malformed_stream"
	case errors.Is(err, ErrConnectionClosed):
		return "connection_closed"
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.Is(err, ErrServiceError):
		return "service"
	default:
		return "unknown"
	}
}

// IsFatal reports whether err must terminate a bridge session.
func IsFatal(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrConnectionClosed)
}
