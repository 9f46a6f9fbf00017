// Package agent simulates a PV resource agent: it answers setpoint requests
// over UDP with the parameters of its current PV advertisement.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/danmuck/vizbridge/internal/observability"
	"github.com/danmuck/vizbridge/internal/protocol"
	"github.com/danmuck/vizbridge/internal/transport/udp"
)

// Fallback setpoint simulated when a request carries no valid setpoint.
const (
	FallbackP = 1.0e3
	FallbackQ = 0.0
)

// SetpointRequest is sent by the grid agent.
type SetpointRequest struct {
	SenderID      int     `json:"senderId"`
	SetpointValid bool    `json:"setpointValid"`
	P             float64 `json:"P"`
	Q             float64 `json:"Q"`
}

// PVParameters describes the PQ profile, belief and cost function of a PV
// converter. Watts, VAR.
type PVParameters struct {
	Pmax   float64 `json:"Pmax"`
	Srated float64 `json:"Srated"`
	CosPhi float64 `json:"cosPhi"`
	Pdelta float64 `json:"Pdelta"`
	APV    float64 `json:"a_pv"`
	BPV    float64 `json:"b_pv"`
	Pimp   float64 `json:"Pimp"`
	Qimp   float64 `json:"Qimp"`
}

// ComputePVParameters returns the advertisement parameters after (p, q) has
// been implemented. Implementation is assumed error free.
func ComputePVParameters(p, q float64) PVParameters {
	return PVParameters{
		Pmax:   10e3,
		Srated: 12e3,
		CosPhi: 0.8,
		Pdelta: 8e3,
		APV:    1.0,
		BPV:    1.0,
		Pimp:   p,
		Qimp:   q,
	}
}

// Validate rejects parameter records that cannot describe a PQ profile.
func (p PVParameters) Validate() error {
	if p.Pmax <= 0 || p.Srated <= 0 {
		return fmt.Errorf("%w: pv ratings must be positive (Pmax=%g Srated=%g)", protocol.ErrInvalidArgument, p.Pmax, p.Srated)
	}
	if p.CosPhi <= 0 || p.CosPhi > 1 {
		return fmt.Errorf("%w: pv cosPhi %g outside (0,1]", protocol.ErrInvalidArgument, p.CosPhi)
	}
	return nil
}

// Setpoint is the hook that would drive the converter. The default is a no-op.
type Setpoint func(p, q float64)

// Agent answers setpoint requests.
type Agent struct {
	implement Setpoint
	log       zerolog.Logger
}

func New(implement Setpoint) *Agent {
	if implement == nil {
		implement = func(float64, float64) {}
	}
	return &Agent{implement: implement, log: observability.Component("agent")}
}

// Respond handles one request datagram and returns the reply payload.
func (a *Agent) Respond(payload []byte) ([]byte, error) {
	var req SetpointRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("%w: setpoint request: %v", protocol.ErrMalformedStream, err)
	}
	a.log.Info().
		Int("sender", req.SenderID).
		Bool("setpoint_valid", req.SetpointValid).
		Float64("p", req.P).
		Float64("q", req.Q).
		Msg("setpoint request")

	p, q := req.P, req.Q
	if req.SetpointValid {
		a.implement(p, q)
	} else {
		p, q = FallbackP, FallbackQ
	}
	return json.Marshal(ComputePVParameters(p, q))
}

// Serve answers requests on src until ctx is done.
func (a *Agent) Serve(ctx context.Context, src *udp.Source) error {
	for {
		payload, from, err := src.ReceiveFrom(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		reply, err := a.Respond(payload)
		if err != nil {
			a.log.Warn().Err(err).Str("from", from.String()).Msg("request dropped")
			continue
		}
		if err := src.Reply(reply, from); err != nil {
			if errors.Is(err, protocol.ErrTransport) {
				a.log.Warn().Err(err).Str("from", from.String()).Msg("reply failed")
				continue
			}
			return err
		}
	}
}
