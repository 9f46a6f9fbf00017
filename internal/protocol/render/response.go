package render

import (
	"encoding/json"
	"fmt"

	"github.com/danmuck/vizbridge/internal/protocol"
)

// CostFunction carries the compressed, flattened cost-function matrix.
type CostFunction struct {
	Data []float64 `json:"data"`
}

// Response is one decoded service reply. Exactly one of Errors or CF is
// meaningful; HasErrors selects the branch.
type Response struct {
	Errors    []protocol.ServiceFault
	HasErrors bool
	CF        *CostFunction
}

type responseWire struct {
	Errors *[]protocol.ServiceFault `json:"errors,omitempty"`
	CF     *CostFunction            `json:"cf,omitempty"`
}

type faultWire struct {
	Code *int    `json:"code"`
	Msg  *string `json:"msg"`
}

type parseWire struct {
	Errors *[]faultWire  `json:"errors"`
	CF     *CostFunction `json:"cf"`
}

// ParseResponse decodes a response body. The presence of an errors key takes
// precedence over cf. An errors list must be non-empty and every entry must
// carry both code and msg.
func ParseResponse(body []byte) (Response, error) {
	var w parseWire
	if err := json.Unmarshal(body, &w); err != nil {
		return Response{}, fmt.Errorf("%w: response body: %v", protocol.ErrMalformedStream, err)
	}
	if w.Errors != nil {
		faults, err := parseFaults(*w.Errors)
		if err != nil {
			return Response{}, err
		}
		return Response{Errors: faults, HasErrors: true}, nil
	}
	if w.CF == nil || w.CF.Data == nil {
		return Response{}, fmt.Errorf("%w: response has neither errors nor cf.data", protocol.ErrMalformedStream)
	}
	return Response{CF: w.CF}, nil
}

func parseFaults(in []faultWire) ([]protocol.ServiceFault, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("%w: empty errors list", protocol.ErrMalformedStream)
	}
	out := make([]protocol.ServiceFault, 0, len(in))
	for i, f := range in {
		if f.Code == nil || f.Msg == nil {
			return nil, fmt.Errorf("%w: errors[%d] needs code and msg", protocol.ErrMalformedStream, i)
		}
		out = append(out, protocol.ServiceFault{Code: *f.Code, Msg: *f.Msg})
	}
	return out, nil
}

// Err returns the service error carried by r, or nil for a cf response.
func (r Response) Err() error {
	if !r.HasErrors {
		return nil
	}
	return &protocol.ServiceError{Faults: r.Errors}
}

// MarshalErrors serializes an errors response. At least one fault is
// required; an empty list does not parse back.
func MarshalErrors(faults []protocol.ServiceFault) ([]byte, error) {
	if len(faults) == 0 {
		return nil, fmt.Errorf("%w: errors response needs at least one fault", protocol.ErrInvalidArgument)
	}
	return json.Marshal(responseWire{Errors: &faults})
}

// MarshalCostFunction serializes an already-compressed data stream.
func MarshalCostFunction(data []float64) ([]byte, error) {
	if data == nil {
		data = []float64{}
	}
	return json.Marshal(responseWire{CF: &CostFunction{Data: data}})
}
