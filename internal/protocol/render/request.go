// Package render owns the JSON schemas exchanged with the visualization
// service: the render request sent alongside each advertisement and the
// response body it returns.
package render

import (
	"encoding/json"
	"fmt"

	"github.com/danmuck/vizbridge/internal/protocol"
)

// Request asks the service for a DimP x DimQ pixel rendering.
type Request struct {
	DimP int
	DimQ int
}

type dimsWire struct {
	DimP int `json:"dimP"`
	DimQ int `json:"dimQ"`
}

func NewRequest(dimP, dimQ int) (Request, error) {
	if dimP <= 0 || dimQ <= 0 {
		return Request{}, fmt.Errorf("%w: render dims must be positive (dimP=%d dimQ=%d)", protocol.ErrInvalidArgument, dimP, dimQ)
	}
	return Request{DimP: dimP, DimQ: dimQ}, nil
}

// Marshal returns compact JSON with exactly the dimP and dimQ keys.
func (r Request) Marshal() []byte {
	// marshaling two ints cannot fail
	b, _ := json.Marshal(dimsWire{DimP: r.DimP, DimQ: r.DimQ})
	return b
}

// Build validates and serializes a render request in one step.
func Build(dimP, dimQ int) ([]byte, error) {
	req, err := NewRequest(dimP, dimQ)
	if err != nil {
		return nil, err
	}
	return req.Marshal(), nil
}

// Spec is a parsed render request as seen by the service. Either the pixel
// dims or a per-pixel resolution (W and VAR per pixel) is set.
type Spec struct {
	DimP int
	DimQ int
	ResP float64
	ResQ float64
}

func (s Spec) HasDims() bool { return s.DimP > 0 && s.DimQ > 0 }

func (s Spec) HasResolution() bool { return s.ResP > 0 && s.ResQ > 0 }

type specWire struct {
	DimP *int     `json:"dimP"`
	DimQ *int     `json:"dimQ"`
	ResP *float64 `json:"resP"`
	ResQ *float64 `json:"resQ"`
}

// ParseRequest decodes a render request body. A body naming neither a
// complete dims pair nor a complete resolution pair is malformed.
func ParseRequest(body []byte) (Spec, error) {
	var w specWire
	if err := json.Unmarshal(body, &w); err != nil {
		return Spec{}, fmt.Errorf("%w: render request: %v", protocol.ErrMalformedStream, err)
	}
	var s Spec
	if w.ResP != nil && w.ResQ != nil {
		s.ResP, s.ResQ = *w.ResP, *w.ResQ
	}
	if w.DimP != nil && w.DimQ != nil {
		s.DimP, s.DimQ = *w.DimP, *w.DimQ
	}
	if !s.HasDims() && !s.HasResolution() {
		return Spec{}, fmt.Errorf("%w: render request needs dimP/dimQ or resP/resQ", protocol.ErrMalformedStream)
	}
	return s, nil
}
