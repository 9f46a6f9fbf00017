package vizservice

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/danmuck/vizbridge/internal/agent"
	"github.com/danmuck/vizbridge/internal/protocol"
)

// Profile is an interpreted advertisement: a PQ feasibility region with a
// cost function over it.
type Profile interface {
	// Bounds returns the rectangular hull of the region.
	Bounds() (pMin, pMax, qMin, qMax float64)
	Contains(p, q float64) bool
	Cost(p, q float64) float64
}

// Interpreter turns an advertisement payload into a Profile.
type Interpreter func(adv []byte) (Profile, error)

// PVProfile is the PQ profile of a PV converter: 0 <= P <= Pmax inside the
// apparent-power disc, with |Q| capped by the power factor.
type PVProfile struct {
	Params agent.PVParameters
}

func (v PVProfile) qLimit() float64 {
	sinPhi := math.Sqrt(1 - v.Params.CosPhi*v.Params.CosPhi)
	return v.Params.Srated * sinPhi
}

func (v PVProfile) Bounds() (float64, float64, float64, float64) {
	pMax := math.Min(v.Params.Pmax, v.Params.Srated)
	q := v.qLimit()
	return 0, pMax, -q, q
}

func (v PVProfile) Contains(p, q float64) bool {
	if p < 0 || p > v.Params.Pmax {
		return false
	}
	if math.Abs(q) > v.qLimit() {
		return false
	}
	return p*p+q*q <= v.Params.Srated*v.Params.Srated
}

// Cost penalizes curtailment below Pmax and reactive power.
func (v PVProfile) Cost(p, q float64) float64 {
	return v.Params.APV*(v.Params.Pmax-p)/v.Params.Pmax + v.Params.BPV*math.Abs(q)/v.Params.Srated
}

// InterpretPV reads the advertisement as a PV parameter record.
func InterpretPV(adv []byte) (Profile, error) {
	var params agent.PVParameters
	if err := json.Unmarshal(adv, &params); err != nil {
		return nil, fmt.Errorf("%w: advertisement: %v", protocol.ErrMalformedStream, err)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return PVProfile{Params: params}, nil
}

func linspace(n int, lo, hi float64) []float64 {
	out := make([]float64, n)
	if n == 1 {
		out[0] = lo
		return out
	}
	step := (hi - lo) / float64(n-1)
	for i := range out {
		out[i] = lo + float64(i)*step
	}
	return out
}

// stepCount is the number of grid points at resolution res over [lo, hi],
// after snapping the bounds outward to multiples of res.
func stepCount(lo, hi, res float64) (int, float64, float64) {
	lo = res * math.Floor(lo/res)
	hi = res * math.Ceil(hi/res)
	return int(math.Round((hi-lo)/res)) + 1, lo, hi
}
