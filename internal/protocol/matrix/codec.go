// Package matrix implements the run-length/NaN-sentinel compression used for
// rendered PQ-profile matrices.
//
// Runs of 0.0 and of NaN are stored as the pair [value, count]; NaN is written
// as the sentinel -1.0 since JSON has no literal for it. Every other value is
// stored once, unchanged.
package matrix

import (
	"fmt"
	"math"

	"github.com/danmuck/vizbridge/internal/protocol"
)

// Sentinel stands in for NaN on the wire.
const Sentinel = -1.0

func isRunMarker(v float64) bool {
	return v == Sentinel || v == 0.0
}

// Decode expands a compressed stream into the flat sample sequence.
func Decode(stream []float64) ([]float64, error) {
	return decode(stream, -1)
}

// DecodeN is Decode for a stream known to hold exactly n samples. It fails
// before expanding any run that would overflow n, so a bad count cannot
// drive the allocation.
func DecodeN(stream []float64, n int) ([]float64, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative sample count %d", protocol.ErrInvalidArgument, n)
	}
	out, err := decode(stream, n)
	if err != nil {
		return nil, err
	}
	if len(out) != n {
		return nil, fmt.Errorf("%w: %d samples, want %d", protocol.ErrMalformedStream, len(out), n)
	}
	return out, nil
}

// decode expands stream; limit < 0 means unbounded.
func decode(stream []float64, limit int) ([]float64, error) {
	capacity := len(stream)
	if limit >= 0 {
		capacity = limit
	}
	out := make([]float64, 0, capacity)
	for i := 0; i < len(stream); {
		v := stream[i]
		if !isRunMarker(v) {
			if limit >= 0 && len(out) >= limit {
				return nil, overflow(limit, i)
			}
			out = append(out, v)
			i++
			continue
		}
		if i+1 >= len(stream) {
			return nil, fmt.Errorf("%w: run marker at index %d has no count", protocol.ErrMalformedStream, i)
		}
		k := stream[i+1]
		if !validCount(k) {
			return nil, fmt.Errorf("%w: invalid run count %v at index %d", protocol.ErrMalformedStream, k, i+1)
		}
		if limit >= 0 && int(k) > limit-len(out) {
			return nil, overflow(limit, i)
		}
		val := v
		if v == Sentinel {
			val = math.NaN()
		}
		for n := int(k); n > 0; n-- {
			out = append(out, val)
		}
		i += 2
	}
	return out, nil
}

func overflow(limit, index int) error {
	return fmt.Errorf("%w: stream exceeds %d samples at index %d", protocol.ErrMalformedStream, limit, index)
}

func validCount(k float64) bool {
	if math.IsNaN(k) || math.IsInf(k, 0) || k < 1 || k > math.MaxInt32 {
		return false
	}
	return k == math.Trunc(k)
}

// Encode compresses samples. NaN and 0.0 runs collapse to [marker, count].
// A literal -1.0 sample is indistinguishable from the sentinel and is
// written as NaN.
func Encode(samples []float64) []float64 {
	out := make([]float64, 0, len(samples))
	for i := 0; i < len(samples); {
		v := samples[i]
		var marker float64
		switch {
		case math.IsNaN(v) || v == Sentinel:
			marker = Sentinel
		case v == 0.0:
			marker = 0.0
		default:
			out = append(out, v)
			i++
			continue
		}
		j := i + 1
		for j < len(samples) && sameRun(marker, samples[j]) {
			j++
		}
		out = append(out, marker, float64(j-i))
		i = j
	}
	return out
}

func sameRun(marker, v float64) bool {
	if marker == Sentinel {
		return math.IsNaN(v) || v == Sentinel
	}
	return v == 0.0
}
