package matrix

import (
	"fmt"
	"math"

	"github.com/danmuck/vizbridge/internal/protocol"
)

// Matrix is a dense row-major 2-D sample grid.
type Matrix struct {
	Rows int
	Cols int
	Data []float64
}

// Reshape wraps flat as a rows x cols matrix in row-major order.
func Reshape(flat []float64, rows, cols int) (Matrix, error) {
	if rows <= 0 || cols <= 0 {
		return Matrix{}, fmt.Errorf("%w: matrix shape %dx%d", protocol.ErrInvalidArgument, rows, cols)
	}
	if len(flat) != rows*cols {
		return Matrix{}, fmt.Errorf("%w: %d samples for %dx%d matrix", protocol.ErrMalformedStream, len(flat), rows, cols)
	}
	data := make([]float64, len(flat))
	copy(data, flat)
	return Matrix{Rows: rows, Cols: cols, Data: data}, nil
}

func (m Matrix) At(r, c int) float64 {
	return m.Data[r*m.Cols+c]
}

func (m Matrix) Transpose() Matrix {
	out := Matrix{Rows: m.Cols, Cols: m.Rows, Data: make([]float64, len(m.Data))}
	for r := 0; r < m.Rows; r++ {
		for c := 0; c < m.Cols; c++ {
			out.Data[c*out.Cols+r] = m.At(r, c)
		}
	}
	return out
}

// FlipUD reverses row order.
func (m Matrix) FlipUD() Matrix {
	out := Matrix{Rows: m.Rows, Cols: m.Cols, Data: make([]float64, len(m.Data))}
	for r := 0; r < m.Rows; r++ {
		copy(out.Data[r*m.Cols:(r+1)*m.Cols], m.Data[(m.Rows-1-r)*m.Cols:(m.Rows-r)*m.Cols])
	}
	return out
}

// Orient applies the display convention: transpose, then flip vertically,
// so P runs along the horizontal axis and Q increases upwards.
func (m Matrix) Orient() Matrix {
	return m.Transpose().FlipUD()
}

// Range returns the min and max over non-NaN samples. ok is false when every
// sample is NaN.
func (m Matrix) Range() (lo, hi float64, ok bool) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, v := range m.Data {
		if math.IsNaN(v) {
			continue
		}
		ok = true
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi, ok
}
