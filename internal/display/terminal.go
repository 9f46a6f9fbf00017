// Package display holds the rendering and error-reporting collaborators the
// bridge hands its results to.
package display

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/danmuck/vizbridge/internal/protocol/matrix"
)

// ramp orders glyphs from lowest to highest value.
const ramp = ".:-=+*#%@$"

// Terminal draws each matrix as a text shade map. NaN cells (outside the PQ
// profile) are blank.
type Terminal struct {
	mu  sync.Mutex
	out io.Writer
}

func NewTerminal(out io.Writer) *Terminal {
	return &Terminal{out: out}
}

func (t *Terminal) Render(_ context.Context, m matrix.Matrix) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	w := bufio.NewWriter(t.out)
	lo, hi, ok := m.Range()
	if ok {
		fmt.Fprintf(w, "min=%g max=%g (%dx%d)\n", lo, hi, m.Rows, m.Cols)
	} else {
		fmt.Fprintf(w, "outside profile (%dx%d)\n", m.Rows, m.Cols)
	}
	for r := 0; r < m.Rows; r++ {
		for c := 0; c < m.Cols; c++ {
			w.WriteByte(Shade(m.At(r, c), lo, hi))
		}
		w.WriteByte('\n')
	}
	return w.Flush()
}

// Shade maps v within [lo, hi] onto the glyph ramp.
func Shade(v, lo, hi float64) byte {
	if math.IsNaN(v) {
		return ' '
	}
	if hi <= lo {
		return ramp[0]
	}
	idx := int((v - lo) / (hi - lo) * float64(len(ramp)-1))
	idx = max(0, min(idx, len(ramp)-1))
	return ramp[idx]
}
