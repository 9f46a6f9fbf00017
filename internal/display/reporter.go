package display

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/danmuck/vizbridge/internal/protocol"
	"github.com/danmuck/vizbridge/internal/protocol/matrix"
)

// LogReporter writes each service fault as one warn event.
type LogReporter struct {
	Logger zerolog.Logger
}

func (r LogReporter) Report(_ context.Context, faults []protocol.ServiceFault) {
	for _, f := range faults {
		r.Logger.Warn().Int("code", f.Code).Str("msg", f.Msg).Msg("visualization service error")
	}
}

// Capture records everything handed to it.
type Capture struct {
	mu       sync.Mutex
	matrices []matrix.Matrix
	faults   [][]protocol.ServiceFault
}

func (c *Capture) Render(_ context.Context, m matrix.Matrix) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.matrices = append(c.matrices, m)
	return nil
}

func (c *Capture) Report(_ context.Context, faults []protocol.ServiceFault) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]protocol.ServiceFault, len(faults))
	copy(cp, faults)
	c.faults = append(c.faults, cp)
}

func (c *Capture) Matrices() []matrix.Matrix {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]matrix.Matrix(nil), c.matrices...)
}

func (c *Capture) Faults() [][]protocol.ServiceFault {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]protocol.ServiceFault(nil), c.faults...)
}
