package bridge

import (
	"context"

	"github.com/danmuck/vizbridge/internal/protocol"
	"github.com/danmuck/vizbridge/internal/protocol/matrix"
)

// Source yields one advertisement per call.
type Source interface {
	Receive(ctx context.Context) ([]byte, error)
}

// Renderer displays an oriented matrix.
type Renderer interface {
	Render(ctx context.Context, m matrix.Matrix) error
}

// ErrorReporter receives the ordered faults of an errors response.
type ErrorReporter interface {
	Report(ctx context.Context, faults []protocol.ServiceFault)
}

type RendererFunc func(ctx context.Context, m matrix.Matrix) error

func (f RendererFunc) Render(ctx context.Context, m matrix.Matrix) error { return f(ctx, m) }

type ReporterFunc func(ctx context.Context, faults []protocol.ServiceFault)

func (f ReporterFunc) Report(ctx context.Context, faults []protocol.ServiceFault) { f(ctx, faults) }
