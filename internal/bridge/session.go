package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/danmuck/vizbridge/internal/observability"
	"github.com/danmuck/vizbridge/internal/protocol"
	"github.com/danmuck/vizbridge/internal/protocol/frame"
	"github.com/danmuck/vizbridge/internal/protocol/matrix"
	"github.com/danmuck/vizbridge/internal/protocol/render"
)

var (
	ErrSourceRequired   = errors.New("bridge: source required")
	ErrRendererRequired = errors.New("bridge: renderer required")
	ErrReporterRequired = errors.New("bridge: error reporter required")
	ErrSessionClosed    = errors.New("bridge: session closed")

	// ErrSourceFailed marks a session that stopped because its advertisement
	// source failed rather than its viz link.
	ErrSourceFailed = errors.New("bridge: advertisement source failed")
)

// DialFunc opens the TCP connection to the visualization service.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Result is the outcome of one dispatched advertisement. Matrix is set on a
// cf response, Faults on an errors response.
type Result struct {
	Matrix *matrix.Matrix
	Faults []protocol.ServiceFault
}

type Option func(*Session)

func WithDialer(dial DialFunc) Option {
	return func(s *Session) {
		if dial != nil {
			s.dial = dial
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) {
		s.log = logger
	}
}

// Session owns the TCP link to the visualization service and the cached
// render request. Handle and Run must be driven from one goroutine.
type Session struct {
	id       ulid.ULID
	cfg      Config
	src      Source
	renderer Renderer
	reporter ErrorReporter
	request  []byte
	dial     DialFunc
	conn     net.Conn
	state    atomic.Int32
	log      zerolog.Logger
}

func New(cfg Config, src Source, renderer Renderer, reporter ErrorReporter, opts ...Option) (*Session, error) {
	if src == nil {
		return nil, ErrSourceRequired
	}
	if renderer == nil {
		return nil, ErrRendererRequired
	}
	if reporter == nil {
		return nil, ErrReporterRequired
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	req, err := render.Build(cfg.DimP, cfg.DimQ)
	if err != nil {
		return nil, err
	}

	id := ulid.Make()
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	s := &Session{
		id:       id,
		cfg:      cfg,
		src:      src,
		renderer: renderer,
		reporter: reporter,
		request:  req,
		dial:     dialer.DialContext,
		log:      observability.Component("bridge"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("session", id.String()).Logger()
	s.setState(StateIdle)
	return s, nil
}

func (s *Session) ID() string { return s.id.String() }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		s.log.Trace().Stringer("from", prev).Stringer("to", st).Msg("state")
	}
}

// Request returns the cached render request bytes.
func (s *Session) Request() []byte {
	out := make([]byte, len(s.request))
	copy(out, s.request)
	return out
}

// Run receives and dispatches advertisements until ctx is done (nil) or a
// transport fault closes the session (non-nil).
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()
	s.log.Info().
		Str("viz", s.cfg.VizAddr()).
		Int("dim_p", s.cfg.DimP).
		Int("dim_q", s.cfg.DimQ).
		Bool("reuse_conn", s.cfg.ReuseConn).
		Msg("bridge session started")

	for {
		if s.State() == StateClosed {
			return ErrSessionClosed
		}
		s.setState(StateAwaitingDatagram)
		adv, err := s.src.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.log.Info().Msg("bridge session stopped")
				return nil
			}
			s.log.Error().Err(err).Str("kind", protocol.Kind(err)).Msg("advertisement source failed")
			return fmt.Errorf("%w: %w", ErrSourceFailed, err)
		}

		if _, err := s.Handle(ctx, adv); err != nil {
			if ctx.Err() != nil {
				s.log.Info().Msg("bridge session stopped")
				return nil
			}
			if protocol.IsFatal(err) {
				s.log.Error().Err(err).Str("kind", protocol.Kind(err)).Msg("bridge session closed")
				return err
			}
			s.log.Warn().Err(err).Str("kind", protocol.Kind(err)).Msg("advertisement dropped")
		}
	}
}

// Handle forwards one advertisement and dispatches the response. Transport
// faults close the session and are never retried here.
func (s *Session) Handle(ctx context.Context, adv []byte) (Result, error) {
	if s.State() == StateClosed {
		return Result{}, ErrSessionClosed
	}
	start := time.Now()
	res, err := s.handle(ctx, adv)
	outcome := "matrix"
	if err != nil {
		outcome = protocol.Kind(err)
	}
	observability.RecordAdvertisement(outcome, len(adv), time.Since(start))
	if protocol.IsFatal(err) {
		s.Close()
	} else if s.State() != StateClosed {
		s.setState(StateAwaitingDatagram)
	}
	return res, err
}

func (s *Session) handle(ctx context.Context, adv []byte) (Result, error) {
	s.setState(StateForwarding)
	conn, err := s.connect(ctx)
	if err != nil {
		return Result{}, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := armDeadline(ctx, conn.SetWriteDeadline, s.cfg.WriteTimeout); err != nil {
		return Result{}, fmt.Errorf("%w: set write deadline: %v", protocol.ErrTransport, err)
	}
	if err := frame.WriteRequest(conn, s.request, adv); err != nil {
		if errors.Is(err, protocol.ErrPayloadTooLarge) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("%w: write frame: %v", protocol.ErrTransport, err)
	}

	s.setState(StateAwaitingResponse)
	if err := armDeadline(ctx, conn.SetReadDeadline, s.cfg.ReadTimeout); err != nil {
		return Result{}, fmt.Errorf("%w: set read deadline: %v", protocol.ErrTransport, err)
	}
	body, err := frame.ReadResponse(conn, s.cfg.Limits)
	if err != nil {
		switch {
		case errors.Is(err, protocol.ErrConnectionClosed):
			return Result{}, err
		case errors.Is(err, protocol.ErrPayloadTooLarge):
			// the stream is unframed past this point
			return Result{}, fmt.Errorf("%w: %v", protocol.ErrTransport, err)
		default:
			return Result{}, fmt.Errorf("%w: read response: %v", protocol.ErrTransport, err)
		}
	}
	if !s.cfg.ReuseConn {
		s.closeConn()
	}

	s.setState(StateDispatching)
	return s.dispatch(ctx, body)
}

func (s *Session) dispatch(ctx context.Context, body []byte) (Result, error) {
	resp, err := render.ParseResponse(body)
	if err != nil {
		return Result{}, err
	}
	if resp.HasErrors {
		for _, f := range resp.Errors {
			observability.RecordServiceFault(f.Code)
		}
		s.reporter.Report(ctx, resp.Errors)
		return Result{Faults: resp.Errors}, resp.Err()
	}

	flat, err := matrix.DecodeN(resp.CF.Data, s.cfg.DimP*s.cfg.DimQ)
	if err != nil {
		return Result{}, err
	}
	m, err := matrix.Reshape(flat, s.cfg.DimQ, s.cfg.DimP)
	if err != nil {
		return Result{}, err
	}
	oriented := m.Orient()
	if err := s.renderer.Render(ctx, oriented); err != nil {
		return Result{Matrix: &oriented}, fmt.Errorf("bridge: render: %w", err)
	}
	return Result{Matrix: &oriented}, nil
}

func (s *Session) connect(ctx context.Context) (net.Conn, error) {
	if s.conn != nil {
		return s.conn, nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	conn, err := s.dial(dialCtx, "tcp", s.cfg.VizAddr())
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s: %v", protocol.ErrTransport, s.cfg.VizAddr(), err)
	}
	s.log.Debug().Str("viz", s.cfg.VizAddr()).Msg("connected")
	s.conn = conn
	return conn, nil
}

func (s *Session) closeConn() {
	if s.conn == nil {
		return
	}
	_ = s.conn.Close()
	s.conn = nil
}

// Close releases the TCP connection and moves the session to Closed. A
// closed session cannot be restarted.
func (s *Session) Close() error {
	s.closeConn()
	s.setState(StateClosed)
	return nil
}

// armDeadline applies deadline(ctx, timeout) through set and re-forces a past
// deadline if ctx finished while it was being applied.
func armDeadline(ctx context.Context, set func(time.Time) error, timeout time.Duration) error {
	if err := set(deadline(ctx, timeout)); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return set(time.Unix(1, 0))
	}
	return nil
}

// deadline is the earlier of now+timeout and the ctx deadline. A done ctx
// yields a past deadline so it never undoes the one forced on cancel.
func deadline(ctx context.Context, timeout time.Duration) time.Time {
	if ctx.Err() != nil {
		return time.Unix(1, 0)
	}
	d := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		d = ctxDeadline
	}
	return d
}
