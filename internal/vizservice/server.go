// Package vizservice is a headless visualization service. It answers framed
// render requests by sampling the advertised cost function over the PQ
// profile and returning the run-length compressed matrix.
package vizservice

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/vizbridge/internal/observability"
	"github.com/danmuck/vizbridge/internal/protocol"
	"github.com/danmuck/vizbridge/internal/protocol/frame"
	"github.com/danmuck/vizbridge/internal/protocol/matrix"
	"github.com/danmuck/vizbridge/internal/protocol/render"
)

// Fault codes reported in errors responses.
const (
	CodeNotAnAdvertisement = 1
	CodeBadRenderRequest   = 2
	CodeRenderTooLarge     = 3
)

type Config struct {
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
	MaxPixels    int
	Limits       frame.Limits
	Interpreter  Interpreter
}

func DefaultConfig() Config {
	return Config{
		IdleTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Second,
		MaxPixels:    1 << 20,
		Limits:       frame.DefaultLimits(),
		Interpreter:  InterpretPV,
	}
}

type Server struct {
	cfg Config
	log zerolog.Logger
	wg  sync.WaitGroup
}

func NewServer(cfg Config) *Server {
	d := DefaultConfig()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = d.IdleTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = d.WriteTimeout
	}
	if cfg.MaxPixels <= 0 {
		cfg.MaxPixels = d.MaxPixels
	}
	if cfg.Limits == (frame.Limits{}) {
		cfg.Limits = d.Limits
	}
	if cfg.Interpreter == nil {
		cfg.Interpreter = d.Interpreter
	}
	return &Server{cfg: cfg, log: observability.Component("vizservice")}
}

// ListenAndServe binds addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: listen %s: %v", protocol.ErrTransport, addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done or ln is closed, then
// waits for open sessions to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer s.wg.Wait()
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("visualization service listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("%w: accept: %v", protocol.ErrTransport, err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	peer := conn.RemoteAddr().String()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		req, err := frame.ReadRequest(conn, s.cfg.Limits)
		if err != nil {
			var nerr net.Error
			switch {
			case errors.Is(err, protocol.ErrConnectionClosed):
				s.log.Debug().Str("peer", peer).Msg("session ended")
			case errors.As(err, &nerr) && nerr.Timeout():
				s.log.Debug().Str("peer", peer).Msg("session expired")
			default:
				s.log.Warn().Err(err).Str("peer", peer).Msg("session aborted")
			}
			return
		}
		body := s.Respond(req)
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if err := frame.WriteResponse(conn, body); err != nil {
			s.log.Warn().Err(err).Str("peer", peer).Msg("write response failed")
			return
		}
	}
}

// Respond computes the response body for one request frame.
func (s *Server) Respond(req frame.Request) []byte {
	body, result := s.respond(req)
	observability.RecordVizRequest(result)
	return body
}

func (s *Server) respond(req frame.Request) ([]byte, string) {
	var faults []protocol.ServiceFault
	spec, err := render.ParseRequest(req.JSON)
	if err != nil {
		faults = append(faults, protocol.ServiceFault{Code: CodeBadRenderRequest, Msg: "render request must specify dimP/dimQ or resP/resQ"})
	}
	var prof Profile
	if len(req.Advertisement) == 0 {
		faults = append(faults, protocol.ServiceFault{Code: CodeNotAnAdvertisement, Msg: "payload is not an advertisement"})
	} else if prof, err = s.cfg.Interpreter(req.Advertisement); err != nil {
		faults = append(faults, protocol.ServiceFault{Code: CodeNotAnAdvertisement, Msg: "payload is not an advertisement"})
	}
	if len(faults) > 0 {
		return s.errorsBody(faults), "errors"
	}

	data, err := s.renderProfile(spec, prof)
	if err != nil {
		return s.errorsBody([]protocol.ServiceFault{{Code: CodeRenderTooLarge, Msg: err.Error()}}), "errors"
	}
	body, err := render.MarshalCostFunction(data)
	if err != nil {
		s.log.Error().Err(err).Msg("marshal cost function")
		return s.errorsBody([]protocol.ServiceFault{{Code: CodeRenderTooLarge, Msg: "cost function not representable"}}), "errors"
	}
	return body, "ok"
}

func (s *Server) errorsBody(faults []protocol.ServiceFault) []byte {
	// faults are plain ints and strings
	body, _ := render.MarshalErrors(faults)
	return body
}

// renderProfile samples cost over the profile on a dimQ x dimP grid, row-major
// with Q as the row index, NaN outside the region, and compresses it.
func (s *Server) renderProfile(spec render.Spec, prof Profile) ([]float64, error) {
	pMin, pMax, qMin, qMax := prof.Bounds()
	dimP, dimQ := spec.DimP, spec.DimQ
	if !spec.HasDims() {
		dimP, pMin, pMax = stepCount(pMin, pMax, spec.ResP)
		dimQ, qMin, qMax = stepCount(qMin, qMax, spec.ResQ)
	}
	if dimP <= 0 || dimQ <= 0 || dimP > s.cfg.MaxPixels/dimQ {
		return nil, fmt.Errorf("render of %dx%d pixels exceeds limit %d", dimP, dimQ, s.cfg.MaxPixels)
	}

	ps := linspace(dimP, pMin, pMax)
	qs := linspace(dimQ, qMin, qMax)
	flat := make([]float64, 0, dimP*dimQ)
	for _, q := range qs {
		for _, p := range ps {
			if prof.Contains(p, q) {
				flat = append(flat, prof.Cost(p, q))
			} else {
				flat = append(flat, math.NaN())
			}
		}
	}
	return matrix.Encode(flat), nil
}
