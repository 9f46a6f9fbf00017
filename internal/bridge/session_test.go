package bridge

import (
	"bytes"
	"context"
	"errors"
	"math"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/vizbridge/internal/display"
	"github.com/danmuck/vizbridge/internal/protocol"
	"github.com/danmuck/vizbridge/internal/protocol/frame"
	"github.com/danmuck/vizbridge/internal/testutil/testlog"
	"github.com/danmuck/vizbridge/internal/vizservice"
)

type chanSource chan []byte

func (c chanSource) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case b, ok := <-c:
		if !ok {
			return nil, protocol.ErrConnectionClosed
		}
		return b, nil
	}
}

type fakeService struct {
	ln       net.Listener
	accepts  atomic.Int32
	mu       sync.Mutex
	requests []frame.Request
	wg       sync.WaitGroup
}

// startFakeService runs handler for every request frame received. handler
// owns the reply and may close conn.
func startFakeService(t *testing.T, handler func(conn net.Conn, req frame.Request)) *fakeService {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fs := &fakeService{ln: ln}
	fs.wg.Add(1)
	go func() {
		defer fs.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			fs.accepts.Add(1)
			fs.wg.Add(1)
			go func() {
				defer fs.wg.Done()
				defer conn.Close()
				for {
					_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
					req, err := frame.ReadRequest(conn, frame.DefaultLimits())
					if err != nil {
						return
					}
					fs.mu.Lock()
					fs.requests = append(fs.requests, req)
					fs.mu.Unlock()
					handler(conn, req)
				}
			}()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		fs.wg.Wait()
	})
	return fs
}

func (fs *fakeService) Requests() []frame.Request {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]frame.Request(nil), fs.requests...)
}

func reply(body string) func(net.Conn, frame.Request) {
	return func(conn net.Conn, _ frame.Request) {
		_ = frame.WriteResponse(conn, []byte(body))
	}
}

func testConfig(addr net.Addr, dimP, dimQ int) Config {
	cfg := DefaultConfig()
	host, port, _ := net.SplitHostPort(addr.String())
	cfg.VizHost = host
	cfg.VizPort = mustPort(port)
	cfg.DimP = dimP
	cfg.DimQ = dimQ
	cfg.ConnectTimeout = 500 * time.Millisecond
	cfg.ReadTimeout = time.Second
	cfg.WriteTimeout = time.Second
	return cfg
}

func mustPort(raw string) int {
	p, err := strconv.Atoi(raw)
	if err != nil {
		panic(err)
	}
	return p
}

func newTestSession(t *testing.T, cfg Config, capture *display.Capture, opts ...Option) *Session {
	t.Helper()
	s, err := New(cfg, make(chanSource), capture, capture, opts...)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestHandleAllZeroMatrix(t *testing.T) {
	testlog.Start(t)
	fs := startFakeService(t, reply(`{"cf":{"data":[0.0,4]}}`))
	capture := &display.Capture{}
	s := newTestSession(t, testConfig(fs.ln.Addr(), 2, 2), capture)

	if string(s.Request()) != `{"dimP":2,"dimQ":2}` {
		t.Fatalf("unexpected cached request: %s", s.Request())
	}
	res, err := s.Handle(context.Background(), []byte("X"))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Matrix == nil || res.Matrix.Rows != 2 || res.Matrix.Cols != 2 {
		t.Fatalf("unexpected matrix: %+v", res.Matrix)
	}
	for _, v := range res.Matrix.Data {
		if v != 0 {
			t.Fatalf("expected all-zero matrix, got %v", res.Matrix.Data)
		}
	}
	if got := capture.Matrices(); len(got) != 1 {
		t.Fatalf("renderer calls=%d", len(got))
	}
	if len(capture.Faults()) != 0 {
		t.Fatalf("unexpected faults reported")
	}

	reqs := fs.Requests()
	if len(reqs) != 1 || string(reqs[0].JSON) != `{"dimP":2,"dimQ":2}` || !bytes.Equal(reqs[0].Advertisement, []byte("X")) {
		t.Fatalf("unexpected request on the wire: %+v", reqs)
	}
	if s.State() != StateAwaitingDatagram {
		t.Fatalf("unexpected state: %v", s.State())
	}
}

func TestHandleOrientsMatrix(t *testing.T) {
	testlog.Start(t)
	// Q x P = 2 x 3, row-major: [[1 2 nan] [4 5 6]]
	fs := startFakeService(t, reply(`{"cf":{"data":[1,2,-1.0,1,4,5,6]}}`))
	capture := &display.Capture{}
	s := newTestSession(t, testConfig(fs.ln.Addr(), 3, 2), capture)

	res, err := s.Handle(context.Background(), []byte("adv"))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	m := res.Matrix
	if m.Rows != 3 || m.Cols != 2 {
		t.Fatalf("unexpected shape %dx%d", m.Rows, m.Cols)
	}
	// flipud(transpose) -> [[nan 6] [2 5] [1 4]]
	if !math.IsNaN(m.Data[0]) || m.Data[1] != 6 || m.Data[2] != 2 || m.Data[3] != 5 || m.Data[4] != 1 || m.Data[5] != 4 {
		t.Fatalf("unexpected oriented data: %v", m.Data)
	}
}

func TestHandleServiceErrors(t *testing.T) {
	testlog.Start(t)
	fs := startFakeService(t, reply(`{"errors":[{"code":400,"msg":"bad request"}]}`))
	capture := &display.Capture{}
	s := newTestSession(t, testConfig(fs.ln.Addr(), 2, 2), capture)

	res, err := s.Handle(context.Background(), []byte("X"))
	if !errors.Is(err, protocol.ErrServiceError) {
		t.Fatalf("expected ErrServiceError, got %v", err)
	}
	var svcErr *protocol.ServiceError
	if !errors.As(err, &svcErr) || len(svcErr.Faults) != 1 {
		t.Fatalf("expected ServiceError with one fault, got %v", err)
	}
	faults := capture.Faults()
	if len(faults) != 1 || len(faults[0]) != 1 || faults[0][0] != (protocol.ServiceFault{Code: 400, Msg: "bad request"}) {
		t.Fatalf("unexpected reported faults: %+v", faults)
	}
	if res.Matrix != nil || len(capture.Matrices()) != 0 {
		t.Fatalf("no matrix may be produced on an errors response")
	}
	if s.State() == StateClosed {
		t.Fatalf("service errors must not close the session")
	}
}

func TestHandleFragmentedResponse(t *testing.T) {
	testlog.Start(t)
	fs := startFakeService(t, func(conn net.Conn, _ frame.Request) {
		var buf bytes.Buffer
		_ = frame.WriteResponse(&buf, []byte(`{"cf":{"data":[0.0,3,7.5]}}`))
		for _, b := range buf.Bytes() {
			if _, err := conn.Write([]byte{b}); err != nil {
				return
			}
			time.Sleep(time.Millisecond)
		}
	})
	capture := &display.Capture{}
	s := newTestSession(t, testConfig(fs.ln.Addr(), 2, 2), capture)

	res, err := s.Handle(context.Background(), []byte("X"))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	// [[0 0] [0 7.5]] -> transpose [[0 0] [0 7.5]] -> flipud [[0 7.5] [0 0]]
	want := []float64{0, 7.5, 0, 0}
	for i, v := range want {
		if res.Matrix.Data[i] != v {
			t.Fatalf("got=%v want=%v", res.Matrix.Data, want)
		}
	}
}

func TestHandlePrematureCloseIsFatal(t *testing.T) {
	testlog.Start(t)
	fs := startFakeService(t, func(conn net.Conn, _ frame.Request) {
		_, _ = conn.Write([]byte{0, 0, 0, 40, '{'})
		_ = conn.Close()
	})
	capture := &display.Capture{}
	s := newTestSession(t, testConfig(fs.ln.Addr(), 2, 2), capture)

	_, err := s.Handle(context.Background(), []byte("X"))
	if !errors.Is(err, protocol.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("expected closed session, got %v", s.State())
	}
	if _, err := s.Handle(context.Background(), []byte("X")); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if len(fs.Requests()) != 1 {
		t.Fatalf("closed session must not retry")
	}
}

func TestHandleConnectFailureIsTransportError(t *testing.T) {
	testlog.Start(t)
	capture := &display.Capture{}
	refused := errors.New("connection refused")
	cfg := DefaultConfig()
	s := newTestSession(t, cfg, capture, WithDialer(func(context.Context, string, string) (net.Conn, error) {
		return nil, refused
	}))
	_, err := s.Handle(context.Background(), []byte("X"))
	if !errors.Is(err, protocol.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("expected closed session, got %v", s.State())
	}
}

func TestHandleReadTimeout(t *testing.T) {
	testlog.Start(t)
	fs := startFakeService(t, func(net.Conn, frame.Request) {})
	capture := &display.Capture{}
	cfg := testConfig(fs.ln.Addr(), 2, 2)
	cfg.ReadTimeout = 50 * time.Millisecond
	s := newTestSession(t, cfg, capture)

	start := time.Now()
	_, err := s.Handle(context.Background(), []byte("X"))
	if !errors.Is(err, protocol.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("read timeout not applied")
	}
}

func TestHandleMalformedBodyIsPerIteration(t *testing.T) {
	testlog.Start(t)
	var n atomic.Int32
	fs := startFakeService(t, func(conn net.Conn, _ frame.Request) {
		if n.Add(1) == 1 {
			_ = frame.WriteResponse(conn, []byte(`{"cf":{"data":[0.0]}}`))
			return
		}
		_ = frame.WriteResponse(conn, []byte(`{"cf":{"data":[-1.0,4]}}`))
	})
	capture := &display.Capture{}
	cfg := testConfig(fs.ln.Addr(), 2, 2)
	cfg.ReuseConn = true
	s := newTestSession(t, cfg, capture)

	if _, err := s.Handle(context.Background(), []byte("a")); !errors.Is(err, protocol.ErrMalformedStream) {
		t.Fatalf("expected ErrMalformedStream, got %v", err)
	}
	if s.State() == StateClosed {
		t.Fatalf("malformed body must not close the session")
	}
	res, err := s.Handle(context.Background(), []byte("b"))
	if err != nil {
		t.Fatalf("second handle: %v", err)
	}
	for _, v := range res.Matrix.Data {
		if !math.IsNaN(v) {
			t.Fatalf("expected all-NaN matrix, got %v", res.Matrix.Data)
		}
	}
	if got := fs.accepts.Load(); got != 1 {
		t.Fatalf("reused connection expected one accept, got %d", got)
	}
}

func TestHandleOneShotConnections(t *testing.T) {
	testlog.Start(t)
	fs := startFakeService(t, reply(`{"cf":{"data":[0.0,4]}}`))
	capture := &display.Capture{}
	s := newTestSession(t, testConfig(fs.ln.Addr(), 2, 2), capture)

	for i := 0; i < 3; i++ {
		if _, err := s.Handle(context.Background(), []byte("X")); err != nil {
			t.Fatalf("handle %d: %v", i, err)
		}
	}
	if got := fs.accepts.Load(); got != 3 {
		t.Fatalf("one-shot mode expected 3 accepts, got %d", got)
	}
}

func TestHandleWrongMatrixSize(t *testing.T) {
	testlog.Start(t)
	fs := startFakeService(t, reply(`{"cf":{"data":[0.0,3]}}`))
	capture := &display.Capture{}
	s := newTestSession(t, testConfig(fs.ln.Addr(), 2, 2), capture)
	if _, err := s.Handle(context.Background(), []byte("X")); !errors.Is(err, protocol.ErrMalformedStream) {
		t.Fatalf("expected ErrMalformedStream, got %v", err)
	}
	if len(capture.Matrices()) != 0 {
		t.Fatalf("renderer must not see a mis-sized matrix")
	}
}

func TestHandleOversizedRunIsMalformed(t *testing.T) {
	testlog.Start(t)
	fs := startFakeService(t, reply(`{"cf":{"data":[0.0,2147483647,0.0,2147483647]}}`))
	capture := &display.Capture{}
	s := newTestSession(t, testConfig(fs.ln.Addr(), 2, 2), capture)
	if _, err := s.Handle(context.Background(), []byte("X")); !errors.Is(err, protocol.ErrMalformedStream) {
		t.Fatalf("expected ErrMalformedStream, got %v", err)
	}
	if s.State() != StateAwaitingDatagram {
		t.Fatalf("malformed stream must not close the session, state=%v", s.State())
	}
	if len(capture.Matrices()) != 0 {
		t.Fatalf("renderer must not see an oversized stream")
	}
}

func TestHandleIncompleteErrorsAreMalformed(t *testing.T) {
	testlog.Start(t)
	for _, body := range []string{`{"errors":[]}`, `{"errors":[{}]}`} {
		fs := startFakeService(t, reply(body))
		capture := &display.Capture{}
		s := newTestSession(t, testConfig(fs.ln.Addr(), 2, 2), capture)
		if _, err := s.Handle(context.Background(), []byte("X")); !errors.Is(err, protocol.ErrMalformedStream) {
			t.Fatalf("body %s: expected ErrMalformedStream, got %v", body, err)
		}
		if len(capture.Faults()) != 0 {
			t.Fatalf("body %s: reporter must not see an incomplete errors list", body)
		}
	}
}

func TestHandleCancelKeepsForcedDeadline(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var peer net.Conn
	dial := func(context.Context, string, string) (net.Conn, error) {
		client, server := net.Pipe()
		peer = server
		// cancelled once connected, before the frame is written
		cancel()
		return client, nil
	}
	capture := &display.Capture{}
	cfg := DefaultConfig()
	cfg.WriteTimeout = 5 * time.Second
	cfg.ReadTimeout = 5 * time.Second
	s := newTestSession(t, cfg, capture, WithDialer(dial))
	t.Cleanup(func() {
		if peer != nil {
			_ = peer.Close()
		}
	})

	start := time.Now()
	_, err := s.Handle(ctx, []byte("X"))
	if err == nil {
		t.Fatalf("expected an error on a cancelled context")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("cancelled handle blocked for %v", elapsed)
	}
}

func TestDeadlineAfterCancelIsPast(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	if d := deadline(ctx, time.Minute); !d.After(time.Now()) {
		t.Fatalf("live context should get a future deadline, got %v", d)
	}
	cancel()
	if d := deadline(ctx, time.Minute); d.After(time.Now()) {
		t.Fatalf("cancelled context should get a past deadline, got %v", d)
	}
}

func TestNewValidates(t *testing.T) {
	testlog.Start(t)
	capture := &display.Capture{}
	if _, err := New(DefaultConfig(), nil, capture, capture); !errors.Is(err, ErrSourceRequired) {
		t.Fatalf("expected ErrSourceRequired, got %v", err)
	}
	if _, err := New(DefaultConfig(), make(chanSource), nil, capture); !errors.Is(err, ErrRendererRequired) {
		t.Fatalf("expected ErrRendererRequired, got %v", err)
	}
	if _, err := New(DefaultConfig(), make(chanSource), capture, nil); !errors.Is(err, ErrReporterRequired) {
		t.Fatalf("expected ErrReporterRequired, got %v", err)
	}
	cfg := DefaultConfig()
	cfg.DimQ = 0
	if _, err := New(cfg, make(chanSource), capture, capture); !errors.Is(err, protocol.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	s, err := New(DefaultConfig(), make(chanSource), capture, capture)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if s.State() != StateIdle || s.ID() == "" {
		t.Fatalf("unexpected initial session: state=%v id=%q", s.State(), s.ID())
	}
}

func TestRunAgainstVizService(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	svcDone := make(chan error, 1)
	go func() { svcDone <- vizservice.NewServer(vizservice.DefaultConfig()).Serve(ctx, ln) }()

	src := make(chanSource, 2)
	capture := &display.Capture{}
	s, err := New(testConfig(ln.Addr(), 6, 4), src, capture, capture)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	runCtx, stopRun := context.WithCancel(ctx)
	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(runCtx) }()

	src <- []byte(`{"Pmax":10000,"Srated":12000,"cosPhi":0.8,"Pdelta":8000,"a_pv":1,"b_pv":1,"Pimp":1000,"Qimp":0}`)
	src <- []byte("not an advertisement")

	deadline := time.Now().Add(3 * time.Second)
	for len(capture.Matrices()) < 1 || len(capture.Faults()) < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("timed out: matrices=%d faults=%d", len(capture.Matrices()), len(capture.Faults()))
		}
		time.Sleep(5 * time.Millisecond)
	}
	m := capture.Matrices()[0]
	if m.Rows != 6 || m.Cols != 4 {
		t.Fatalf("unexpected oriented shape %dx%d", m.Rows, m.Cols)
	}
	if f := capture.Faults()[0]; len(f) != 1 || f[0].Code != vizservice.CodeNotAnAdvertisement {
		t.Fatalf("unexpected faults: %+v", f)
	}

	stopRun()
	if err := <-runDone; err != nil {
		t.Fatalf("run exit: %v", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("expected closed session after run, got %v", s.State())
	}
	cancel()
	if err := <-svcDone; err != nil {
		t.Fatalf("service exit: %v", err)
	}
}

func TestRunStopsOnTransportFault(t *testing.T) {
	testlog.Start(t)
	src := make(chanSource, 1)
	capture := &display.Capture{}
	s, err := New(DefaultConfig(), src, capture, capture, WithDialer(func(context.Context, string, string) (net.Conn, error) {
		return nil, errors.New("no route to host")
	}))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	src <- []byte("X")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Run(ctx); !errors.Is(err, protocol.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("expected closed session, got %v", s.State())
	}
}

func TestRunStopsWhenSourceCloses(t *testing.T) {
	testlog.Start(t)
	src := make(chanSource)
	close(src)
	capture := &display.Capture{}
	s, err := New(DefaultConfig(), src, capture, capture)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	err = s.Run(context.Background())
	if !errors.Is(err, protocol.ErrConnectionClosed) || !errors.Is(err, ErrSourceFailed) {
		t.Fatalf("expected source failure wrapping ErrConnectionClosed, got %v", err)
	}
}
