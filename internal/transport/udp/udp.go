// Package udp carries advertisements and agent requests over UDP datagrams.
package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/danmuck/vizbridge/internal/protocol"
)

// MaxDatagram is the largest payload one UDP datagram can carry.
const MaxDatagram = 1 << 16

const defaultPollInterval = 250 * time.Millisecond

// Source receives one datagram at a time from a bound UDP socket.
type Source struct {
	conn *net.UDPConn
	poll time.Duration
	buf  []byte
}

type Option func(*Source)

// WithPollInterval bounds how long a Receive blocks before rechecking ctx.
func WithPollInterval(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.poll = d
		}
	}
}

// Listen binds addr (":12345" style) for inbound datagrams.
func Listen(ctx context.Context, addr string, opts ...Option) (*Source, error) {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: udp listen %s: %v", protocol.ErrTransport, addr, err)
	}
	return NewSource(pc.(*net.UDPConn), opts...), nil
}

func NewSource(conn *net.UDPConn, opts ...Option) *Source {
	s := &Source{
		conn: conn,
		poll: defaultPollInterval,
		buf:  make([]byte, MaxDatagram),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Source) Addr() net.Addr {
	return s.conn.LocalAddr()
}

// Receive blocks until a datagram arrives or ctx is done. The returned slice
// is a copy owned by the caller.
func (s *Source) Receive(ctx context.Context) ([]byte, error) {
	data, _, err := s.ReceiveFrom(ctx)
	return data, err
}

func (s *Source) ReceiveFrom(ctx context.Context) ([]byte, net.Addr, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.poll))
		n, from, err := s.conn.ReadFromUDP(s.buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil, nil, fmt.Errorf("%w: udp source closed", protocol.ErrConnectionClosed)
			}
			return nil, nil, fmt.Errorf("%w: udp receive: %v", protocol.ErrTransport, err)
		}
		data := make([]byte, n)
		copy(data, s.buf[:n])
		return data, from, nil
	}
}

// Reply writes payload back to addr from the bound socket.
func (s *Source) Reply(payload []byte, addr net.Addr) error {
	if _, err := s.conn.WriteTo(payload, addr); err != nil {
		return fmt.Errorf("%w: udp reply: %v", protocol.ErrTransport, err)
	}
	return nil
}

func (s *Source) Close() error {
	return s.conn.Close()
}

// Send writes payload as a single datagram to addr.
func Send(ctx context.Context, addr string, payload []byte) error {
	if len(payload) >= MaxDatagram {
		return fmt.Errorf("%w: datagram of %d bytes", protocol.ErrPayloadTooLarge, len(payload))
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return fmt.Errorf("%w: udp dial %s: %v", protocol.ErrTransport, addr, err)
	}
	defer conn.Close()
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("%w: udp send: %v", protocol.ErrTransport, err)
	}
	return nil
}
