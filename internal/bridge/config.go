package bridge

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/vizbridge/internal/protocol"
	"github.com/danmuck/vizbridge/internal/protocol/frame"
)

// Config is the bridge runtime configuration.
type Config struct {
	UDPPort        int
	VizHost        string
	VizPort        int
	DimP           int
	DimQ           int
	ReuseConn      bool
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	Limits         frame.Limits
}

// DefaultConfig mirrors the demo deployment: 64x64 render, viz service on
// localhost:50007, advertisements on UDP 12345.
func DefaultConfig() Config {
	return Config{
		UDPPort:        12345,
		VizHost:        "127.0.0.1",
		VizPort:        50007,
		DimP:           64,
		DimQ:           64,
		ReuseConn:      false,
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		Limits:         frame.DefaultLimits(),
	}
}

// WithDefaults fills zero timeouts and limits from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.Limits == (frame.Limits{}) {
		c.Limits = d.Limits
	}
	return c
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.VizHost) == "" {
		return fmt.Errorf("%w: viz host required", protocol.ErrInvalidArgument)
	}
	if c.VizPort <= 0 || c.VizPort > 65535 {
		return fmt.Errorf("%w: viz port %d", protocol.ErrInvalidArgument, c.VizPort)
	}
	if c.UDPPort < 0 || c.UDPPort > 65535 {
		return fmt.Errorf("%w: udp port %d", protocol.ErrInvalidArgument, c.UDPPort)
	}
	if c.DimP <= 0 || c.DimQ <= 0 {
		return fmt.Errorf("%w: render dims must be positive (dimP=%d dimQ=%d)", protocol.ErrInvalidArgument, c.DimP, c.DimQ)
	}
	return nil
}

func (c Config) VizAddr() string {
	return net.JoinHostPort(strings.TrimSpace(c.VizHost), strconv.Itoa(c.VizPort))
}

// UDPAddr is the wildcard listen address for the configured port.
func (c Config) UDPAddr() string {
	return ":" + strconv.Itoa(c.UDPPort)
}
