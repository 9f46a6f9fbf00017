package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/vizbridge/internal/bridge"
)

// vizuser config.toml key mapping to bridge runtime settings.
type fileConfig struct {
	UDPPort        int    `toml:"udp_port"`
	VizHost        string `toml:"viz_host"`
	VizPort        int    `toml:"viz_port"`
	DimP           int    `toml:"dim_p"`
	DimQ           int    `toml:"dim_q"`
	ReuseConn      bool   `toml:"reuse_conn"`
	ConnectTimeout string `toml:"connect_timeout"`
	ReadTimeout    string `toml:"read_timeout"`
	WriteTimeout   string `toml:"write_timeout"`
	MetricsAddr    string `toml:"metrics_addr"`
	Restart        bool   `toml:"restart"`
	MaxRestarts    int    `toml:"max_restarts"`
}

type serviceConfig struct {
	Bridge      bridge.Config
	MetricsAddr string
	Restart     bool
	Supervisor  bridge.SupervisorConfig
}

func defaultServiceConfig() serviceConfig {
	return serviceConfig{
		Bridge:     bridge.DefaultConfig(),
		Supervisor: bridge.SupervisorConfig{Backoff: bridge.DefaultBackoffConfig()},
	}
}

// vizuser loader for TOML config with default overlay.
func loadServiceConfig(path string) (serviceConfig, error) {
	cfg := defaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return serviceConfig{}, fmt.Errorf("load vizuser config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return serviceConfig{}, fmt.Errorf("load vizuser config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("udp_port") {
		cfg.Bridge.UDPPort = raw.UDPPort
	}
	if meta.IsDefined("viz_host") {
		cfg.Bridge.VizHost = strings.TrimSpace(raw.VizHost)
	}
	if meta.IsDefined("viz_port") {
		cfg.Bridge.VizPort = raw.VizPort
	}
	if meta.IsDefined("dim_p") {
		cfg.Bridge.DimP = raw.DimP
	}
	if meta.IsDefined("dim_q") {
		cfg.Bridge.DimQ = raw.DimQ
	}
	if meta.IsDefined("reuse_conn") {
		cfg.Bridge.ReuseConn = raw.ReuseConn
	}
	if meta.IsDefined("connect_timeout") {
		if cfg.Bridge.ConnectTimeout, err = parseDuration("connect_timeout", raw.ConnectTimeout); err != nil {
			return serviceConfig{}, err
		}
	}
	if meta.IsDefined("read_timeout") {
		if cfg.Bridge.ReadTimeout, err = parseDuration("read_timeout", raw.ReadTimeout); err != nil {
			return serviceConfig{}, err
		}
	}
	if meta.IsDefined("write_timeout") {
		if cfg.Bridge.WriteTimeout, err = parseDuration("write_timeout", raw.WriteTimeout); err != nil {
			return serviceConfig{}, err
		}
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("restart") {
		cfg.Restart = raw.Restart
	}
	if meta.IsDefined("max_restarts") {
		cfg.Supervisor.MaxRestarts = raw.MaxRestarts
	}

	if err := cfg.Bridge.Validate(); err != nil {
		return serviceConfig{}, fmt.Errorf("load vizuser config: %w", err)
	}
	return cfg, nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("parse %s: must be positive", key)
	}
	return d, nil
}
