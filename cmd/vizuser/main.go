package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/danmuck/vizbridge/internal/bridge"
	"github.com/danmuck/vizbridge/internal/display"
	"github.com/danmuck/vizbridge/internal/logging"
	"github.com/danmuck/vizbridge/internal/observability"
	"github.com/danmuck/vizbridge/internal/transport/udp"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "vizuser: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
		override   serviceConfig
	)
	defaults := defaultServiceConfig()

	cmd := &cobra.Command{
		Use:   "vizuser",
		Short: "Relay UDP advertisements to the visualization service and render the result",
		Long: `vizuser listens for power-profile advertisements on a UDP port, forwards each
one with a static render request to the visualization service over TCP, and
draws the returned cost-function matrix in the terminal.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.ConfigureRuntime()
			if lvl, ok := logging.ParseLevel(logLevel); ok {
				zerolog.SetGlobalLevel(lvl)
			}

			cfg := defaultServiceConfig()
			if configPath != "" {
				loaded, err := loadServiceConfig(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			applyFlags(cmd, &cfg, override)
			return run(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "TOML config file")
	f.StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error, off)")
	f.IntVar(&override.Bridge.UDPPort, "udp-port", defaults.Bridge.UDPPort, "UDP port to receive advertisements on")
	f.StringVar(&override.Bridge.VizHost, "viz-host", defaults.Bridge.VizHost, "visualization service host")
	f.IntVar(&override.Bridge.VizPort, "viz-port", defaults.Bridge.VizPort, "visualization service port")
	f.IntVar(&override.Bridge.DimP, "dim-p", defaults.Bridge.DimP, "render width in pixels (P axis)")
	f.IntVar(&override.Bridge.DimQ, "dim-q", defaults.Bridge.DimQ, "render height in pixels (Q axis)")
	f.BoolVar(&override.Bridge.ReuseConn, "reuse-conn", defaults.Bridge.ReuseConn, "keep the TCP connection open across advertisements")
	f.StringVar(&override.MetricsAddr, "metrics-addr", "", "serve /health and /metrics on this address")
	f.BoolVar(&override.Restart, "restart", false, "start a new session after a transport fault")
	f.IntVar(&override.Supervisor.MaxRestarts, "max-restarts", 0, "restart limit with --restart (0 = unlimited)")
	return cmd
}

// applyFlags overlays explicitly set flags onto cfg.
func applyFlags(cmd *cobra.Command, cfg *serviceConfig, flags serviceConfig) {
	f := cmd.Flags()
	if f.Changed("udp-port") {
		cfg.Bridge.UDPPort = flags.Bridge.UDPPort
	}
	if f.Changed("viz-host") {
		cfg.Bridge.VizHost = flags.Bridge.VizHost
	}
	if f.Changed("viz-port") {
		cfg.Bridge.VizPort = flags.Bridge.VizPort
	}
	if f.Changed("dim-p") {
		cfg.Bridge.DimP = flags.Bridge.DimP
	}
	if f.Changed("dim-q") {
		cfg.Bridge.DimQ = flags.Bridge.DimQ
	}
	if f.Changed("reuse-conn") {
		cfg.Bridge.ReuseConn = flags.Bridge.ReuseConn
	}
	if f.Changed("metrics-addr") {
		cfg.MetricsAddr = flags.MetricsAddr
	}
	if f.Changed("restart") {
		cfg.Restart = flags.Restart
	}
	if f.Changed("max-restarts") {
		cfg.Supervisor.MaxRestarts = flags.Supervisor.MaxRestarts
	}
}

func run(parent context.Context, cfg serviceConfig) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	src, err := udp.Listen(ctx, cfg.Bridge.UDPAddr())
	if err != nil {
		return err
	}
	defer src.Close()

	if cfg.MetricsAddr != "" {
		ln, err := net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			return fmt.Errorf("listen metrics %s: %w", cfg.MetricsAddr, err)
		}
		go func() {
			if err := observability.ServeAdmin(ctx, ln, "vizuser"); err != nil {
				log.Error().Err(err).Msg("admin server stopped")
			}
		}()
	}

	renderer := display.NewTerminal(os.Stdout)
	reporter := display.LogReporter{Logger: observability.Component("viz-errors")}
	newSession := func() (*bridge.Session, error) {
		s, err := bridge.New(cfg.Bridge, src, renderer, reporter)
		if err != nil {
			return nil, err
		}
		log.Info().Str("udp", src.Addr().String()).Str("session", s.ID()).Msg("vizuser listening")
		return s, nil
	}
	if cfg.Restart {
		return bridge.Supervise(ctx, cfg.Supervisor, newSession)
	}
	session, err := newSession()
	if err != nil {
		return err
	}
	return session.Run(ctx)
}
