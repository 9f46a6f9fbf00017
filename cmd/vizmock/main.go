package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/danmuck/vizbridge/internal/logging"
	"github.com/danmuck/vizbridge/internal/vizservice"
)

// vizmock config.toml keys.
type fileConfig struct {
	Addr        string `toml:"addr"`
	IdleTimeout string `toml:"idle_timeout"`
	MaxPixels   int    `toml:"max_pixels"`
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "vizmock: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		idle       time.Duration
	)
	cmd := &cobra.Command{
		Use:           "vizmock",
		Short:         "Run a headless visualization service for PV advertisements",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.ConfigureRuntime()
			cfg := vizservice.DefaultConfig()
			listen := addr
			if configPath != "" {
				fileAddr, err := loadConfig(configPath, &cfg)
				if err != nil {
					return err
				}
				if fileAddr != "" && !cmd.Flags().Changed("addr") {
					listen = fileAddr
				}
			}
			if cmd.Flags().Changed("idle-timeout") {
				cfg.IdleTimeout = idle
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			log.Info().Str("addr", listen).Dur("idle_timeout", cfg.IdleTimeout).Msg("vizmock starting")
			return vizservice.NewServer(cfg).ListenAndServe(ctx, listen)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "TOML config file")
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:50007", "TCP listen address")
	cmd.Flags().DurationVar(&idle, "idle-timeout", 10*time.Second, "close sessions idle for this long")
	return cmd
}

func loadConfig(path string, cfg *vizservice.Config) (string, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return "", fmt.Errorf("load vizmock config: %w", err)
	}
	if meta.IsDefined("idle_timeout") {
		d, err := time.ParseDuration(raw.IdleTimeout)
		if err != nil {
			return "", fmt.Errorf("parse idle_timeout: %w", err)
		}
		cfg.IdleTimeout = d
	}
	if meta.IsDefined("max_pixels") {
		cfg.MaxPixels = raw.MaxPixels
	}
	return raw.Addr, nil
}
