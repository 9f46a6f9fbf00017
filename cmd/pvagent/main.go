package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/danmuck/vizbridge/internal/agent"
	"github.com/danmuck/vizbridge/internal/logging"
	"github.com/danmuck/vizbridge/internal/transport/udp"
)

func main() {
	var addr string
	cmd := &cobra.Command{
		Use:           "pvagent",
		Short:         "Simulate a PV resource agent answering setpoint requests over UDP",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.ConfigureRuntime()
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			src, err := udp.Listen(ctx, addr)
			if err != nil {
				return err
			}
			defer src.Close()
			log.Info().Str("addr", src.Addr().String()).Msg("pvagent listening")
			return agent.New(nil).Serve(ctx, src)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:12350", "UDP listen address")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pvagent: %v\n", err)
		os.Exit(1)
	}
}
