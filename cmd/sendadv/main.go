package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/danmuck/vizbridge/internal/agent"
	"github.com/danmuck/vizbridge/internal/logging"
	"github.com/danmuck/vizbridge/internal/transport/udp"
)

func main() {
	var (
		to       string
		p, q     float64
		count    int
		interval time.Duration
		file     string
	)
	cmd := &cobra.Command{
		Use:           "sendadv",
		Short:         "Send test PV advertisements to a vizuser bridge",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.ConfigureRuntime()
			payload, err := advertisement(file, p, q)
			if err != nil {
				return err
			}
			ctx := context.Background()
			for i := 0; i < count; i++ {
				if i > 0 {
					time.Sleep(interval)
				}
				if err := udp.Send(ctx, to, payload); err != nil {
					return err
				}
				log.Info().Str("to", to).Int("bytes", len(payload)).Int("seq", i+1).Msg("advertisement sent")
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&to, "to", "127.0.0.1:12345", "bridge UDP address")
	f.Float64Var(&p, "p", agent.FallbackP, "implemented active power [W]")
	f.Float64Var(&q, "q", agent.FallbackQ, "implemented reactive power [VAR]")
	f.IntVar(&count, "count", 1, "number of advertisements to send")
	f.DurationVar(&interval, "interval", time.Second, "delay between advertisements")
	f.StringVar(&file, "file", "", "send the raw contents of this file instead of a PV record")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sendadv: %v\n", err)
		os.Exit(1)
	}
}

func advertisement(file string, p, q float64) ([]byte, error) {
	if file != "" {
		return os.ReadFile(file)
	}
	return json.Marshal(agent.ComputePVParameters(p, q))
}
