package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/hpkv/internal/hpkvtest"
)

func mockCmd(a *app) *cobra.Command {
	var (
		addr    string
		apiKeys []string
		rps     float64
		burst   int
	)
	cmd := &cobra.Command{
		Use:   "mock",
		Short: "Run an in-memory HPKV server",
		Long:  "Run an in-memory server speaking the HPKV WebSocket protocol and token endpoint, for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			m := a.cfg.Mock
			if cmd.Flags().Changed("addr") || m.Addr == "" {
				m.Addr = addr
			}
			if cmd.Flags().Changed("api-keys") {
				m.APIKeys = apiKeys
			}
			if cmd.Flags().Changed("rate-limit") {
				m.RateLimit = rps
			}
			if cmd.Flags().Changed("burst") {
				m.Burst = burst
			}

			cfg := hpkvtest.Config{
				Addr:    m.Addr,
				APIKeys: m.APIKeys,
				Logger:  a.logger,
			}
			if m.RateLimit > 0 {
				if m.Burst <= 0 {
					m.Burst = 1
				}
				cfg.RateLimit = &hpkvtest.RateLimitConfig{
					MessagesPerSecond: rate.Limit(m.RateLimit),
					Burst:             m.Burst,
					Enabled:           true,
				}
			}

			ctx := cmd.Context()
			srv := hpkvtest.New(cfg)
			if err := srv.Start(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "listening on http://%s\n", srv.Addr())

			<-ctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Stop(stopCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", defaultMockAddr, "listen address")
	cmd.Flags().StringSliceVar(&apiKeys, "api-keys", nil, "accepted API keys (any non-empty key when unset)")
	cmd.Flags().Float64Var(&rps, "rate-limit", 0, "per-connection requests per second, 0 disables")
	cmd.Flags().IntVar(&burst, "burst", 1, "rate limit burst")
	return cmd
}
