package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/luciancaetano/hpkv"
	"github.com/luciancaetano/hpkv/ws"
)

func watchCmd(a *app) *cobra.Command {
	var (
		pattern     string
		token       string
		count       int
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "watch [key...]",
		Short: "Print change notifications for keys",
		Long: "Subscribe to keys and print every change until interrupted. A token is " +
			"issued with the API key unless --token is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if token == "" {
				if len(args) == 0 && pattern == "" {
					return errors.New("at least one key or --pattern is required")
				}
				tok, err := ws.NewTokenManager(a.cfg.APIKey, a.cfg.BaseURL).Generate(ctx, ws.TokenRequest{
					SubscribeKeys: args,
					AccessPattern: pattern,
				})
				if err != nil {
					return fmt.Errorf("issue token: %w", err)
				}
				token = tok
			}

			sub := ws.NewSubscriptionClient(token, a.cfg.BaseURL, a.clientConfig())
			defer sub.Destroy()

			if metricsAddr != "" {
				stopMetrics, err := serveMetrics(metricsAddr, sub, a)
				if err != nil {
					return err
				}
				defer stopMetrics()
			}

			var (
				mu   sync.Mutex
				seen int
			)
			out := cmd.OutOrStdout()
			sub.Subscribe(func(n hpkv.Notification) {
				mu.Lock()
				defer mu.Unlock()
				if count > 0 && seen >= count {
					return
				}
				seen++
				if n.Deleted() {
					fmt.Fprintf(out, "%s deleted\n", n.Key)
				} else {
					fmt.Fprintf(out, "%s = %s\n", n.Key, n.StringValue())
				}
				if count > 0 && seen == count {
					cancel()
				}
			})
			sub.On(hpkv.EventReconnecting, func(ev hpkv.Event) {
				a.logger.Warn().Int("attempt", ev.Attempt).Dur("delay", ev.Delay).Msg("reconnecting")
			})
			sub.On(hpkv.EventReconnectFailed, func(ev hpkv.Event) {
				a.logger.Error().Err(ev.Err).Msg("giving up")
				cancel()
			})

			if err := sub.Connect(ctx); err != nil {
				return err
			}
			a.logger.Info().Strs("keys", args).Str("pattern", pattern).Msg("watching")

			<-ctx.Done()
			disconnectCtx, stop := context.WithTimeout(context.Background(), time.Duration(a.cfg.DisconnectTimeout))
			defer stop()
			return sub.Disconnect(disconnectCtx, true)
		},
	}
	cmd.Flags().StringVar(&pattern, "pattern", "", "access pattern regexp for the issued token")
	cmd.Flags().StringVar(&token, "token", "", "use an existing subscription token")
	cmd.Flags().IntVar(&count, "count", 0, "exit after this many notifications")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

// serveMetrics exposes c on addr under /metrics.
func serveMetrics(addr string, c hpkv.Client, a *app) (func(), error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(ws.NewCollector(c, ws.MetricsConfig{})); err != nil {
		return nil, fmt.Errorf("register collector: %w", err)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
	a.logger.Info().Str("addr", ln.Addr().String()).Msg("serving metrics")
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}, nil
}
