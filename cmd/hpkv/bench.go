package main

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/luciancaetano/hpkv"
)

type benchResult struct {
	Requests  int64
	RateLimit int64
	Elapsed   time.Duration
}

func (r benchResult) throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Requests) / r.Elapsed.Seconds()
}

// runBench issues n set+get pairs over concurrency workers. Rate-limited
// answers are counted rather than failing the run.
func runBench(ctx context.Context, c hpkv.Client, n, concurrency int, prefix string) (benchResult, error) {
	var done, limited atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	start := time.Now()
	for i := 0; i < n; i++ {
		i := i
		key := fmt.Sprintf("%s%d", prefix, i)
		g.Go(func() error {
			for _, op := range []func() error{
				func() error { _, err := c.Set(ctx, key, i, false); return err },
				func() error { _, err := c.Get(ctx, key); return err },
			} {
				err := op()
				switch {
				case errors.Is(err, hpkv.ErrRateLimited):
					limited.Add(1)
				case err != nil:
					return err
				}
				done.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()
	return benchResult{Requests: done.Load(), RateLimit: limited.Load(), Elapsed: time.Since(start)}, err
}

func benchCmd(a *app) *cobra.Command {
	var (
		requests    int
		concurrency int
		prefix      string
		noThrottle  bool
		cleanup     bool
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure request throughput",
		RunE: func(cmd *cobra.Command, args []string) error {
			if requests <= 0 || concurrency <= 0 {
				return errors.New("--requests and --concurrency must be positive")
			}
			if noThrottle {
				a.cfg.Throttling.Enabled = false
			}
			return a.withClient(cmd, func(ctx context.Context, c hpkv.Client) error {
				res, err := runBench(ctx, c, requests, concurrency, prefix)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d requests in %s (%.1f req/s), %d rate limited\n",
					res.Requests, res.Elapsed.Round(time.Millisecond), res.throughput(), res.RateLimit)

				if cleanup {
					for i := 0; i < requests; i++ {
						if _, err := c.Delete(ctx, fmt.Sprintf("%s%d", prefix, i)); err != nil && !hpkv.IsNotFound(err) {
							return err
						}
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&requests, "requests", "n", 100, "number of set+get pairs")
	cmd.Flags().IntVar(&concurrency, "concurrency", 10, "concurrent workers")
	cmd.Flags().StringVar(&prefix, "prefix", "bench:", "key prefix")
	cmd.Flags().BoolVar(&noThrottle, "no-throttle", false, "disable client-side throttling")
	cmd.Flags().BoolVar(&cleanup, "cleanup", false, "delete benchmark keys afterwards")
	return cmd
}
