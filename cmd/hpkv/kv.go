package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/luciancaetano/hpkv"
)

func getCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print the value stored at key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c hpkv.Client) error {
				resp, err := c.Get(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), resp.StringValue())
				return nil
			})
		},
	}
}

func setCmd(a *app) *cobra.Command {
	var partial bool
	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store value at key",
		Long:  "Store value at key. With --partial the JSON value is merged into the stored object",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c hpkv.Client) error {
				resp, err := c.Set(ctx, args[0], args[1], partial)
				if err != nil {
					return err
				}
				printResult(cmd, resp)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&partial, "partial", "p", false, "merge into the stored value")
	return cmd
}

func deleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <key>",
		Aliases: []string{"del", "rm"},
		Short:   "Remove key",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c hpkv.Client) error {
				resp, err := c.Delete(ctx, args[0])
				if err != nil {
					return err
				}
				printResult(cmd, resp)
				return nil
			})
		},
	}
}

func rangeCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "range <start> <end>",
		Short: "List records with keys between start and end inclusive",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd, func(ctx context.Context, c hpkv.Client) error {
				resp, err := c.Range(ctx, args[0], args[1], hpkv.RangeOptions{Limit: limit})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, r := range resp.Records {
					fmt.Fprintf(out, "%s\t%s\n", r.Key, r.StringValue())
				}
				if resp.Truncated {
					fmt.Fprintln(cmd.ErrOrStderr(), "(truncated)")
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum number of records")
	return cmd
}

func incrCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "incr <key> [delta]",
		Short: "Atomically add delta (default 1) to the integer at key",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			delta := int64(1)
			if len(args) == 2 {
				v, err := strconv.ParseInt(args[1], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid delta %q: %w", args[1], err)
				}
				delta = v
			}
			return a.withClient(cmd, func(ctx context.Context, c hpkv.Client) error {
				resp, err := c.AtomicIncrement(ctx, args[0], delta)
				if err != nil {
					return err
				}
				n, err := resp.IntValue()
				if err != nil {
					return fmt.Errorf("unexpected increment result: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	}
}

func printResult(cmd *cobra.Command, resp *hpkv.Response) {
	msg := resp.Message
	if msg == "" {
		msg = "OK"
	}
	fmt.Fprintln(cmd.OutOrStdout(), msg)
}
