package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/luciancaetano/hpkv/ws"
)

func tokenCmd(a *app) *cobra.Command {
	var pattern string
	cmd := &cobra.Command{
		Use:   "token [key...]",
		Short: "Issue a subscription token",
		Long:  "Issue a subscription token for the given keys and optional access pattern",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && pattern == "" {
				return errors.New("at least one key or --pattern is required")
			}
			tok, err := ws.GenerateToken(cmd.Context(), a.cfg.APIKey, a.cfg.BaseURL, ws.TokenRequest{
				SubscribeKeys: args,
				AccessPattern: pattern,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&pattern, "pattern", "", "access pattern regexp")
	return cmd
}
