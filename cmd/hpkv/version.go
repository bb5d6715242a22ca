package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hpkv %s (Go version: %s)\n", Version, runtime.Version())
		},
	}
}

func defaultConfigCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "defaultconfig",
		Short: "Print a configuration file with defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := toml.Marshal(defaultFileConfig())
			if err != nil {
				return err
			}
			if output == "" {
				_, err = cmd.OutOrStdout().Write(b)
				return err
			}
			if _, err := os.Stat(output); err == nil {
				return fmt.Errorf("%s already exists", output)
			}
			return os.WriteFile(output, b, 0o644)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}
