// Command hpkv is a command line client for HPKV.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/luciancaetano/hpkv"
	"github.com/luciancaetano/hpkv/ws"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

// app carries the resolved configuration shared by every command.
type app struct {
	configFile string
	apiKey     string
	baseURL    string
	logLevel   string
	envFile    string

	cfg    fileConfig
	logger zerolog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "hpkv",
		Short:         "HPKV command line client",
		Long:          "Read, write and watch keys on an HPKV instance over its WebSocket API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&a.configFile, "config", "c", "hpkv.toml", "path to config file")
	flags.StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded when present")
	flags.StringVar(&a.apiKey, "api-key", "", "API key (overrides "+envAPIKey+")")
	flags.StringVar(&a.baseURL, "base-url", "", "API base URL (overrides "+envBaseURL+")")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: none, trace, debug, info, warn, error")

	cmd.AddCommand(
		getCmd(a),
		setCmd(a),
		deleteCmd(a),
		rangeCmd(a),
		incrCmd(a),
		watchCmd(a),
		benchCmd(a),
		tokenCmd(a),
		mockCmd(a),
		defaultConfigCmd(),
		versionCmd(),
	)
	return cmd
}

// init resolves configuration: defaults, then the config file, then the
// environment (including the dotenv file), then flags.
func (a *app) init(cmd *cobra.Command) error {
	dotEnvUsed := false
	if a.envFile != "" {
		if _, err := os.Stat(a.envFile); err == nil {
			if err := godotenv.Load(a.envFile); err != nil {
				return fmt.Errorf("load %s: %w", a.envFile, err)
			}
			dotEnvUsed = true
		}
	}

	cfg, found, err := loadConfig(a.configFile)
	if err != nil {
		return err
	}
	if a.apiKey != "" {
		cfg.APIKey = a.apiKey
	}
	if a.baseURL != "" {
		cfg.BaseURL = a.baseURL
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	a.cfg = cfg
	a.logger = newLogger(cfg.LogLevel, cmd.ErrOrStderr())

	if found {
		a.logger.Debug().Str("path", a.configFile).Msg("using config file")
	}
	if dotEnvUsed {
		a.logger.Debug().Str("path", a.envFile).Msg("environment variables loaded from dotenv file")
	}
	return nil
}

func (a *app) clientConfig() hpkv.Config {
	return a.cfg.clientConfig(a.logger)
}

// connect opens an API client. The caller must Destroy it.
func (a *app) connect(ctx context.Context) (hpkv.Client, error) {
	if a.cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required: set --api-key or %s", envAPIKey)
	}
	c := ws.NewAPIClient(a.cfg.APIKey, a.cfg.BaseURL, a.clientConfig())
	connectCtx, cancel := context.WithTimeout(ctx, time.Duration(a.cfg.ConnectionTimeout)+time.Second)
	defer cancel()
	if err := c.Connect(connectCtx); err != nil {
		c.Destroy()
		return nil, err
	}
	return c, nil
}

// withClient runs fn with a connected client and disconnects afterwards.
func (a *app) withClient(cmd *cobra.Command, fn func(ctx context.Context, c hpkv.Client) error) error {
	ctx := cmd.Context()
	c, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer c.Destroy()
	return fn(ctx, c)
}
