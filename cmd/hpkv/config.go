package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"

	"github.com/luciancaetano/hpkv"
)

const (
	envAPIKey   = "HPKV_API_KEY"
	envBaseURL  = "HPKV_BASE_URL"
	envLogLevel = "HPKV_LOG_LEVEL"

	defaultBaseURL  = "https://api.hpkv.io"
	defaultMockAddr = "127.0.0.1:8080"
)

// duration reads and writes time.Duration as text, e.g. "1.5s".
type duration time.Duration

func (d duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

type reconnectSection struct {
	MaxAttempts  int      `toml:"max_attempts"`
	InitialDelay duration `toml:"initial_delay"`
	MaxDelay     duration `toml:"max_delay"`
	Jitter       duration `toml:"jitter"`
}

type throttlingSection struct {
	Enabled   bool    `toml:"enabled"`
	RateLimit float64 `toml:"rate_limit"`
}

type mockSection struct {
	Addr      string   `toml:"addr"`
	APIKeys   []string `toml:"api_keys"`
	RateLimit float64  `toml:"rate_limit"`
	Burst     int      `toml:"burst"`
}

// fileConfig is the on-disk configuration.
type fileConfig struct {
	APIKey   string `toml:"api_key"`
	BaseURL  string `toml:"base_url"`
	LogLevel string `toml:"log_level"`

	ConnectionTimeout duration `toml:"connection_timeout"`
	OperationTimeout  duration `toml:"operation_timeout"`
	DisconnectTimeout duration `toml:"disconnect_timeout"`

	Reconnect  reconnectSection  `toml:"reconnect"`
	Throttling throttlingSection `toml:"throttling"`
	Mock       mockSection       `toml:"mock"`
}

func defaultFileConfig() fileConfig {
	d := hpkv.DefaultConfig()
	return fileConfig{
		BaseURL:           defaultBaseURL,
		LogLevel:          "info",
		ConnectionTimeout: duration(d.ConnectionTimeout),
		OperationTimeout:  duration(d.OperationTimeout),
		DisconnectTimeout: duration(d.DisconnectTimeout),
		Reconnect: reconnectSection{
			MaxAttempts:  d.Reconnect.MaxAttempts,
			InitialDelay: duration(d.Reconnect.InitialDelay),
			MaxDelay:     duration(d.Reconnect.MaxDelay),
			Jitter:       duration(d.Reconnect.Jitter),
		},
		Throttling: throttlingSection{
			Enabled:   d.Throttling.Enabled,
			RateLimit: d.Throttling.RateLimit,
		},
		Mock: mockSection{
			Addr: defaultMockAddr,
		},
	}
}

// loadConfig reads path over the defaults and applies environment overrides.
// A missing file is not an error; found reports whether it was read.
func loadConfig(path string) (cfg fileConfig, found bool, err error) {
	cfg = defaultFileConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, false, fmt.Errorf("read config: %w", err)
		default:
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return cfg, false, fmt.Errorf("parse config %s: %w", path, err)
			}
			found = true
		}
	}
	if v := os.Getenv(envAPIKey); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv(envBaseURL); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = v
	}
	return cfg, found, nil
}

// clientConfig maps the file configuration onto a client configuration.
func (c fileConfig) clientConfig(logger zerolog.Logger) hpkv.Config {
	return hpkv.Config{
		Reconnect: &hpkv.ReconnectConfig{
			MaxAttempts:  c.Reconnect.MaxAttempts,
			InitialDelay: time.Duration(c.Reconnect.InitialDelay),
			MaxDelay:     time.Duration(c.Reconnect.MaxDelay),
			Jitter:       time.Duration(c.Reconnect.Jitter),
		},
		Throttling: &hpkv.ThrottlingConfig{
			Enabled:   c.Throttling.Enabled,
			RateLimit: c.Throttling.RateLimit,
		},
		ConnectionTimeout: time.Duration(c.ConnectionTimeout),
		OperationTimeout:  time.Duration(c.OperationTimeout),
		DisconnectTimeout: time.Duration(c.DisconnectTimeout),
		Logger:            &logger,
	}
}
