package hpkv

import (
	"time"

	"github.com/rs/zerolog"
)

// Default configuration values.
const (
	DefaultMaxReconnectAttempts = 10
	DefaultInitialDelay         = time.Second
	DefaultMaxDelay             = 30 * time.Second
	DefaultJitter               = time.Second
	DefaultConnectionTimeout    = 10 * time.Second
	DefaultOperationTimeout     = 10 * time.Second
	DefaultCleanupInterval      = 60 * time.Second
	DefaultDisconnectTimeout    = 2 * time.Second
	DefaultRateLimit            = 10
)

// ReconnectConfig controls the automatic reconnection loop.
type ReconnectConfig struct {
	// MaxAttempts is the reconnect ceiling per cycle. Zero disables automatic
	// reconnection.
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Jitter is the upper bound of the random delay added to each attempt.
	Jitter time.Duration
}

// ThrottlingConfig controls client-side admission of outgoing requests.
type ThrottlingConfig struct {
	Enabled bool
	// RateLimit is the ceiling in requests per second.
	RateLimit float64
}

// Config configures a client. The zero value is usable: nil sections and zero
// durations are filled from defaults.
type Config struct {
	// Reconnect defaults to DefaultReconnectConfig() when nil.
	Reconnect *ReconnectConfig
	// Throttling defaults to DefaultThrottlingConfig() when nil.
	Throttling *ThrottlingConfig

	ConnectionTimeout time.Duration
	OperationTimeout  time.Duration
	// CleanupInterval is the period of the stale-request sweep.
	CleanupInterval time.Duration
	// DisconnectTimeout bounds how long a graceful disconnect waits for the
	// close confirmation.
	DisconnectTimeout time.Duration

	// SocketFactory builds the transport. Nil selects the gorilla/websocket adapter.
	SocketFactory SocketFactory
	// Logger defaults to a disabled logger.
	Logger *zerolog.Logger
}

// DefaultReconnectConfig returns the default reconnection policy:
// 10 attempts, 1s initial delay doubling up to 30s, up to 1s of jitter.
func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		MaxAttempts:  DefaultMaxReconnectAttempts,
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
		Jitter:       DefaultJitter,
	}
}

// NoReconnect returns a policy with automatic reconnection disabled.
func NoReconnect() *ReconnectConfig {
	return &ReconnectConfig{}
}

// DefaultThrottlingConfig returns throttling enabled at 10 requests per second.
func DefaultThrottlingConfig() *ThrottlingConfig {
	return &ThrottlingConfig{
		Enabled:   true,
		RateLimit: DefaultRateLimit,
	}
}

// NoThrottling returns a configuration with throttling disabled.
func NoThrottling() *ThrottlingConfig {
	return &ThrottlingConfig{
		Enabled: false,
	}
}

// DefaultConfig returns a fully populated configuration.
func DefaultConfig() Config {
	return Config{}.WithDefaults()
}

// WithDefaults returns a copy of c with unset fields filled from defaults.
func (c Config) WithDefaults() Config {
	if c.Reconnect == nil {
		c.Reconnect = DefaultReconnectConfig()
	} else {
		r := *c.Reconnect
		if r.InitialDelay <= 0 {
			r.InitialDelay = DefaultInitialDelay
		}
		if r.MaxDelay <= 0 {
			r.MaxDelay = DefaultMaxDelay
		}
		if r.MaxDelay < r.InitialDelay {
			r.MaxDelay = r.InitialDelay
		}
		if r.Jitter < 0 {
			r.Jitter = 0
		}
		c.Reconnect = &r
	}
	if c.Throttling == nil {
		c.Throttling = DefaultThrottlingConfig()
	} else {
		t := *c.Throttling
		if t.RateLimit <= 0 {
			t.RateLimit = DefaultRateLimit
		}
		c.Throttling = &t
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = DefaultConnectionTimeout
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.DisconnectTimeout <= 0 {
		c.DisconnectTimeout = DefaultDisconnectTimeout
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
	return c
}
