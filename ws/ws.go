// Package ws is the entry point for building HPKV clients.
package ws

import (
	"context"

	"github.com/luciancaetano/hpkv"
	"github.com/luciancaetano/hpkv/internal/client"
	"github.com/luciancaetano/hpkv/internal/metrics"
	"github.com/luciancaetano/hpkv/internal/socket"
	"github.com/luciancaetano/hpkv/internal/token"
)

type SocketOptions = socket.Options
type TokenRequest = token.Request
type TokenManager = token.Manager
type MetricsConfig = metrics.Config
type Collector = metrics.Collector

// NewAPIClient creates a client authenticated with an API key.
//
// Parameters:
//   - apiKey: The HPKV API key, sent as the apiKey query parameter
//   - baseURL: The API base URL. http(s) is mapped to ws(s) and /ws is appended
//   - cfg: Client configuration. The zero value selects every default
//
// The client does not connect until Connect is called.
//
// Example:
//
//	client := ws.NewAPIClient(apiKey, "https://api.hpkv.io", hpkv.Config{})
//	if err := client.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Destroy()
func NewAPIClient(apiKey, baseURL string, cfg hpkv.Config) hpkv.Client {
	return client.NewAPIClient(apiKey, baseURL, cfg)
}

// NewSubscriptionClient creates a client authenticated with a subscription
// token. Tokens are issued by a TokenManager.
//
// Example:
//
//	tok, err := ws.NewTokenManager(apiKey, baseURL).Generate(ctx, ws.TokenRequest{
//	    SubscribeKeys: []string{"user:1"},
//	})
//	sub := ws.NewSubscriptionClient(tok, baseURL, hpkv.Config{})
//	sub.Subscribe(func(n hpkv.Notification) {
//	    log.Printf("%s changed", n.Key)
//	})
//	err = sub.Connect(ctx)
func NewSubscriptionClient(tok, baseURL string, cfg hpkv.Config) hpkv.SubscriptionClient {
	return client.NewSubscriptionClient(tok, baseURL, cfg)
}

// NewTokenManager returns a token issuer for apiKey.
func NewTokenManager(apiKey, baseURL string) *TokenManager {
	return token.NewManager(apiKey, baseURL)
}

// GenerateToken issues a single subscription token.
func GenerateToken(ctx context.Context, apiKey, baseURL string, req TokenRequest) (string, error) {
	return token.NewManager(apiKey, baseURL).Generate(ctx, req)
}

// NewCollector returns a Prometheus collector over c. Register it with a
// prometheus.Registerer to export connection state.
func NewCollector(c hpkv.Client, cfg MetricsConfig) *Collector {
	return metrics.NewCollector(c, cfg)
}

// NewSocketFactory returns the default gorilla/websocket transport with opts.
// Assign it to Config.SocketFactory to tune timeouts or add headers.
func NewSocketFactory(opts SocketOptions) hpkv.SocketFactory {
	return socket.Factory(opts)
}

// DefaultSocketOptions returns the transport defaults.
func DefaultSocketOptions() SocketOptions {
	return socket.DefaultOptions()
}

// DefaultConfig returns a fully populated client configuration.
func DefaultConfig() hpkv.Config {
	return hpkv.DefaultConfig()
}

// DefaultReconnectConfig returns the default reconnection policy
func DefaultReconnectConfig() *hpkv.ReconnectConfig {
	return hpkv.DefaultReconnectConfig()
}

// NoReconnect returns a policy with automatic reconnection disabled
func NoReconnect() *hpkv.ReconnectConfig {
	return hpkv.NoReconnect()
}

// DefaultThrottlingConfig returns the default throttling configuration
func DefaultThrottlingConfig() *hpkv.ThrottlingConfig {
	return hpkv.DefaultThrottlingConfig()
}

// NoThrottling returns a configuration with throttling disabled
func NoThrottling() *hpkv.ThrottlingConfig {
	return hpkv.NoThrottling()
}
