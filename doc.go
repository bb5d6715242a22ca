// Package hpkv provides a client for the HPKV key-value store's WebSocket API.
//
// A client keeps one long-lived WebSocket connection and multiplexes every
// request over it. Each request carries a numeric messageId; responses are
// matched back to their callers by that id and may arrive in any order.
//
// # Quick Start
//
//	import (
//	    "github.com/luciancaetano/hpkv"
//	    "github.com/luciancaetano/hpkv/ws"
//	)
//
//	client := ws.NewAPIClient(apiKey, "https://api.hpkv.io", hpkv.Config{})
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Destroy()
//
//	client.Set(ctx, "user:1", map[string]any{"name": "ada"}, false)
//	client.Set(ctx, "user:1", map[string]any{"role": "admin"}, true) // merge
//	resp, err := client.Get(ctx, "user:1")
//
// # Protocol Format
//
// Requests are JSON text frames:
//
//	{"op": 1, "key": "user:1", "messageId": 7}
//
// Operation codes: 1 GET, 2 SET, 3 PATCH, 4 DELETE, 5 RANGE, 6 ATOMIC.
// Responses echo the messageId and carry a status code. A code other than 200
// is returned to the caller as *Error. Frames with a "type":"notification"
// field are change notifications and are only meaningful to subscription
// clients.
//
// # Connection Lifecycle
//
// A client moves through Disconnected, Connecting, Connected, Disconnecting
// and Reconnecting. An unexpected close starts an automatic reconnection
// cycle with exponential backoff and jitter, bounded by
// ReconnectConfig.MaxAttempts. Requests issued while the socket is not open
// fail immediately with a ConnectionError; in-flight requests are rejected
// when the connection drops.
//
//	client.On(hpkv.EventReconnecting, func(ev hpkv.Event) {
//	    log.Printf("reconnect %d/%d in %s", ev.Attempt, ev.MaxAttempts, ev.Delay)
//	})
//
// # Throttling
//
// Outgoing requests are admitted at ThrottlingConfig.RateLimit per second.
// When the server answers 429 the rate is halved and admission pauses for an
// exponentially growing window. The rate returns to the ceiling after one
// further window passes without another 429.
//
// # Subscriptions
//
// A subscription client authenticates with a token issued for a set of keys
// and receives a Notification for every change to them:
//
//	tok, err := ws.NewTokenManager(apiKey, baseURL).Generate(ctx, ws.TokenRequest{
//	    SubscribeKeys: []string{"user:1"},
//	})
//	sub := ws.NewSubscriptionClient(tok, baseURL, hpkv.Config{})
//	sub.Subscribe(func(n hpkv.Notification) { ... })
//
// # Errors
//
//   - ConnectionError: the socket could not be established, dropped, or was not open
//   - TimeoutError: the handshake or a request exceeded its timeout
//   - AuthenticationError: credentials were rejected with 401 or 403
//   - Error: the server answered with a non-200 code; 429 matches ErrRateLimited
package hpkv
