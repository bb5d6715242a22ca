package hpkv

import "context"

// Client is a connection to the HPKV WebSocket API.
//
// A client keeps one socket open and multiplexes every request over it. Each
// request carries a correlation id so responses may arrive in any order.
// Requests are admitted through a client-side throttle that backs off when
// the server answers 429.
//
// Example usage:
//
//	client := ws.NewAPIClient(apiKey, "https://api.hpkv.io", hpkv.Config{})
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Disconnect(ctx, true)
//
//	if _, err := client.Set(ctx, "user:1", map[string]any{"name": "ada"}, false); err != nil {
//	    return err
//	}
//	resp, err := client.Get(ctx, "user:1")
type Client interface {
	// Connect opens the socket and waits for the handshake.
	//
	// Calling Connect while a connection attempt or a reconnection cycle is
	// in flight waits for that outcome instead of opening a second socket.
	// Calling it while connected returns nil immediately.
	//
	// Returns a ConnectionError when the socket cannot be established and a
	// TimeoutError when the handshake exceeds Config.ConnectionTimeout.
	Connect(ctx context.Context) error

	// Disconnect closes the socket gracefully with code 1000.
	//
	// When cancelPending is true every outstanding request is rejected with a
	// ConnectionError before Disconnect returns. A graceful disconnect never
	// triggers automatic reconnection and never returns an error for a client
	// that is already disconnected.
	Disconnect(ctx context.Context, cancelPending bool) error

	// Get fetches the value stored at key. A missing key fails with a 404 *Error.
	Get(ctx context.Context, key string) (*Response, error)

	// Set stores value at key. Strings are sent as-is, numbers as numbers and
	// anything else is serialized to JSON text. When partial is true the
	// value is merged into the stored one (PATCH) instead of replacing it.
	Set(ctx context.Context, key string, value any, partial bool) (*Response, error)

	// Delete removes key.
	Delete(ctx context.Context, key string) (*Response, error)

	// Range returns records with keys between start and end inclusive.
	Range(ctx context.Context, start, end string, opts RangeOptions) (*Response, error)

	// AtomicIncrement adds delta (which may be negative) to the integer at key
	// and returns the new value in Response.NewValue.
	AtomicIncrement(ctx context.Context, key string, delta int64) (*Response, error)

	// Stats returns a live snapshot of the connection.
	Stats() Stats

	// On registers a handler for lifecycle events. Handlers run synchronously
	// on the goroutine that produced the event and must not block.
	On(kind EventKind, handler EventHandler) ListenerID

	// Off removes a handler registered with On.
	Off(id ListenerID)

	// Destroy disconnects, rejects every pending request and releases the
	// throttle and correlator. The client cannot be reused.
	Destroy()
}

// SubscriptionClient is a Client authenticated with a token that also receives
// change notifications for the keys the token subscribes to.
//
// Example usage:
//
//	id := client.Subscribe(func(n hpkv.Notification) {
//	    if n.Deleted() {
//	        log.Printf("%s deleted", n.Key)
//	        return
//	    }
//	    log.Printf("%s = %s", n.Key, n.StringValue())
//	})
//	defer client.Unsubscribe(id)
type SubscriptionClient interface {
	Client

	// Subscribe registers a notification callback and returns its id.
	//
	// Every registered callback receives every notification. Callbacks run
	// on their own goroutine so a slow or panicking callback cannot affect
	// the others.
	Subscribe(handler NotificationHandler) string

	// Unsubscribe removes the callback with the given id and reports whether
	// it was registered.
	Unsubscribe(id string) bool
}

// RangeOptions configures a Range request.
type RangeOptions struct {
	// Limit caps the number of returned records. Zero lets the server decide.
	Limit int
}
