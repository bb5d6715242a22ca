package client

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/luciancaetano/hpkv"
	"github.com/luciancaetano/hpkv/internal/protocol"
)

const tokenParam = "token"

// SubscriptionClient authenticates with a token and fans notifications out
// to every registered callback.
type SubscriptionClient struct {
	*Base

	logger zerolog.Logger

	mu        sync.RWMutex
	handlers  map[string]hpkv.NotificationHandler
	destroyed bool
	wg        sync.WaitGroup
}

var _ hpkv.SubscriptionClient = (*SubscriptionClient)(nil)

// NewSubscriptionClient creates a client for baseURL authenticated with token.
func NewSubscriptionClient(token, baseURL string, cfg hpkv.Config) *SubscriptionClient {
	cfg = cfg.WithDefaults()
	c := &SubscriptionClient{
		logger:   cfg.Logger.With().Str("component", "subscription").Logger(),
		handlers: make(map[string]hpkv.NotificationHandler),
	}
	url := func() (string, error) {
		if token == "" {
			return "", errors.New("token must not be empty")
		}
		return protocol.BuildURL(baseURL, tokenParam, token)
	}
	c.Base = NewBase(cfg, url, c.dispatch)
	return c
}

// Subscribe registers handler for every notification and returns its id.
func (c *SubscriptionClient) Subscribe(handler hpkv.NotificationHandler) string {
	id := uuid.NewString()

	c.mu.Lock()
	c.handlers[id] = handler
	c.mu.Unlock()

	c.logger.Debug().Str("subscription_id", id).Msg("subscribed")
	return id
}

// Unsubscribe removes the handler with id and reports whether it existed.
func (c *SubscriptionClient) Unsubscribe(id string) bool {
	c.mu.Lock()
	_, ok := c.handlers[id]
	delete(c.handlers, id)
	c.mu.Unlock()

	if ok {
		c.logger.Debug().Str("subscription_id", id).Msg("unsubscribed")
	}
	return ok
}

// Subscriptions returns the number of registered handlers.
func (c *SubscriptionClient) Subscriptions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.handlers)
}

// Destroy disconnects, waits for in-flight callbacks and drops every
// subscription.
func (c *SubscriptionClient) Destroy() {
	c.Base.Destroy()

	c.mu.Lock()
	c.destroyed = true
	c.handlers = make(map[string]hpkv.NotificationHandler)
	c.mu.Unlock()

	c.wg.Wait()
}

// dispatch consumes notification frames. Each callback runs on its own
// goroutine so one failing callback cannot affect delivery to the others.
func (c *SubscriptionClient) dispatch(frame hpkv.Frame) bool {
	if frame.Kind != hpkv.FrameNotification || frame.Notification == nil {
		return false
	}
	n := *frame.Notification

	// Add runs under the lock so it never races Destroy's Wait.
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.destroyed {
		return true
	}
	for _, h := range c.handlers {
		c.wg.Add(1)
		go c.invoke(h, n)
	}
	return true
}

func (c *SubscriptionClient) invoke(h hpkv.NotificationHandler, n hpkv.Notification) {
	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("key", n.Key).Msg("notification handler panicked")
		}
	}()
	h(n)
}
