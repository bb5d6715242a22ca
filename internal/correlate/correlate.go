// Package correlate matches asynchronous response frames to pending callers.
package correlate

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/luciancaetano/hpkv"
	"github.com/luciancaetano/hpkv/internal/protocol"
)

// maxSafeID is the largest integer a JSON peer can represent exactly.
const maxSafeID = 1<<53 - 1

// staleFactor is the multiple of the operation timeout after which the sweep
// reclaims a pending request regardless of its own timer.
const staleFactor = 3

// Config configures a Correlator.
type Config struct {
	// Timeout is the default per-request timeout.
	Timeout time.Duration
	// CleanupInterval is the stale sweep period.
	CleanupInterval time.Duration
}

type result struct {
	resp *hpkv.Response
	err  error
}

// Pending is one outstanding request.
type Pending struct {
	id      int64
	op      string
	created time.Time
	timer   *time.Timer
	done    chan result
	c       *Correlator
}

// ID returns the correlation id.
func (p *Pending) ID() int64 {
	return p.id
}

// Wait blocks until the request is resolved, rejected, timed out or ctx is done.
// Cancelling ctx removes the request from the pending table.
func (p *Pending) Wait(ctx context.Context) (*hpkv.Response, error) {
	select {
	case r := <-p.done:
		return r.resp, r.err
	case <-ctx.Done():
		p.c.settle(p.id, p, result{err: ctx.Err()})
		r := <-p.done
		return r.resp, r.err
	}
}

// Cancel rejects the request with err. It is a no-op once the request has
// been settled.
func (p *Pending) Cancel(err error) {
	p.c.settle(p.id, p, result{err: err})
}

// Correlator owns the pending request table.
type Correlator struct {
	cfg         Config
	onRateLimit func()
	logger      zerolog.Logger

	mu      sync.Mutex
	nextID  int64
	pending map[int64]*Pending
	closed  bool

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a Correlator and starts its stale sweep. onRateLimit, if not
// nil, is invoked for every response carrying status 429.
func New(cfg Config, onRateLimit func(), logger zerolog.Logger) *Correlator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = hpkv.DefaultOperationTimeout
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = hpkv.DefaultCleanupInterval
	}
	c := &Correlator{
		cfg:         cfg,
		onRateLimit: onRateLimit,
		logger:      logger.With().Str("component", "correlator").Logger(),
		pending:     make(map[int64]*Pending),
		stop:        make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// NextID returns a fresh correlation id. Ids increase strictly and wrap to 1
// before leaving the safe integer range, skipping ids still pending.
func (c *Correlator) NextID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if c.nextID >= maxSafeID {
			c.nextID = 0
		}
		c.nextID++
		if _, busy := c.pending[c.nextID]; !busy {
			return c.nextID
		}
	}
}

// CreateMessage attaches a fresh correlation id to req and returns it.
func (c *Correlator) CreateMessage(req *protocol.Request) int64 {
	req.MessageID = c.NextID()
	return req.MessageID
}

// Register tracks a request and starts its timeout timer. A non-positive
// timeout selects the configured default.
func (c *Correlator) Register(id int64, op string, timeout time.Duration) *Pending {
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	p := &Pending{
		id:      id,
		op:      op,
		created: time.Now(),
		done:    make(chan result, 1),
		c:       c,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		p.done <- result{err: hpkv.ErrClientDestroyed}
		return p
	}
	if old, ok := c.pending[id]; ok {
		c.mu.Unlock()
		old.Cancel(&hpkv.ConnectionError{Message: "correlation id reused"})
		c.mu.Lock()
	}
	c.pending[id] = p
	p.timer = time.AfterFunc(timeout, func() {
		if c.settle(id, p, result{err: &hpkv.TimeoutError{Op: op, Elapsed: time.Since(p.created)}}) {
			c.logger.Warn().Int64("message_id", id).Str("op", op).Dur("timeout", timeout).Msg("request timed out")
		}
	})
	c.mu.Unlock()
	return p
}

// HandleMessage routes a decoded frame to its pending caller and reports
// whether it matched one. Notifications, frames without an id and frames whose
// id is no longer pending are not handled.
func (c *Correlator) HandleMessage(frame hpkv.Frame) bool {
	if frame.Kind != hpkv.FrameResponse || frame.Response == nil {
		return false
	}
	resp := frame.Response
	if resp.MessageID == 0 {
		return false
	}

	c.mu.Lock()
	p, ok := c.pending[resp.MessageID]
	if ok {
		delete(c.pending, resp.MessageID)
		p.timer.Stop()
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug().Int64("message_id", resp.MessageID).Msg("response for unknown request ignored")
		return false
	}

	if resp.Code == hpkv.StatusTooManyRequests && c.onRateLimit != nil {
		c.onRateLimit()
	}

	if resp.Code == hpkv.StatusOK {
		p.done <- result{resp: resp}
		return true
	}
	p.done <- result{err: &hpkv.Error{Code: resp.Code, Message: errorMessage(resp)}}
	return true
}

// CancelAll rejects every pending request with err and empties the table.
// It returns the number of requests cancelled.
func (c *Correlator) CancelAll(err error) int {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]*Pending)
	for _, p := range pending {
		p.timer.Stop()
	}
	c.mu.Unlock()

	for _, p := range pending {
		p.done <- result{err: err}
	}
	if len(pending) > 0 {
		c.logger.Debug().Int("count", len(pending)).Err(err).Msg("pending requests cancelled")
	}
	return len(pending)
}

// Len returns the number of pending requests.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close stops the sweep. Requests registered afterwards fail immediately.
func (c *Correlator) Close() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.stop)
	})
}

// settle removes p from the table and delivers r. It reports false when the
// request was already settled.
func (c *Correlator) settle(id int64, p *Pending, r result) bool {
	c.mu.Lock()
	cur, ok := c.pending[id]
	if !ok || cur != p {
		c.mu.Unlock()
		return false
	}
	delete(c.pending, id)
	if p.timer != nil {
		p.timer.Stop()
	}
	c.mu.Unlock()

	p.done <- r
	return true
}

func (c *Correlator) sweepLoop() {
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.sweep(now)
		}
	}
}

// sweep rejects requests older than staleFactor operation timeouts.
func (c *Correlator) sweep(now time.Time) int {
	limit := staleFactor * c.cfg.Timeout

	c.mu.Lock()
	var stale []*Pending
	for id, p := range c.pending {
		if now.Sub(p.created) > limit {
			delete(c.pending, id)
			p.timer.Stop()
			stale = append(stale, p)
		}
	}
	c.mu.Unlock()

	for _, p := range stale {
		p.done <- result{err: &hpkv.TimeoutError{Op: p.op, Elapsed: now.Sub(p.created)}}
	}
	if len(stale) > 0 {
		c.logger.Warn().Int("count", len(stale)).Dur("age_limit", limit).Msg("stale requests reclaimed")
	}
	return len(stale)
}

func errorMessage(resp *hpkv.Response) string {
	switch {
	case resp.Error != "":
		return resp.Error
	case resp.Message != "":
		return resp.Message
	default:
		return http.StatusText(resp.Code)
	}
}
