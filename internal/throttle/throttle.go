// Package throttle implements client-side admission control for outgoing
// requests.
//
// Slots are spaced by a token bucket of burst 1, so each granted slot moves
// the next available slot forward by 1/rate. Callers that cannot be admitted
// immediately wait in a FIFO queue that is drained serially. A 429 signal
// halves the rate (never below 10% of the ceiling) and opens a backoff window
// during which nothing is granted and further 429 signals are ignored.
package throttle

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/hpkv"
)

const (
	minRateFraction = 0.1
	baseBackoff     = time.Second
	maxBackoff      = 60 * time.Second
)

// Config is the throttling configuration.
type Config struct {
	Enabled bool
	// RateLimit is the ceiling in requests per second.
	RateLimit float64
}

// Update is a partial configuration change. Nil fields are left untouched.
type Update struct {
	Enabled   *bool
	RateLimit *float64
}

// Metrics is a snapshot of the manager state.
type Metrics struct {
	Enabled      bool
	CurrentRate  float64
	QueueLength  int
	BackoffUntil time.Time
}

type waiter struct {
	ch chan struct{}
}

// Manager gates outgoing requests against a target rate.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	queue   []*waiter
	timer   *time.Timer

	backoffUntil time.Time
	backoffExp   int
	lastWindow   time.Duration

	destroyed bool
	logger    zerolog.Logger
	now       func() time.Time
}

// New creates a throttling manager. A non-positive rate falls back to the
// default ceiling.
func New(cfg Config, logger zerolog.Logger) *Manager {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = hpkv.DefaultRateLimit
	}
	return &Manager{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
		logger:  logger.With().Str("component", "throttle").Logger(),
		now:     time.Now,
	}
}

// Wait blocks until a send slot is granted or ctx is done. It returns
// immediately when throttling is disabled.
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.Lock()
	if !m.cfg.Enabled || m.destroyed {
		m.mu.Unlock()
		return nil
	}

	now := m.now()
	m.recoverLocked(now)
	if len(m.queue) == 0 && !now.Before(m.backoffUntil) && m.limiter.AllowN(now, 1) {
		m.mu.Unlock()
		return nil
	}

	w := &waiter{ch: make(chan struct{})}
	m.queue = append(m.queue, w)
	m.processLocked(now)
	m.mu.Unlock()

	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		removed := m.removeLocked(w)
		m.mu.Unlock()
		if !removed {
			// Granted while ctx was being cancelled.
			return nil
		}
		return ctx.Err()
	}
}

// Notify429 reacts to a server rate-limit signal. Signals arriving inside an
// active backoff window are ignored.
func (m *Manager) Notify429() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.recoverLocked(now)
	if now.Before(m.backoffUntil) {
		m.logger.Debug().Time("backoff_until", m.backoffUntil).Msg("429 ignored inside backoff window")
		return
	}

	prev := float64(m.limiter.Limit())
	next := math.Max(m.cfg.RateLimit*minRateFraction, prev*0.5)
	m.limiter.SetLimitAt(now, rate.Limit(next))

	window := maxBackoff
	if m.backoffExp < 6 {
		window = min(maxBackoff, baseBackoff<<m.backoffExp)
	}
	m.backoffExp++
	m.lastWindow = window
	m.backoffUntil = now.Add(window)

	m.logger.Warn().
		Float64("previous_rate", prev).
		Float64("rate", next).
		Dur("backoff", window).
		Msg("rate limited by server, backing off")

	m.processLocked(now)
}

// UpdateConfig applies a live configuration change. Disabling throttling
// grants every queued caller.
func (m *Manager) UpdateConfig(u Update) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if u.RateLimit != nil && *u.RateLimit > 0 {
		m.cfg.RateLimit = *u.RateLimit
		if m.backoffUntil.IsZero() || float64(m.limiter.Limit()) > m.cfg.RateLimit {
			m.limiter.SetLimitAt(now, rate.Limit(m.cfg.RateLimit))
		}
	}
	if u.Enabled != nil {
		m.cfg.Enabled = *u.Enabled
	}

	if !m.cfg.Enabled {
		m.flushLocked()
		return
	}
	m.processLocked(now)
}

// Enabled reports whether throttling currently applies.
func (m *Manager) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Enabled && !m.destroyed
}

// Metrics returns the live manager state.
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.recoverLocked(m.now())
	return Metrics{
		Enabled:      m.cfg.Enabled && !m.destroyed,
		CurrentRate:  float64(m.limiter.Limit()),
		QueueLength:  len(m.queue),
		BackoffUntil: m.backoffUntil,
	}
}

// Destroy grants every queued caller and disables further gating.
func (m *Manager) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.destroyed = true
	m.flushLocked()
}

// processLocked grants queued callers in order for as long as slots are
// available and arms the timer for the next slot otherwise.
func (m *Manager) processLocked(now time.Time) {
	for len(m.queue) > 0 {
		if now.Before(m.backoffUntil) {
			m.armLocked(m.backoffUntil.Sub(now))
			return
		}
		r := m.limiter.ReserveN(now, 1)
		if d := r.DelayFrom(now); d > 0 {
			r.CancelAt(now)
			m.armLocked(d)
			return
		}
		w := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		close(w.ch)
	}
}

func (m *Manager) armLocked(d time.Duration) {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(d, m.onTimer)
}

func (m *Manager) onTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed || !m.cfg.Enabled {
		return
	}
	m.processLocked(m.now())
}

// recoverLocked restores the ceiling once a full window has passed after the
// last backoff without a new 429.
func (m *Manager) recoverLocked(now time.Time) {
	if m.backoffUntil.IsZero() || now.Before(m.backoffUntil.Add(m.lastWindow)) {
		return
	}
	m.limiter.SetLimitAt(now, rate.Limit(m.cfg.RateLimit))
	m.backoffUntil = time.Time{}
	m.backoffExp = 0
	m.lastWindow = 0
	m.logger.Debug().Float64("rate", m.cfg.RateLimit).Msg("rate restored")
}

func (m *Manager) removeLocked(w *waiter) bool {
	for i, q := range m.queue {
		if q == w {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (m *Manager) flushLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	for _, w := range m.queue {
		close(w.ch)
	}
	m.queue = nil
}
