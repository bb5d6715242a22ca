package client

import (
	"math/rand"
	"time"

	"github.com/luciancaetano/hpkv"
)

// maxShift keeps initial<<shift from overflowing.
const maxShift = 30

type backoff struct {
	initial time.Duration
	max     time.Duration
	jitter  time.Duration
}

func newBackoff(cfg *hpkv.ReconnectConfig) backoff {
	return backoff{initial: cfg.InitialDelay, max: cfg.MaxDelay, jitter: cfg.Jitter}
}

// base returns the delay before the given attempt (1-based) without jitter:
// initial * 2^(attempt-1), capped at max.
func (b backoff) base(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > maxShift {
		return b.max
	}
	d := b.initial * (1 << shift)
	if d <= 0 || d > b.max {
		return b.max
	}
	return d
}

// next returns base(attempt) plus a random jitter in [0, jitter).
func (b backoff) next(attempt int) time.Duration {
	d := b.base(attempt)
	if b.jitter > 0 {
		//nolint:gosec // it's a jitter.
		d += time.Duration(rand.Int63n(int64(b.jitter)))
	}
	return d
}
