package correlate

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/hpkv"
	"github.com/luciancaetano/hpkv/internal/protocol"
)

func newCorrelator(t *testing.T, timeout time.Duration, onRateLimit func()) *Correlator {
	t.Helper()
	c := New(Config{Timeout: timeout, CleanupInterval: time.Hour}, onRateLimit, zerolog.Nop())
	t.Cleanup(c.Close)
	return c
}

func response(id int64, code int) hpkv.Frame {
	return hpkv.Frame{Kind: hpkv.FrameResponse, Response: &hpkv.Response{Code: code, MessageID: id}}
}

// TestNextIDIncreasing tests that ids are positive and strictly increasing
func TestNextIDIncreasing(t *testing.T) {
	t.Parallel()

	c := newCorrelator(t, time.Second, nil)
	prev := int64(0)
	for i := 0; i < 1000; i++ {
		id := c.NextID()
		require.Greater(t, id, prev)
		prev = id
	}
}

// TestNextIDWraps tests that ids wrap to 1 before the safe integer limit
func TestNextIDWraps(t *testing.T) {
	t.Parallel()

	c := newCorrelator(t, time.Second, nil)
	c.nextID = maxSafeID - 1
	assert.Equal(t, int64(maxSafeID), c.NextID())
	assert.Equal(t, int64(1), c.NextID())
}

// TestNextIDSkipsPending tests that a wrapped id never collides with a pending request
func TestNextIDSkipsPending(t *testing.T) {
	t.Parallel()

	c := newCorrelator(t, time.Minute, nil)
	c.Register(1, "get", 0)
	c.nextID = maxSafeID
	assert.Equal(t, int64(2), c.NextID())
}

// TestCreateMessage tests that a request receives the allocated id
func TestCreateMessage(t *testing.T) {
	t.Parallel()

	c := newCorrelator(t, time.Second, nil)
	req := &protocol.Request{Op: protocol.OpGet, Key: "k"}
	id := c.CreateMessage(req)
	assert.Equal(t, id, req.MessageID)
	assert.Positive(t, id)
}

// TestOutOfOrderResponses tests routing of concurrent requests regardless of arrival order
func TestOutOfOrderResponses(t *testing.T) {
	t.Parallel()

	const n = 50
	c := newCorrelator(t, 5*time.Second, nil)

	ids := make([]int64, n)
	pendings := make([]*Pending, n)
	seen := make(map[int64]bool, n)
	for i := 0; i < n; i++ {
		ids[i] = c.NextID()
		require.False(t, seen[ids[i]], "duplicate id %d", ids[i])
		seen[ids[i]] = true
		pendings[i] = c.Register(ids[i], "get", 0)
	}

	order := rand.Perm(n)
	for _, i := range order {
		frame := response(ids[i], hpkv.StatusOK)
		frame.Response.Key = string(rune('a' + i%26))
		frame.Response.Timestamp = int64(i)
		require.True(t, c.HandleMessage(frame))
	}

	for i, p := range pendings {
		resp, err := p.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, ids[i], resp.MessageID)
		assert.Equal(t, int64(i), resp.Timestamp)
	}
	assert.Equal(t, 0, c.Len())
}

// TestTimeoutIsolation tests that one timeout does not affect siblings
func TestTimeoutIsolation(t *testing.T) {
	t.Parallel()

	c := newCorrelator(t, time.Minute, nil)
	slow := c.Register(c.NextID(), "get", 50*time.Millisecond)
	sibling := c.Register(c.NextID(), "set", 0)

	start := time.Now()
	_, err := slow.Wait(context.Background())
	elapsed := time.Since(start)

	var timeoutErr *hpkv.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "get", timeoutErr.Op)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
	assert.GreaterOrEqual(t, timeoutErr.Elapsed, 50*time.Millisecond)

	assert.Equal(t, 1, c.Len())
	require.True(t, c.HandleMessage(response(sibling.ID(), hpkv.StatusOK)))
	resp, err := sibling.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sibling.ID(), resp.MessageID)
}

// TestLateResponseIgnored tests that a response after timeout is not handled
func TestLateResponseIgnored(t *testing.T) {
	t.Parallel()

	c := newCorrelator(t, time.Minute, nil)
	p := c.Register(c.NextID(), "get", 10*time.Millisecond)
	_, err := p.Wait(context.Background())
	require.True(t, hpkv.IsTimeout(err))

	assert.False(t, c.HandleMessage(response(p.ID(), hpkv.StatusOK)))
}

// TestHandleMessageIgnored tests frames that are never correlation targets
func TestHandleMessageIgnored(t *testing.T) {
	t.Parallel()

	c := newCorrelator(t, time.Minute, nil)
	c.Register(c.NextID(), "get", 0)

	tests := []struct {
		name  string
		frame hpkv.Frame
	}{
		{name: "notification", frame: hpkv.Frame{Kind: hpkv.FrameNotification, Notification: &hpkv.Notification{Key: "k"}}},
		{name: "raw", frame: hpkv.Frame{Kind: hpkv.FrameRaw, Raw: "garbage"}},
		{name: "no id", frame: response(0, hpkv.StatusOK)},
		{name: "unknown id", frame: response(9999, hpkv.StatusOK)},
	}
	for _, tt := range tests {
		assert.False(t, c.HandleMessage(tt.frame), tt.name)
	}
	assert.Equal(t, 1, c.Len())
}

// TestErrorResponses tests rejection with server status and message
func TestErrorResponses(t *testing.T) {
	t.Parallel()

	var rateLimited atomic.Int32
	c := newCorrelator(t, time.Minute, func() { rateLimited.Add(1) })

	tests := []struct {
		name    string
		resp    hpkv.Response
		wantMsg string
		limited bool
	}{
		{name: "not found with error", resp: hpkv.Response{Code: 404, Error: "Record not found"}, wantMsg: "Record not found"},
		{name: "server error with message", resp: hpkv.Response{Code: 500, Message: "boom"}, wantMsg: "boom"},
		{name: "rate limited without text", resp: hpkv.Response{Code: 429}, wantMsg: "Too Many Requests", limited: true},
	}

	for _, tt := range tests {
		before := rateLimited.Load()
		p := c.Register(c.NextID(), "get", 0)
		resp := tt.resp
		resp.MessageID = p.ID()
		require.True(t, c.HandleMessage(hpkv.Frame{Kind: hpkv.FrameResponse, Response: &resp}))

		_, err := p.Wait(context.Background())
		var serverErr *hpkv.Error
		require.ErrorAs(t, err, &serverErr, tt.name)
		assert.Equal(t, tt.resp.Code, serverErr.Code)
		assert.Equal(t, tt.wantMsg, serverErr.Message)
		assert.Equal(t, tt.limited, errors.Is(err, hpkv.ErrRateLimited))
		if tt.limited {
			assert.Equal(t, before+1, rateLimited.Load())
		} else {
			assert.Equal(t, before, rateLimited.Load())
		}
	}
}

// TestCancelAll tests bulk rejection of pending requests
func TestCancelAll(t *testing.T) {
	t.Parallel()

	c := newCorrelator(t, time.Minute, nil)
	var pendings []*Pending
	for i := 0; i < 5; i++ {
		pendings = append(pendings, c.Register(c.NextID(), "get", 0))
	}

	cause := &hpkv.ConnectionError{Message: "connection closed"}
	assert.Equal(t, 5, c.CancelAll(cause))
	assert.Equal(t, 0, c.Len())

	for _, p := range pendings {
		_, err := p.Wait(context.Background())
		assert.ErrorIs(t, err, cause)
	}
}

// TestCancelSingle tests that Cancel settles exactly once
func TestCancelSingle(t *testing.T) {
	t.Parallel()

	c := newCorrelator(t, time.Minute, nil)
	p := c.Register(c.NextID(), "get", 0)
	p.Cancel(hpkv.ErrSocketNotOpen)
	p.Cancel(errors.New("ignored"))

	_, err := p.Wait(context.Background())
	assert.ErrorIs(t, err, hpkv.ErrSocketNotOpen)
	assert.False(t, c.HandleMessage(response(p.ID(), hpkv.StatusOK)))
}

// TestWaitContextCancel tests that a cancelled wait removes the entry
func TestWaitContextCancel(t *testing.T) {
	t.Parallel()

	c := newCorrelator(t, time.Minute, nil)
	p := c.Register(c.NextID(), "get", 0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, c.Len())
}

// TestSweepReclaimsStale tests the stale sweep independent of request timers
func TestSweepReclaimsStale(t *testing.T) {
	t.Parallel()

	c := newCorrelator(t, 10*time.Millisecond, nil)
	stale := c.Register(c.NextID(), "range", time.Hour)

	assert.Equal(t, 0, c.sweep(time.Now()))
	assert.Equal(t, 1, c.sweep(time.Now().Add(time.Second)))

	_, err := stale.Wait(context.Background())
	var timeoutErr *hpkv.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "range", timeoutErr.Op)
}

// TestSweepLoop tests that the periodic sweep runs on its interval
func TestSweepLoop(t *testing.T) {
	t.Parallel()

	c := New(Config{Timeout: 5 * time.Millisecond, CleanupInterval: 10 * time.Millisecond}, nil, zerolog.Nop())
	defer c.Close()

	p := c.Register(c.NextID(), "get", time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := p.Wait(ctx)
	assert.True(t, hpkv.IsTimeout(err))
}

// TestRegisterAfterClose tests that a closed correlator rejects new requests
func TestRegisterAfterClose(t *testing.T) {
	t.Parallel()

	c := New(Config{Timeout: time.Second}, nil, zerolog.Nop())
	c.Close()
	c.Close()

	_, err := c.Register(1, "get", 0).Wait(context.Background())
	assert.ErrorIs(t, err, hpkv.ErrClientDestroyed)
}

// TestConcurrentRegisterAndHandle tests the table under concurrent use
func TestConcurrentRegisterAndHandle(t *testing.T) {
	t.Parallel()

	c := newCorrelator(t, 5*time.Second, nil)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := c.Register(c.NextID(), "get", 0)
			go c.HandleMessage(response(p.ID(), hpkv.StatusOK))
			_, err := p.Wait(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, c.Len())
}
