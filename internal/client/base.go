// Package client implements the connection core shared by every HPKV client:
// the connection state machine, reconnection with backoff, request dispatch
// through the throttle and correlator, and lifecycle events.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/luciancaetano/hpkv"
	"github.com/luciancaetano/hpkv/internal/correlate"
	"github.com/luciancaetano/hpkv/internal/protocol"
	"github.com/luciancaetano/hpkv/internal/socket"
	"github.com/luciancaetano/hpkv/internal/throttle"
)

// URLFunc returns the URL for the next connection attempt.
type URLFunc func() (string, error)

// FrameInterceptor sees every inbound frame before the correlator and
// reports whether it consumed it.
type FrameInterceptor func(hpkv.Frame) bool

// attempt is an in-flight outcome shared by every caller waiting on it.
type attempt struct {
	done chan struct{}
	err  error
	once sync.Once
}

func newAttempt() *attempt {
	return &attempt{done: make(chan struct{})}
}

func (a *attempt) finish(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

func (a *attempt) wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type closeInfo struct {
	code   int
	reason string
}

type registration struct {
	kind hpkv.SocketEventKind
	id   hpkv.ListenerID
}

// Base is the connection core. It is safe for concurrent use.
type Base struct {
	cfg         hpkv.Config
	logger      zerolog.Logger
	url         URLFunc
	factory     hpkv.SocketFactory
	intercept   FrameInterceptor
	backoff     backoff
	throttle    *throttle.Manager
	correlator  *correlate.Correlator
	events      *emitter
	destroyOnce sync.Once

	mu                sync.Mutex
	state             hpkv.State
	sock              hpkv.Socket
	registrations     []registration
	pending           *attempt
	establishTimer    *time.Timer
	cycle             *attempt
	stopReconnect     chan struct{}
	reconnectAttempts int
	graceful          bool
	closeWaiter       chan closeInfo
	destroyed         bool
}

// NewBase creates a disconnected connection core. url is called before every
// connection attempt so credentials may rotate between reconnects.
func NewBase(cfg hpkv.Config, url URLFunc, intercept FrameInterceptor) *Base {
	cfg = cfg.WithDefaults()
	logger := cfg.Logger.With().Str("component", "client").Logger()

	factory := cfg.SocketFactory
	if factory == nil {
		factory = socket.Factory(socket.Options{
			HandshakeTimeout: cfg.ConnectionTimeout,
			Logger:           *cfg.Logger,
		})
	}

	b := &Base{
		cfg:       cfg,
		logger:    logger,
		url:       url,
		factory:   factory,
		intercept: intercept,
		backoff:   newBackoff(cfg.Reconnect),
		throttle: throttle.New(throttle.Config{
			Enabled:   cfg.Throttling.Enabled,
			RateLimit: cfg.Throttling.RateLimit,
		}, *cfg.Logger),
		events: newEmitter(logger),
		state:  hpkv.StateDisconnected,
	}
	b.correlator = correlate.New(correlate.Config{
		Timeout:         cfg.OperationTimeout,
		CleanupInterval: cfg.CleanupInterval,
	}, b.throttle.Notify429, *cfg.Logger)
	return b
}

// Connect opens the socket and waits until it is open, the attempt fails, or
// ctx is done. Cancelling ctx abandons the wait but not the attempt, which
// remains bounded by the connection timeout.
func (b *Base) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return hpkv.ErrClientDestroyed
	}

	switch b.state {
	case hpkv.StateConnected:
		b.mu.Unlock()
		return nil
	case hpkv.StateConnecting:
		a := b.pending
		b.mu.Unlock()
		return a.wait(ctx)
	case hpkv.StateReconnecting:
		cycle := b.cycle
		b.mu.Unlock()
		return cycle.wait(ctx)
	case hpkv.StateDisconnecting:
		b.mu.Unlock()
		return &hpkv.ConnectionError{Message: "disconnect in progress"}
	}

	b.state = hpkv.StateConnecting
	a, sock, err := b.dialLocked()
	if err != nil {
		b.state = hpkv.StateDisconnected
		b.mu.Unlock()
		return err
	}
	b.mu.Unlock()

	sock.Open()
	return a.wait(ctx)
}

// dialLocked constructs a fresh socket, attaches the connect-phase listeners
// and starts the establishment timer. The caller opens the socket after
// releasing the lock.
func (b *Base) dialLocked() (*attempt, hpkv.Socket, error) {
	rawURL, err := b.url()
	if err != nil {
		return nil, nil, &hpkv.ConnectionError{Message: "build connection url", Err: err}
	}
	sock, err := b.factory(rawURL)
	if err != nil {
		return nil, nil, &hpkv.ConnectionError{Message: "create socket", Err: err}
	}

	if old := b.sock; old != nil {
		b.detachLocked()
		go old.Close(hpkv.CloseNormal, "replaced by a new connection")
	}
	b.sock = sock
	a := newAttempt()
	b.pending = a

	if err := b.attachLocked(sock, map[hpkv.SocketEventKind]hpkv.SocketListener{
		hpkv.SocketOpen:  func(hpkv.SocketEvent) { b.handleOpen(sock, a) },
		hpkv.SocketError: func(ev hpkv.SocketEvent) { b.handleConnectFailure(sock, a, ev) },
		hpkv.SocketClose: func(ev hpkv.SocketEvent) { b.handleConnectFailure(sock, a, ev) },
	}); err != nil {
		b.detachLocked()
		b.sock = nil
		b.pending = nil
		return nil, nil, &hpkv.ConnectionError{Message: "register socket listeners", Err: err}
	}

	started := time.Now()
	b.establishTimer = time.AfterFunc(b.cfg.ConnectionTimeout, func() {
		b.handleEstablishTimeout(sock, a, time.Since(started))
	})

	b.logger.Debug().Str("state", b.state.String()).Msg("opening socket")
	return a, sock, nil
}

func (b *Base) attachLocked(sock hpkv.Socket, listeners map[hpkv.SocketEventKind]hpkv.SocketListener) error {
	for _, kind := range []hpkv.SocketEventKind{hpkv.SocketOpen, hpkv.SocketMessage, hpkv.SocketError, hpkv.SocketClose} {
		l, ok := listeners[kind]
		if !ok {
			continue
		}
		id, err := sock.On(kind, l)
		if err != nil {
			return err
		}
		b.registrations = append(b.registrations, registration{kind: kind, id: id})
	}
	return nil
}

func (b *Base) detachLocked() {
	if b.sock == nil {
		return
	}
	for _, r := range b.registrations {
		b.sock.RemoveListener(r.kind, r.id)
	}
	b.registrations = nil
}

func (b *Base) stopEstablishTimerLocked() {
	if b.establishTimer != nil {
		b.establishTimer.Stop()
		b.establishTimer = nil
	}
}

// abortAttemptLocked tears down the in-flight attempt's socket. The caller
// finishes the attempt after unlocking.
func (b *Base) abortAttemptLocked(code int, reason string) *attempt {
	a := b.pending
	b.pending = nil
	b.stopEstablishTimerLocked()
	if b.sock != nil {
		sock := b.sock
		b.detachLocked()
		b.sock = nil
		go sock.Close(code, reason)
	}
	return a
}

func (b *Base) handleOpen(sock hpkv.Socket, a *attempt) {
	b.mu.Lock()
	if b.sock != sock || b.pending != a {
		b.mu.Unlock()
		return
	}
	b.pending = nil
	b.stopEstablishTimerLocked()
	b.detachLocked()
	err := b.attachLocked(sock, map[hpkv.SocketEventKind]hpkv.SocketListener{
		hpkv.SocketMessage: b.handleMessage,
		hpkv.SocketError:   func(ev hpkv.SocketEvent) { b.handleSocketError(sock, ev) },
		hpkv.SocketClose:   func(ev hpkv.SocketEvent) { b.handleClose(sock, ev) },
	})
	if err != nil {
		b.detachLocked()
		b.sock = nil
		if b.state == hpkv.StateConnecting {
			b.state = hpkv.StateDisconnected
		}
		b.mu.Unlock()
		go sock.Close(hpkv.CloseNormal, "listener registration failed")
		a.finish(&hpkv.ConnectionError{Message: "register socket listeners", Err: err})
		return
	}

	b.state = hpkv.StateConnected
	b.reconnectAttempts = 0
	cycle := b.cycle
	b.cycle = nil
	b.stopReconnect = nil
	b.mu.Unlock()

	b.logger.Info().Msg("connected")
	a.finish(nil)
	if cycle != nil {
		cycle.finish(nil)
	}
	b.events.emit(hpkv.Event{Kind: hpkv.EventConnected})
}

func (b *Base) handleConnectFailure(sock hpkv.Socket, a *attempt, ev hpkv.SocketEvent) {
	b.mu.Lock()
	if b.sock != sock || b.pending != a {
		b.mu.Unlock()
		return
	}
	b.pending = nil
	b.stopEstablishTimerLocked()
	b.detachLocked()
	b.sock = nil
	if b.state == hpkv.StateConnecting {
		b.state = hpkv.StateDisconnected
	}
	b.mu.Unlock()

	if sock.ReadyState() != hpkv.ReadyStateClosed {
		go sock.Close(hpkv.CloseNormal, "connection failed")
	}

	err := connectError(ev)
	b.logger.Debug().Err(err).Msg("connection attempt failed")
	a.finish(err)
}

func connectError(ev hpkv.SocketEvent) error {
	if ev.Kind == hpkv.SocketClose {
		return &hpkv.ConnectionError{
			Message: "connection closed before open",
			Code:    ev.Code,
			Reason:  ev.Reason,
		}
	}
	var authErr *hpkv.AuthenticationError
	if errors.As(ev.Err, &authErr) {
		return authErr
	}
	var connErr *hpkv.ConnectionError
	if errors.As(ev.Err, &connErr) {
		return connErr
	}
	return &hpkv.ConnectionError{Message: "connection failed", Err: ev.Err}
}

func (b *Base) handleEstablishTimeout(sock hpkv.Socket, a *attempt, elapsed time.Duration) {
	b.mu.Lock()
	if b.sock != sock || b.pending != a {
		b.mu.Unlock()
		return
	}
	b.abortAttemptLocked(hpkv.CloseNormal, hpkv.ReasonConnectionTimeout)
	if b.state == hpkv.StateConnecting {
		b.state = hpkv.StateDisconnected
	}
	b.mu.Unlock()

	b.logger.Warn().Dur("timeout", b.cfg.ConnectionTimeout).Msg("connection attempt timed out")
	a.finish(&hpkv.TimeoutError{Op: "connect", Elapsed: elapsed})
}

func (b *Base) handleMessage(ev hpkv.SocketEvent) {
	if ev.Frame == nil {
		return
	}
	frame := *ev.Frame
	if b.intercept != nil && b.intercept(frame) {
		return
	}
	if b.correlator.HandleMessage(frame) {
		return
	}
	switch frame.Kind {
	case hpkv.FrameRaw:
		b.logger.Debug().Str("payload", frame.Raw).Msg("raw frame ignored")
	case hpkv.FrameNotification:
		b.logger.Debug().Str("key", frame.Notification.Key).Msg("notification without subscribers ignored")
	}
}

func (b *Base) handleSocketError(sock hpkv.Socket, ev hpkv.SocketEvent) {
	b.mu.Lock()
	current := b.sock == sock
	b.mu.Unlock()
	if !current {
		return
	}
	b.logger.Warn().Err(ev.Err).Msg("socket error")
	b.events.emit(hpkv.Event{Kind: hpkv.EventError, Err: ev.Err})
}

func (b *Base) handleClose(sock hpkv.Socket, ev hpkv.SocketEvent) {
	b.mu.Lock()
	if b.sock != sock {
		b.mu.Unlock()
		return
	}
	prev := b.state
	b.detachLocked()
	b.sock = nil

	if b.graceful {
		b.state = hpkv.StateDisconnected
		waiter := b.closeWaiter
		b.closeWaiter = nil
		b.mu.Unlock()
		if waiter != nil {
			waiter <- closeInfo{code: ev.Code, reason: ev.Reason}
		}
		return
	}

	b.state = hpkv.StateDisconnected
	var (
		cycle *attempt
		stop  chan struct{}
	)
	if b.cfg.Reconnect.MaxAttempts > 0 && !b.destroyed {
		b.state = hpkv.StateReconnecting
		b.reconnectAttempts = 0
		cycle = newAttempt()
		stop = make(chan struct{})
		b.cycle = cycle
		b.stopReconnect = stop
	}
	b.mu.Unlock()

	b.logger.Warn().Int("code", ev.Code).Str("reason", ev.Reason).Msg("connection lost")
	b.correlator.CancelAll(&hpkv.ConnectionError{
		Message: "connection lost",
		Code:    ev.Code,
		Reason:  ev.Reason,
	})
	b.events.emit(hpkv.Event{
		Kind:          hpkv.EventDisconnected,
		Code:          ev.Code,
		Reason:        ev.Reason,
		PreviousState: prev,
		Gracefully:    false,
	})

	if cycle != nil {
		go b.reconnectLoop(cycle, stop)
	}
}

func (b *Base) reconnectLoop(cycle *attempt, stop <-chan struct{}) {
	maxAttempts := b.cfg.Reconnect.MaxAttempts
	var lastErr error

	for {
		b.mu.Lock()
		if b.cycle != cycle {
			b.mu.Unlock()
			return
		}
		if b.reconnectAttempts >= maxAttempts {
			b.state = hpkv.StateDisconnected
			b.cycle = nil
			b.stopReconnect = nil
			attempts := b.reconnectAttempts
			b.mu.Unlock()

			err := &hpkv.ConnectionError{
				Message: fmt.Sprintf("reconnection failed after %d attempts", attempts),
				Err:     lastErr,
			}
			b.logger.Error().Err(lastErr).Int("attempts", attempts).Msg("reconnection failed")
			b.correlator.CancelAll(err)
			cycle.finish(err)
			b.events.emit(hpkv.Event{Kind: hpkv.EventReconnectFailed, Err: err})
			return
		}
		b.reconnectAttempts++
		n := b.reconnectAttempts
		b.mu.Unlock()

		delay := b.backoff.next(n)
		b.logger.Info().Int("attempt", n).Int("max_attempts", maxAttempts).Dur("delay", delay).Msg("reconnecting")
		b.events.emit(hpkv.Event{
			Kind:        hpkv.EventReconnecting,
			Attempt:     n,
			MaxAttempts: maxAttempts,
			Delay:       delay,
		})

		timer := time.NewTimer(delay)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		b.mu.Lock()
		if b.cycle != cycle {
			b.mu.Unlock()
			return
		}
		a, sock, err := b.dialLocked()
		b.mu.Unlock()
		if err == nil {
			sock.Open()
			err = a.wait(context.Background())
		}
		if err == nil {
			return
		}
		lastErr = err
		b.logger.Warn().Err(err).Int("attempt", n).Msg("reconnection attempt failed")
	}
}

// Disconnect closes the connection gracefully. It never fails; ctx bounds
// the wait for the close confirmation together with the disconnect timeout.
func (b *Base) Disconnect(ctx context.Context, cancelPending bool) error {
	b.mu.Lock()
	prev := b.state

	switch prev {
	case hpkv.StateDisconnected, hpkv.StateDisconnecting:
		b.mu.Unlock()
		return nil

	case hpkv.StateConnecting, hpkv.StateReconnecting:
		a := b.abortAttemptLocked(hpkv.CloseNormal, hpkv.ReasonClientDisconnecting)
		cycle := b.cycle
		b.cycle = nil
		if b.stopReconnect != nil {
			close(b.stopReconnect)
			b.stopReconnect = nil
		}
		b.state = hpkv.StateDisconnected
		b.mu.Unlock()

		cause := &hpkv.ConnectionError{Message: "connection cancelled by disconnect"}
		if a != nil {
			a.finish(cause)
		}
		if cycle != nil {
			cycle.finish(cause)
		}
		if cancelPending {
			b.correlator.CancelAll(&hpkv.ConnectionError{Message: "client disconnecting"})
		}
		b.events.emit(hpkv.Event{
			Kind:          hpkv.EventDisconnected,
			Code:          hpkv.CloseNormal,
			Reason:        hpkv.ReasonClientDisconnecting,
			PreviousState: prev,
			Gracefully:    true,
		})
		return nil
	}

	b.graceful = true
	b.state = hpkv.StateDisconnecting
	sock := b.sock
	waiter := make(chan closeInfo, 1)
	b.closeWaiter = waiter
	b.mu.Unlock()

	if cancelPending {
		b.correlator.CancelAll(&hpkv.ConnectionError{Message: "client disconnecting"})
	}

	info := closeInfo{code: hpkv.CloseAbnormal, reason: "close not confirmed"}
	if err := sock.Close(hpkv.CloseNormal, hpkv.ReasonClientDisconnecting); err != nil {
		b.logger.Debug().Err(err).Msg("close frame not sent")
	} else {
		timer := time.NewTimer(b.cfg.DisconnectTimeout)
		select {
		case info = <-waiter:
		case <-timer.C:
			b.logger.Debug().Dur("timeout", b.cfg.DisconnectTimeout).Msg("close confirmation timed out")
		case <-ctx.Done():
		}
		timer.Stop()
	}

	b.mu.Lock()
	if b.sock == sock {
		b.detachLocked()
		b.sock = nil
	}
	b.state = hpkv.StateDisconnected
	b.graceful = false
	b.closeWaiter = nil
	b.mu.Unlock()

	b.logger.Info().Int("code", info.code).Msg("disconnected")
	b.events.emit(hpkv.Event{
		Kind:          hpkv.EventDisconnected,
		Code:          info.code,
		Reason:        info.reason,
		PreviousState: prev,
		Gracefully:    true,
	})
	return nil
}

// Get fetches the value stored at key.
func (b *Base) Get(ctx context.Context, key string) (*hpkv.Response, error) {
	return b.do(ctx, &protocol.Request{Op: protocol.OpGet, Key: key})
}

// Set stores value at key, or merges it when partial is true.
func (b *Base) Set(ctx context.Context, key string, value any, partial bool) (*hpkv.Response, error) {
	v, err := protocol.NormalizeValue(value)
	if err != nil {
		return nil, fmt.Errorf("hpkv: serialize value for %q: %w", key, err)
	}
	op := protocol.OpSet
	if partial {
		op = protocol.OpPatch
	}
	return b.do(ctx, &protocol.Request{Op: op, Key: key, Value: v})
}

// Delete removes key.
func (b *Base) Delete(ctx context.Context, key string) (*hpkv.Response, error) {
	return b.do(ctx, &protocol.Request{Op: protocol.OpDelete, Key: key})
}

// Range returns the records between start and end inclusive.
func (b *Base) Range(ctx context.Context, start, end string, opts hpkv.RangeOptions) (*hpkv.Response, error) {
	return b.do(ctx, &protocol.Request{Op: protocol.OpRange, Key: start, EndKey: end, Limit: opts.Limit})
}

// AtomicIncrement adds delta to the integer stored at key.
func (b *Base) AtomicIncrement(ctx context.Context, key string, delta int64) (*hpkv.Response, error) {
	return b.do(ctx, &protocol.Request{Op: protocol.OpAtomic, Key: key, Value: delta})
}

// do admits req through the throttle, registers it with the correlator and
// sends it. A socket that is not open rejects the request at once.
func (b *Base) do(ctx context.Context, req *protocol.Request) (*hpkv.Response, error) {
	if req.Key == "" {
		return nil, hpkv.ErrEmptyKey
	}
	b.mu.Lock()
	destroyed := b.destroyed
	b.mu.Unlock()
	if destroyed {
		return nil, hpkv.ErrClientDestroyed
	}

	if err := b.throttle.Wait(ctx); err != nil {
		return nil, err
	}

	id := b.correlator.CreateMessage(req)
	data, err := protocol.Encode(req)
	if err != nil {
		return nil, err
	}
	op := req.Op.String()
	p := b.correlator.Register(id, op, 0)

	b.mu.Lock()
	sock, state := b.sock, b.state
	b.mu.Unlock()

	switch {
	case sock == nil || state != hpkv.StateConnected || sock.ReadyState() != hpkv.ReadyStateOpen:
		p.Cancel(&hpkv.ConnectionError{Message: "cannot send " + op, Err: hpkv.ErrSocketNotOpen})
	default:
		if err := sock.Send(string(data)); err != nil {
			p.Cancel(&hpkv.ConnectionError{Message: "send " + op, Err: err})
		}
	}
	return p.Wait(ctx)
}

// Stats returns a live snapshot after resyncing the logical state against the
// socket's ready state. A connected client whose socket is no longer open is
// treated as having lost its connection.
func (b *Base) Stats() hpkv.Stats {
	b.mu.Lock()
	switch {
	case b.state == hpkv.StateConnected && b.sock == nil:
		b.state = hpkv.StateDisconnected
	case b.state == hpkv.StateConnected && b.sock.ReadyState() != hpkv.ReadyStateOpen:
		// The socket died without delivering its close. Handle the loss here;
		// a close event arriving later finds the socket detached.
		stale := b.sock
		b.mu.Unlock()

		b.logger.Debug().Msg("state resynced to disconnected")
		b.handleClose(stale, hpkv.SocketEvent{
			Kind:   hpkv.SocketClose,
			Code:   hpkv.CloseAbnormal,
			Reason: "socket no longer open",
		})
		go stale.Close(hpkv.CloseNormal, "socket no longer open")
		b.mu.Lock()
	case b.state == hpkv.StateDisconnected && b.sock != nil && b.sock.ReadyState() == hpkv.ReadyStateOpen:
		b.logger.Debug().Msg("state resynced to connected")
		b.state = hpkv.StateConnected
	}
	stats := hpkv.Stats{
		State:             b.state,
		ReconnectAttempts: b.reconnectAttempts,
	}
	b.mu.Unlock()

	stats.PendingRequests = b.correlator.Len()
	if b.throttle.Enabled() {
		m := b.throttle.Metrics()
		stats.Throttling = &hpkv.ThrottleStats{CurrentRate: m.CurrentRate, QueueLength: m.QueueLength}
	}
	return stats
}

// State returns the current connection state without resyncing.
func (b *Base) State() hpkv.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// On registers a lifecycle event handler.
func (b *Base) On(kind hpkv.EventKind, handler hpkv.EventHandler) hpkv.ListenerID {
	return b.events.on(kind, handler)
}

// Off removes a lifecycle event handler.
func (b *Base) Off(id hpkv.ListenerID) {
	b.events.off(id)
}

// UpdateThrottling reconfigures throttling on a live client.
func (b *Base) UpdateThrottling(cfg hpkv.ThrottlingConfig) {
	b.throttle.UpdateConfig(throttle.Update{Enabled: &cfg.Enabled, RateLimit: &cfg.RateLimit})
}

// Destroy disconnects and releases the throttle and correlator.
func (b *Base) Destroy() {
	b.destroyOnce.Do(func() {
		b.mu.Lock()
		b.destroyed = true
		b.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.DisconnectTimeout)
		defer cancel()
		b.Disconnect(ctx, true)

		b.correlator.CancelAll(hpkv.ErrClientDestroyed)
		b.correlator.Close()
		b.throttle.Destroy()
		b.logger.Debug().Msg("client destroyed")
	})
}
