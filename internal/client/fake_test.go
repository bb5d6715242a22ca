package client

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/hpkv"
)

// fakeSocket is a scriptable hpkv.Socket. Events are emitted by the test.
type fakeSocket struct {
	url string

	mu        sync.Mutex
	state     hpkv.ReadyState
	nextID    hpkv.ListenerID
	listeners map[hpkv.SocketEventKind]map[hpkv.ListenerID]hpkv.SocketListener
	sent      []string
	closes    []int
	sendErr   error

	// autoClose emits a close event with the requested code after Close.
	autoClose bool
	onOpen    func(*fakeSocket)
	onSend    func(*fakeSocket, string)
}

func newFakeSocket(url string) *fakeSocket {
	return &fakeSocket{
		url:       url,
		state:     hpkv.ReadyStateConnecting,
		listeners: make(map[hpkv.SocketEventKind]map[hpkv.ListenerID]hpkv.SocketListener),
		autoClose: true,
	}
}

func (f *fakeSocket) ReadyState() hpkv.ReadyState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSocket) Open() {
	f.mu.Lock()
	hook := f.onOpen
	f.mu.Unlock()
	if hook != nil {
		go hook(f)
	}
}

func (f *fakeSocket) On(kind hpkv.SocketEventKind, l hpkv.SocketListener) (hpkv.ListenerID, error) {
	if !kind.Valid() {
		return 0, hpkv.ErrUnsupportedEvent
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	if f.listeners[kind] == nil {
		f.listeners[kind] = make(map[hpkv.ListenerID]hpkv.SocketListener)
	}
	f.listeners[kind][f.nextID] = l
	return f.nextID, nil
}

func (f *fakeSocket) RemoveListener(kind hpkv.SocketEventKind, id hpkv.ListenerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.listeners[kind], id)
}

func (f *fakeSocket) RemoveAllListeners(kinds ...hpkv.SocketEventKind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(kinds) == 0 {
		f.listeners = make(map[hpkv.SocketEventKind]map[hpkv.ListenerID]hpkv.SocketListener)
		return
	}
	for _, k := range kinds {
		delete(f.listeners, k)
	}
}

func (f *fakeSocket) Send(text string) error {
	f.mu.Lock()
	if f.state != hpkv.ReadyStateOpen {
		f.mu.Unlock()
		return hpkv.ErrSocketNotOpen
	}
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return err
	}
	f.sent = append(f.sent, text)
	hook := f.onSend
	f.mu.Unlock()

	if hook != nil {
		go hook(f, text)
	}
	return nil
}

func (f *fakeSocket) Close(code int, reason string) error {
	f.mu.Lock()
	if f.state == hpkv.ReadyStateClosed {
		f.mu.Unlock()
		return nil
	}
	f.state = hpkv.ReadyStateClosing
	f.closes = append(f.closes, code)
	auto := f.autoClose
	f.mu.Unlock()

	if auto {
		go f.drop(code, reason)
	}
	return nil
}

func (f *fakeSocket) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.listeners {
		n += len(m)
	}
	return n
}

func (f *fakeSocket) sentFrames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeSocket) closeCodes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.closes...)
}

func (f *fakeSocket) emit(ev hpkv.SocketEvent) {
	f.mu.Lock()
	var ls []hpkv.SocketListener
	for _, l := range f.listeners[ev.Kind] {
		ls = append(ls, l)
	}
	f.mu.Unlock()
	for _, l := range ls {
		l(ev)
	}
}

func (f *fakeSocket) open() {
	f.mu.Lock()
	f.state = hpkv.ReadyStateOpen
	f.mu.Unlock()
	f.emit(hpkv.SocketEvent{Kind: hpkv.SocketOpen})
}

func (f *fakeSocket) drop(code int, reason string) {
	f.mu.Lock()
	f.state = hpkv.ReadyStateClosed
	f.mu.Unlock()
	f.emit(hpkv.SocketEvent{Kind: hpkv.SocketClose, Code: code, Reason: reason})
}

func (f *fakeSocket) fail(err error) {
	f.emit(hpkv.SocketEvent{Kind: hpkv.SocketError, Err: err})
	f.drop(hpkv.CloseAbnormal, err.Error())
}

func (f *fakeSocket) respond(resp hpkv.Response) {
	f.emit(hpkv.SocketEvent{Kind: hpkv.SocketMessage, Frame: &hpkv.Frame{Kind: hpkv.FrameResponse, Response: &resp}})
}

func (f *fakeSocket) notify(n hpkv.Notification) {
	f.emit(hpkv.SocketEvent{Kind: hpkv.SocketMessage, Frame: &hpkv.Frame{Kind: hpkv.FrameNotification, Notification: &n}})
}

// echoOK answers every request with 200 and the request's key.
func echoOK(f *fakeSocket, text string) {
	var req struct {
		Key       string `json:"key"`
		MessageID int64  `json:"messageId"`
	}
	if json.Unmarshal([]byte(text), &req) != nil {
		return
	}
	f.respond(hpkv.Response{Code: hpkv.StatusOK, MessageID: req.MessageID, Key: req.Key})
}

// fakeFactory builds fakeSockets and lets tests configure each one by index.
type fakeFactory struct {
	mu        sync.Mutex
	sockets   []*fakeSocket
	err       error
	configure func(n int, s *fakeSocket)
}

func autoOpen(_ int, s *fakeSocket) {
	s.onOpen = (*fakeSocket).open
}

func (ff *fakeFactory) factory(rawURL string) (hpkv.Socket, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if ff.err != nil {
		return nil, ff.err
	}
	s := newFakeSocket(rawURL)
	if ff.configure != nil {
		ff.configure(len(ff.sockets), s)
	}
	ff.sockets = append(ff.sockets, s)
	return s, nil
}

func (ff *fakeFactory) count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.sockets)
}

func (ff *fakeFactory) socket(t *testing.T, i int) *fakeSocket {
	t.Helper()
	require.Eventually(t, func() bool { return ff.count() > i }, 2*time.Second, time.Millisecond)
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.sockets[i]
}

// recorder collects lifecycle events.
type recorder struct {
	mu     sync.Mutex
	events []hpkv.Event
}

func record(c interface {
	On(hpkv.EventKind, hpkv.EventHandler) hpkv.ListenerID
}) *recorder {
	r := &recorder{}
	for _, k := range []hpkv.EventKind{hpkv.EventConnected, hpkv.EventDisconnected, hpkv.EventReconnecting, hpkv.EventReconnectFailed, hpkv.EventError} {
		c.On(k, r.add)
	}
	return r
}

func (r *recorder) add(ev hpkv.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []hpkv.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]hpkv.EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (r *recorder) all(kind hpkv.EventKind) []hpkv.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []hpkv.Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) waitFor(t *testing.T, kind hpkv.EventKind, n int) []hpkv.Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.all(kind)) >= n }, 3*time.Second, time.Millisecond,
		"waiting for %d %s events, got %v", n, kind, r.kinds())
	return r.all(kind)
}

func newFakeClient(t *testing.T, cfg hpkv.Config, ff *fakeFactory) *APIClient {
	t.Helper()
	cfg.SocketFactory = ff.factory
	if cfg.Throttling == nil {
		cfg.Throttling = hpkv.NoThrottling()
	}
	if cfg.Reconnect == nil {
		cfg.Reconnect = hpkv.NoReconnect()
	}
	c := NewAPIClient("test-key", "http://hpkv.test", cfg)
	t.Cleanup(c.Destroy)
	return c
}

var errRefused = errors.New("connection refused")
