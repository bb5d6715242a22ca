// Package socket adapts gorilla/websocket connections to the hpkv.Socket
// interface.
package socket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/luciancaetano/hpkv"
	"github.com/luciancaetano/hpkv/internal/protocol"
)

const maxMessageSize = 10 * 1024 * 1024 // 10MB

// Options configures the adapter.
type Options struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// PingInterval is the keepalive period. The read deadline is twice this.
	PingInterval time.Duration
	// CloseGrace bounds the wait for the peer's close frame before the TCP
	// connection is dropped.
	CloseGrace time.Duration
	Header     http.Header
	Logger     zerolog.Logger
}

// DefaultOptions returns the default adapter options.
func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     30 * time.Second,
		CloseGrace:       time.Second,
		Logger:           zerolog.Nop(),
	}
}

// Factory returns a SocketFactory producing adapters with opts.
func Factory(opts Options) hpkv.SocketFactory {
	return func(rawURL string) (hpkv.Socket, error) {
		s, err := New(rawURL, opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

type entry struct {
	id       hpkv.ListenerID
	listener hpkv.SocketListener
}

// Socket is a gorilla/websocket backed hpkv.Socket.
type Socket struct {
	url    string
	opts   Options
	dialer *websocket.Dialer
	logger zerolog.Logger

	state atomic.Uint32

	mu        sync.Mutex
	nextID    hpkv.ListenerID
	listeners map[hpkv.SocketEventKind][]entry

	connMu      sync.Mutex
	conn        *websocket.Conn
	opened      bool
	closeCode   int
	closeReason string

	writeMu    sync.Mutex
	finishOnce sync.Once
	done       chan struct{}
}

// New validates rawURL and returns an adapter in ReadyStateConnecting. No
// network activity happens until Open.
func New(rawURL string, opts Options) (*Socket, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse socket url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("unsupported socket scheme %q", u.Scheme)
	}
	def := DefaultOptions()
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = def.HandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = def.PingInterval
	}
	if opts.CloseGrace <= 0 {
		opts.CloseGrace = def.CloseGrace
	}

	s := &Socket{
		url:  rawURL,
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		logger:    opts.Logger.With().Str("component", "socket").Str("host", u.Host).Logger(),
		listeners: make(map[hpkv.SocketEventKind][]entry),
		done:      make(chan struct{}),
	}
	s.state.Store(uint32(hpkv.ReadyStateConnecting))
	return s, nil
}

// ReadyState returns the current transport state.
func (s *Socket) ReadyState() hpkv.ReadyState {
	return hpkv.ReadyState(s.state.Load())
}

// On registers a listener for one of the four supported event kinds.
func (s *Socket) On(kind hpkv.SocketEventKind, listener hpkv.SocketListener) (hpkv.ListenerID, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("%w: %d", hpkv.ErrUnsupportedEvent, kind)
	}
	if listener == nil {
		return 0, errors.New("socket: nil listener")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.listeners[kind] = append(s.listeners[kind], entry{id: s.nextID, listener: listener})
	return s.nextID, nil
}

// RemoveListener unregisters the listener with the given id.
func (s *Socket) RemoveListener(kind hpkv.SocketEventKind, id hpkv.ListenerID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.listeners[kind]
	for i, e := range entries {
		if e.id == id {
			s.listeners[kind] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// RemoveAllListeners unregisters every listener of the given kinds, or of
// all kinds when called without arguments.
func (s *Socket) RemoveAllListeners(kinds ...hpkv.SocketEventKind) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(kinds) == 0 {
		s.listeners = make(map[hpkv.SocketEventKind][]entry)
		return
	}
	for _, k := range kinds {
		delete(s.listeners, k)
	}
}

// ListenerCount returns the number of listeners registered for kind.
func (s *Socket) ListenerCount(kind hpkv.SocketEventKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners[kind])
}

// Open starts the handshake on a new goroutine. Subsequent calls are no-ops.
func (s *Socket) Open() {
	s.connMu.Lock()
	if s.opened || s.ReadyState() != hpkv.ReadyStateConnecting {
		s.connMu.Unlock()
		return
	}
	s.opened = true
	s.connMu.Unlock()

	go s.run()
}

// Send writes text as a single text frame.
func (s *Socket) Send(text string) error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil || s.ReadyState() != hpkv.ReadyStateOpen {
		return hpkv.ErrSocketNotOpen
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		return fmt.Errorf("socket write: %w", err)
	}
	return nil
}

// Close sends a close frame with code and reason. If the peer does not
// answer within CloseGrace the connection is dropped.
func (s *Socket) Close(code int, reason string) error {
	s.connMu.Lock()
	state := s.ReadyState()
	if state == hpkv.ReadyStateClosing || state == hpkv.ReadyStateClosed {
		s.connMu.Unlock()
		return nil
	}
	s.state.Store(uint32(hpkv.ReadyStateClosing))
	s.closeCode, s.closeReason = code, reason
	conn, opened := s.conn, s.opened
	s.connMu.Unlock()

	if conn == nil {
		if !opened {
			s.finish(code, reason)
		}
		// Otherwise the handshake goroutine sees Closing and aborts.
		return nil
	}

	message := websocket.FormatCloseMessage(code, reason)
	err := conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(s.opts.WriteTimeout))
	time.AfterFunc(s.opts.CloseGrace, func() {
		select {
		case <-s.done:
		default:
			s.logger.Debug().Msg("close not confirmed, dropping connection")
			conn.Close()
		}
	})
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		conn.Close()
		return fmt.Errorf("socket close: %w", err)
	}
	return nil
}

func (s *Socket) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.HandshakeTimeout)
	conn, resp, err := s.dialer.DialContext(ctx, s.url, s.opts.Header)
	cancel()
	if err != nil {
		s.emit(hpkv.SocketEvent{Kind: hpkv.SocketError, Err: handshakeError(resp, err)})
		s.finish(websocket.CloseAbnormalClosure, err.Error())
		return
	}

	s.connMu.Lock()
	if s.ReadyState() != hpkv.ReadyStateConnecting {
		code, reason := s.closeCode, s.closeReason
		s.connMu.Unlock()
		conn.Close()
		s.finish(code, reason)
		return
	}
	s.conn = conn
	s.state.Store(uint32(hpkv.ReadyStateOpen))
	s.connMu.Unlock()

	pongWait := 2 * s.opts.PingInterval
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	s.logger.Debug().Msg("socket open")
	s.emit(hpkv.SocketEvent{Kind: hpkv.SocketOpen})

	go s.keepalive(conn)
	s.readLoop(conn, pongWait)
}

func (s *Socket) readLoop(conn *websocket.Conn, pongWait time.Duration) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			code, reason := s.closeDetails(err)
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) && s.ReadyState() == hpkv.ReadyStateOpen {
				s.emit(hpkv.SocketEvent{Kind: hpkv.SocketError, Err: err})
			}
			s.finish(code, reason)
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		// Binary frames carry the same JSON text.
		frame := protocol.Decode(data)
		if frame.Kind == hpkv.FrameRaw {
			s.logger.Debug().Int("bytes", len(data)).Msg("undecodable frame passed through raw")
		}
		s.emit(hpkv.SocketEvent{Kind: hpkv.SocketMessage, Frame: &frame})
	}
}

func (s *Socket) keepalive(conn *websocket.Conn) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.opts.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.logger.Debug().Err(err).Msg("failed to send ping")
			}
		}
	}
}

// closeDetails extracts the close code and reason from a read error. When
// the local side initiated the close and the peer never answered, the code
// that was sent is reported.
func (s *Socket) closeDetails(err error) (int, string) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code, closeErr.Text
	}
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.ReadyState() == hpkv.ReadyStateClosing && s.closeCode != 0 {
		return s.closeCode, s.closeReason
	}
	return websocket.CloseAbnormalClosure, err.Error()
}

func (s *Socket) finish(code int, reason string) {
	s.finishOnce.Do(func() {
		s.state.Store(uint32(hpkv.ReadyStateClosed))
		close(s.done)

		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()
		if conn != nil {
			conn.Close()
		}

		s.logger.Debug().Int("code", code).Str("reason", reason).Msg("socket closed")
		s.emit(hpkv.SocketEvent{Kind: hpkv.SocketClose, Code: code, Reason: reason})
	})
}

func (s *Socket) emit(ev hpkv.SocketEvent) {
	s.mu.Lock()
	entries := append([]entry(nil), s.listeners[ev.Kind]...)
	s.mu.Unlock()

	for _, e := range entries {
		e.listener(ev)
	}
}

func handshakeError(resp *http.Response, err error) error {
	if resp == nil {
		return &hpkv.ConnectionError{Message: "dial failed", Err: err}
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &hpkv.AuthenticationError{Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	return &hpkv.ConnectionError{
		Message: fmt.Sprintf("handshake failed with HTTP %d", resp.StatusCode),
		Err:     err,
	}
}
