// Package hpkvtest provides an in-process HPKV server speaking the WebSocket
// protocol and the token endpoint. It backs the client tests and the CLI's
// mock command.
package hpkvtest

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/hpkv"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

// RateLimitConfig defines per-connection rate limiting. Requests above the
// limit are answered with status 429.
type RateLimitConfig struct {
	// MessagesPerSecond defines how many requests a connection can send per second
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// NoRateLimit returns a configuration with rate limiting disabled.
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{Enabled: false}
}

// Config configures a Server.
type Config struct {
	// Addr is the listen address for Start, e.g. ":8080" or "127.0.0.1:0".
	Addr string
	// APIKeys are the accepted API keys. Empty accepts any non-empty key.
	APIKeys []string
	// RateLimit defaults to NoRateLimit() when nil.
	RateLimit *RateLimitConfig
	Logger    zerolog.Logger
}

type grant struct {
	keys    map[string]bool
	pattern *regexp.Regexp
}

// allows reports whether a token grant covers key.
func (g grant) allows(key string) bool {
	if g.pattern != nil && g.pattern.MatchString(key) {
		return true
	}
	return len(g.keys) == 0 && g.pattern == nil || g.keys[key]
}

// Server is a fake HPKV endpoint.
type Server struct {
	cfg      Config
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	store    *store

	apiKeys map[string]bool
	tokens  sync.Map // map[string]grant
	conns   sync.Map // map[string]*conn

	forced   atomic.Int32
	silent   atomic.Bool
	requests atomic.Int64

	mu       sync.Mutex
	running  bool
	server   *http.Server
	listener net.Listener
}

// New creates a server. It serves nothing until Start is called or Handler
// is mounted.
func New(cfg Config) *Server {
	if cfg.RateLimit == nil {
		cfg.RateLimit = NoRateLimit()
	}
	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "hpkvtest").Logger(),
		store:   newStore(),
		apiKeys: make(map[string]bool, len(cfg.APIKeys)),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, k := range cfg.APIKeys {
		s.apiKeys[k] = true
	}
	return s
}

// Handler returns the HTTP handler serving /ws and /token/websocket.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/token/websocket", s.handleToken)
	return mux
}

// Start listens on Config.Addr and serves in the background until Stop is
// called or ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf(hpkv.MsgServerAlreadyRunning)
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.server = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.running = true

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("serve failed")
		}
	}()
	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(stopCtx)
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("fake hpkv server listening")
	return nil
}

// Addr returns the bound listen address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes every connection with 1001 and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	srv := s.server
	s.mu.Unlock()

	s.eachConn(func(c *conn) {
		c.close(hpkv.CloseGoingAway, hpkv.ReasonServerShutdown)
	})
	return srv.Shutdown(ctx)
}

// ForceStatus makes the server answer the next request with code.
func (s *Server) ForceStatus(code int) {
	s.forced.Store(int32(code))
}

// Silence stops (or resumes) answering requests. Frames are still read.
func (s *Server) Silence(on bool) {
	s.silent.Store(on)
}

// Drop kills every connection without a close frame.
func (s *Server) Drop() {
	s.eachConn(func(c *conn) {
		c.ws.UnderlyingConn().Close()
	})
}

// Connections returns the number of open WebSocket connections.
func (s *Server) Connections() int {
	n := 0
	s.eachConn(func(*conn) { n++ })
	return n
}

// Requests returns the number of request frames received.
func (s *Server) Requests() int64 {
	return s.requests.Load()
}

// Seed stores value at key without notifying subscribers.
func (s *Server) Seed(key, value string) {
	s.store.set(key, value)
}

// Value returns the stored value at key.
func (s *Server) Value(key string) (string, bool) {
	return s.store.get(key)
}

// IssueToken registers a subscription token for keys and an optional
// access pattern regexp.
func (s *Server) IssueToken(keys []string, accessPattern string) (string, error) {
	g := grant{keys: make(map[string]bool, len(keys))}
	for _, k := range keys {
		g.keys[k] = true
	}
	if accessPattern != "" {
		re, err := regexp.Compile(accessPattern)
		if err != nil {
			return "", fmt.Errorf("compile access pattern: %w", err)
		}
		g.pattern = re
	}
	token := uuid.NewString()
	s.tokens.Store(token, g)
	return token, nil
}

func (s *Server) eachConn(fn func(*conn)) {
	s.conns.Range(func(_, value any) bool {
		fn(value.(*conn))
		return true
	})
}

func (s *Server) validAPIKey(key string) bool {
	if key == "" {
		return false
	}
	return len(s.apiKeys) == 0 || s.apiKeys[key]
}

// handleWebSocket authenticates the query credential and upgrades.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var subscription *grant
	switch {
	case q.Get("token") != "":
		v, ok := s.tokens.Load(q.Get("token"))
		if !ok {
			http.Error(w, hpkv.MsgInvalidCredentials, http.StatusUnauthorized)
			return
		}
		g := v.(grant)
		subscription = &g
	case s.validAPIKey(q.Get("apiKey")):
	default:
		http.Error(w, hpkv.MsgInvalidCredentials, http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("upgrade failed")
		return
	}

	c := &conn{
		id:           uuid.NewString(),
		ws:           ws,
		subscription: subscription,
	}
	if s.cfg.RateLimit.Enabled {
		c.limiter = rate.NewLimiter(s.cfg.RateLimit.MessagesPerSecond, s.cfg.RateLimit.Burst)
	}
	s.conns.Store(c.id, c)

	go s.handleConn(c)
}

// handleConn reads request frames until the connection ends.
func (s *Server) handleConn(c *conn) {
	defer func() {
		s.conns.Delete(c.id)
		c.ws.Close()
	}()

	c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Str("conn", c.id).Msg("connection ended")
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(readTimeout))

		s.requests.Add(1)
		if s.silent.Load() {
			continue
		}
		s.handleRequest(c, data)
	}
}

func (s *Server) handleRequest(c *conn, data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		c.send(response{Code: hpkv.StatusBadRequest, Error: hpkv.MsgInvalidRequest})
		return
	}

	if code := int(s.forced.Swap(0)); code != 0 {
		c.send(response{Code: code, MessageID: req.MessageID, Error: http.StatusText(code)})
		return
	}
	if c.limiter != nil && !c.limiter.Allow() {
		c.send(response{Code: hpkv.StatusTooManyRequests, MessageID: req.MessageID, Error: hpkv.MsgRateLimitExceeded})
		return
	}

	resp, change := s.store.apply(req)
	resp.MessageID = req.MessageID
	c.send(resp)

	if change != nil {
		s.notify(*change)
	}
}

// notify pushes a change to every subscription connection covering the key.
func (s *Server) notify(n notification) {
	n.Type = hpkv.NotificationType
	n.Timestamp = time.Now().UnixMilli()
	s.eachConn(func(c *conn) {
		if c.subscription != nil && c.subscription.allows(n.Key) {
			c.send(n)
		}
	})
}

// handleToken issues subscription tokens for a valid x-api-key header.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": http.StatusText(http.StatusMethodNotAllowed)})
		return
	}
	if !s.validAPIKey(r.Header.Get("x-api-key")) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": hpkv.MsgInvalidCredentials})
		return
	}

	var body struct {
		SubscribeKeys []string `json:"subscribeKeys"`
		AccessPattern string   `json:"accessPattern"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || (len(body.SubscribeKeys) == 0 && body.AccessPattern == "") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "subscribeKeys or accessPattern required"})
		return
	}

	token, err := s.IssueToken(body.SubscribeKeys, body.AccessPattern)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type conn struct {
	id           string
	ws           *websocket.Conn
	subscription *grant
	limiter      *rate.Limiter
	writeMu      sync.Mutex
}

func (c *conn) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) close(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
