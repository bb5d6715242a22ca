package hpkvtest

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/hpkv"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	s := New(cfg)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, req string) map[string]any {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(req)))
	return readJSON(t, conn)
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

// TestOperations tests every operation code against the in-memory store
func TestOperations(t *testing.T) {
	t.Parallel()

	_, srv := newTestServer(t, Config{APIKeys: []string{"key"}})
	conn := dial(t, srv, "apiKey=key")

	tests := []struct {
		name  string
		req   string
		check func(t *testing.T, resp map[string]any)
	}{
		{
			name: "get missing",
			req:  `{"op":1,"key":"a","messageId":1}`,
			check: func(t *testing.T, resp map[string]any) {
				assert.EqualValues(t, 404, resp["code"])
				assert.Equal(t, hpkv.MsgRecordNotFound, resp["error"])
			},
		},
		{
			name: "set",
			req:  `{"op":2,"key":"a","value":"{\"x\":1,\"y\":2}","messageId":2}`,
			check: func(t *testing.T, resp map[string]any) {
				assert.EqualValues(t, 200, resp["code"])
				assert.EqualValues(t, 2, resp["messageId"])
			},
		},
		{
			name: "patch merges",
			req:  `{"op":3,"key":"a","value":"{\"y\":3}","messageId":3}`,
			check: func(t *testing.T, resp map[string]any) {
				assert.EqualValues(t, 200, resp["code"])
			},
		},
		{
			name: "get merged",
			req:  `{"op":1,"key":"a","messageId":4}`,
			check: func(t *testing.T, resp map[string]any) {
				assert.JSONEq(t, `{"x":1,"y":3}`, resp["value"].(string))
			},
		},
		{
			name: "atomic on missing key",
			req:  `{"op":6,"key":"n","value":5,"messageId":5}`,
			check: func(t *testing.T, resp map[string]any) {
				assert.EqualValues(t, 5, resp["newValue"])
			},
		},
		{
			name: "atomic negative",
			req:  `{"op":6,"key":"n","value":-7,"messageId":6}`,
			check: func(t *testing.T, resp map[string]any) {
				assert.EqualValues(t, -2, resp["newValue"])
			},
		},
		{
			name: "atomic on non-number",
			req:  `{"op":6,"key":"a","value":1,"messageId":7}`,
			check: func(t *testing.T, resp map[string]any) {
				assert.EqualValues(t, 400, resp["code"])
			},
		},
		{
			name: "range",
			req:  `{"op":5,"key":"a","endKey":"z","limit":1,"messageId":8}`,
			check: func(t *testing.T, resp map[string]any) {
				assert.EqualValues(t, 1, resp["count"])
				assert.Equal(t, true, resp["truncated"])
				records := resp["records"].([]any)
				assert.Equal(t, "a", records[0].(map[string]any)["key"])
			},
		},
		{
			name: "delete",
			req:  `{"op":4,"key":"a","messageId":9}`,
			check: func(t *testing.T, resp map[string]any) {
				assert.EqualValues(t, 200, resp["code"])
			},
		},
		{
			name: "delete missing",
			req:  `{"op":4,"key":"a","messageId":10}`,
			check: func(t *testing.T, resp map[string]any) {
				assert.EqualValues(t, 404, resp["code"])
			},
		},
		{
			name: "unknown op",
			req:  `{"op":9,"key":"a","messageId":11}`,
			check: func(t *testing.T, resp map[string]any) {
				assert.EqualValues(t, 400, resp["code"])
				assert.Equal(t, hpkv.MsgUnknownOperation, resp["error"])
			},
		},
	}

	// Subtests share one connection and store, so they run in order.
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, roundTrip(t, conn, tt.req))
		})
	}
}

// TestRejectsBadCredentials tests that the handshake fails with 401
func TestRejectsBadCredentials(t *testing.T) {
	t.Parallel()

	_, srv := newTestServer(t, Config{APIKeys: []string{"key"}})
	for _, query := range []string{"apiKey=wrong", "token=unknown", ""} {
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.Error(t, err, query)
		require.NotNil(t, resp, query)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, query)
	}
}

// TestNotifications tests that mutations reach subscription connections only
func TestNotifications(t *testing.T) {
	t.Parallel()

	s, srv := newTestServer(t, Config{})
	token, err := s.IssueToken([]string{"watched"}, "")
	require.NoError(t, err)

	sub := dial(t, srv, "token="+token)
	api := dial(t, srv, "apiKey=any")
	require.Eventually(t, func() bool { return s.Connections() == 2 }, time.Second, 5*time.Millisecond)

	roundTrip(t, api, `{"op":2,"key":"other","value":"x","messageId":1}`)
	roundTrip(t, api, `{"op":2,"key":"watched","value":"v","messageId":2}`)
	n := readJSON(t, sub)
	assert.Equal(t, hpkv.NotificationType, n["type"])
	assert.Equal(t, "watched", n["key"])
	assert.Equal(t, "v", n["value"])
	assert.NotContains(t, n, "messageId")

	roundTrip(t, api, `{"op":4,"key":"watched","messageId":3}`)
	n = readJSON(t, sub)
	assert.Contains(t, n, "value")
	assert.Nil(t, n["value"])
}

// TestAccessPattern tests pattern-based subscription grants
func TestAccessPattern(t *testing.T) {
	t.Parallel()

	g := grant{keys: map[string]bool{}}
	assert.True(t, g.allows("anything"))

	s := New(Config{})
	_, err := s.IssueToken(nil, "(")
	assert.Error(t, err)

	token, err := s.IssueToken(nil, "^user:")
	require.NoError(t, err)
	v, _ := s.tokens.Load(token)
	g = v.(grant)
	assert.True(t, g.allows("user:1"))
	assert.False(t, g.allows("order:1"))
}

// TestHooks tests the failure injection hooks
func TestHooks(t *testing.T) {
	t.Parallel()

	s, srv := newTestServer(t, Config{})
	conn := dial(t, srv, "apiKey=k")

	s.ForceStatus(500)
	resp := roundTrip(t, conn, `{"op":1,"key":"a","messageId":1}`)
	assert.EqualValues(t, 500, resp["code"])
	assert.EqualValues(t, 1, resp["messageId"])

	s.Silence(true)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"op":1,"key":"a","messageId":2}`)))
	require.Eventually(t, func() bool { return s.Requests() == 2 }, time.Second, 5*time.Millisecond)
	s.Silence(false)

	s.Seed("a", "seeded")
	resp = roundTrip(t, conn, `{"op":1,"key":"a","messageId":3}`)
	assert.Equal(t, "seeded", resp["value"])

	s.Drop()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	// gorilla reports a connection lost without a close frame as 1006.
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr))
	assert.Equal(t, websocket.CloseAbnormalClosure, closeErr.Code)
}

// TestRateLimit tests 429 answers above the per-connection limit
func TestRateLimit(t *testing.T) {
	t.Parallel()

	_, srv := newTestServer(t, Config{RateLimit: &RateLimitConfig{Enabled: true, MessagesPerSecond: rate.Every(time.Hour), Burst: 1}})
	conn := dial(t, srv, "apiKey=k")

	assert.EqualValues(t, 404, roundTrip(t, conn, `{"op":1,"key":"a","messageId":1}`)["code"])
	resp := roundTrip(t, conn, `{"op":1,"key":"a","messageId":2}`)
	assert.EqualValues(t, 429, resp["code"])
	assert.Equal(t, hpkv.MsgRateLimitExceeded, resp["error"])
}

// TestTokenEndpoint tests token issuance over HTTP
func TestTokenEndpoint(t *testing.T) {
	t.Parallel()

	_, srv := newTestServer(t, Config{APIKeys: []string{"key"}})

	post := func(apiKey, body string) (*http.Response, map[string]string) {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/token/websocket", bytes.NewBufferString(body))
		require.NoError(t, err)
		req.Header.Set("x-api-key", apiKey)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var out map[string]string
		json.NewDecoder(resp.Body).Decode(&out)
		return resp, out
	}

	resp, out := post("key", `{"subscribeKeys":["a"]}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, out["token"])
	dial(t, srv, "token="+out["token"])

	resp, _ = post("wrong", `{"subscribeKeys":["a"]}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = post("key", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
