// Package token issues subscription tokens over the HPKV REST API.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/luciancaetano/hpkv"
	"github.com/luciancaetano/hpkv/internal/protocol"
)

// Path is the token endpoint relative to the HTTP base URL.
const Path = "/token/websocket"

const maxBodySize = 1 << 20

// Request selects the keys a token may subscribe to.
type Request struct {
	SubscribeKeys []string `json:"subscribeKeys"`
	AccessPattern string   `json:"accessPattern,omitempty"`
}

// Manager issues tokens with an API key.
type Manager struct {
	APIKey  string
	BaseURL string
	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// NewManager returns a Manager for apiKey against baseURL.
func NewManager(apiKey, baseURL string) *Manager {
	return &Manager{
		APIKey:     apiKey,
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Logger:     zerolog.Nop(),
	}
}

// Generate requests a token for req.
//
// A 401 or 403 fails with *hpkv.AuthenticationError. Any other non-2xx
// status, or a 2xx body without a token, fails with *hpkv.Error.
func (m *Manager) Generate(ctx context.Context, req Request) (string, error) {
	if m.APIKey == "" {
		return "", &hpkv.AuthenticationError{Code: hpkv.StatusUnauthorized, Message: "api key is required"}
	}
	base, err := protocol.HTTPBase(m.BaseURL)
	if err != nil {
		return "", err
	}
	if req.SubscribeKeys == nil {
		req.SubscribeKeys = []string{}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal token request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+Path, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("x-api-key", m.APIKey)

	client := m.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", &hpkv.AuthenticationError{Code: resp.StatusCode, Message: errorMessage(resp.StatusCode, body)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", &hpkv.Error{Code: resp.StatusCode, Message: errorMessage(resp.StatusCode, body)}
	}

	tok := gjson.GetBytes(body, "token")
	if tok.Type != gjson.String || tok.Str == "" {
		return "", &hpkv.Error{Code: resp.StatusCode, Message: "response carries no token"}
	}
	m.Logger.Debug().Int("keys", len(req.SubscribeKeys)).Msg("token issued")
	return tok.Str, nil
}

// errorMessage prefers the server's error text over the status text.
func errorMessage(status int, body []byte) string {
	if gjson.ValidBytes(body) {
		for _, field := range []string{"error", "message"} {
			if r := gjson.GetBytes(body, field); r.Type == gjson.String && r.Str != "" {
				return r.Str
			}
		}
	}
	return http.StatusText(status)
}
