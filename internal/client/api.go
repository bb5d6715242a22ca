package client

import (
	"errors"

	"github.com/luciancaetano/hpkv"
	"github.com/luciancaetano/hpkv/internal/protocol"
)

const apiKeyParam = "apiKey"

// APIClient authenticates with an API key and exposes the request surface.
type APIClient struct {
	*Base
}

var _ hpkv.Client = (*APIClient)(nil)

// NewAPIClient creates a client for baseURL authenticated with apiKey. The
// connection URL is built on every attempt; a malformed base URL surfaces
// from Connect as a ConnectionError.
func NewAPIClient(apiKey, baseURL string, cfg hpkv.Config) *APIClient {
	url := func() (string, error) {
		if apiKey == "" {
			return "", errors.New("api key must not be empty")
		}
		return protocol.BuildURL(baseURL, apiKeyParam, apiKey)
	}
	return &APIClient{Base: NewBase(cfg, url, nil)}
}
