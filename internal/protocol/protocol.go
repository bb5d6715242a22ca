package protocol

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/luciancaetano/hpkv"
)

const maxPayloadSize = 10 * 1024 * 1024 // 10MB max frame size

// Op is the operation code of a request frame.
type Op int

const (
	OpGet    Op = 1
	OpSet    Op = 2
	OpPatch  Op = 3
	OpDelete Op = 4
	OpRange  Op = 5
	OpAtomic Op = 6
)

func (o Op) String() string {
	switch o {
	case OpGet:
		return "get"
	case OpSet:
		return "set"
	case OpPatch:
		return "patch"
	case OpDelete:
		return "delete"
	case OpRange:
		return "range"
	case OpAtomic:
		return "atomic"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Request is an outgoing request frame.
type Request struct {
	Op        Op     `json:"op"`
	Key       string `json:"key"`
	Value     any    `json:"value,omitempty"`
	MessageID int64  `json:"messageId"`
	EndKey    string `json:"endKey,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// Encode serializes a request frame to JSON text.
func Encode(req *Request) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if len(data) > maxPayloadSize {
		return nil, fmt.Errorf("payload size %d exceeds maximum %d bytes", len(data), maxPayloadSize)
	}
	return data, nil
}

// NormalizeValue converts a caller value to its wire form: strings and numbers
// are kept, everything else is serialized to JSON text.
func NormalizeValue(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case []byte:
		return string(val), nil
	case json.Number, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, float32, float64:
		return val, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("serialize value: %w", err)
	}
	return string(data), nil
}

// Decode performs first-stage decoding of an inbound frame. Frames that are
// not JSON objects come back as FrameRaw with the original text.
func Decode(data []byte) hpkv.Frame {
	raw := hpkv.Frame{Kind: hpkv.FrameRaw, Raw: string(data)}
	if !gjson.ValidBytes(data) {
		return raw
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return raw
	}

	if root.Get("type").String() == hpkv.NotificationType && !root.Get("messageId").Exists() {
		var n hpkv.Notification
		if err := json.Unmarshal(data, &n); err != nil {
			return raw
		}
		return hpkv.Frame{Kind: hpkv.FrameNotification, Notification: &n}
	}

	var resp hpkv.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return raw
	}
	return hpkv.Frame{Kind: hpkv.FrameResponse, Response: &resp}
}

// BuildURL derives the WebSocket endpoint from a base URL and attaches the
// credential as a query parameter. http and https bases are mapped to ws and
// wss; a trailing slash or /ws suffix is tolerated.
func BuildURL(base, param, credential string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("base url %q has no host", base)
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/ws") + "/ws"
	q := u.Query()
	q.Set(param, credential)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// HTTPBase maps a base URL to its HTTP form for REST endpoints.
func HTTPBase(base string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/ws")
	u.RawQuery = ""
	return u.String(), nil
}
