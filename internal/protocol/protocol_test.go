package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/hpkv"
)

// TestEncode tests request frames for every operation
func TestEncode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  Request
		want string
	}{
		{
			name: "get",
			req:  Request{Op: OpGet, Key: "k", MessageID: 1},
			want: `{"op":1,"key":"k","messageId":1}`,
		},
		{
			name: "set string",
			req:  Request{Op: OpSet, Key: "k", Value: "v", MessageID: 2},
			want: `{"op":2,"key":"k","value":"v","messageId":2}`,
		},
		{
			name: "atomic zero delta keeps value",
			req:  Request{Op: OpAtomic, Key: "n", Value: int64(0), MessageID: 3},
			want: `{"op":6,"key":"n","value":0,"messageId":3}`,
		},
		{
			name: "range with limit",
			req:  Request{Op: OpRange, Key: "a", EndKey: "z", Limit: 10, MessageID: 4},
			want: `{"op":5,"key":"a","messageId":4,"endKey":"z","limit":10}`,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			data, err := Encode(&tt.req)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))
		})
	}
}

// TestEncodeTooLarge tests that oversized frames are rejected
func TestEncodeTooLarge(t *testing.T) {
	t.Parallel()

	big := make([]byte, maxPayloadSize)
	for i := range big {
		big[i] = 'a'
	}
	_, err := Encode(&Request{Op: OpSet, Key: "k", Value: string(big)})
	assert.Error(t, err)
}

// TestNormalizeValue tests conversion of caller values to wire values
func TestNormalizeValue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		value any
		want  any
	}{
		{name: "string kept", value: "hello", want: "hello"},
		{name: "bytes as text", value: []byte("raw"), want: "raw"},
		{name: "int kept", value: 42, want: 42},
		{name: "float kept", value: 1.5, want: 1.5},
		{name: "map serialized", value: map[string]int{"a": 1}, want: `{"a":1}`},
		{name: "bool serialized", value: true, want: "true"},
		{name: "nil serialized", value: nil, want: "null"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := NormalizeValue(tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestNormalizeValueError tests that unserializable values fail
func TestNormalizeValueError(t *testing.T) {
	t.Parallel()

	_, err := NormalizeValue(make(chan int))
	assert.Error(t, err)
}

// TestDecode tests first-stage frame decoding
func TestDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data string
		kind hpkv.FrameKind
	}{
		{name: "response", data: `{"code":200,"messageId":7,"key":"k","value":"v"}`, kind: hpkv.FrameResponse},
		{name: "response without id", data: `{"code":500,"error":"boom"}`, kind: hpkv.FrameResponse},
		{name: "notification", data: `{"type":"notification","key":"k","value":"v","timestamp":1}`, kind: hpkv.FrameNotification},
		{name: "typed frame with id is a response", data: `{"type":"notification","messageId":3,"code":200}`, kind: hpkv.FrameResponse},
		{name: "invalid json", data: `not json`, kind: hpkv.FrameRaw},
		{name: "json scalar", data: `"text"`, kind: hpkv.FrameRaw},
		{name: "json array", data: `[1,2]`, kind: hpkv.FrameRaw},
		{name: "wrong field type", data: `{"code":"abc"}`, kind: hpkv.FrameRaw},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			frame := Decode([]byte(tt.data))
			assert.Equal(t, tt.kind, frame.Kind)
			switch tt.kind {
			case hpkv.FrameRaw:
				assert.Equal(t, tt.data, frame.Raw)
			case hpkv.FrameResponse:
				require.NotNil(t, frame.Response)
			case hpkv.FrameNotification:
				require.NotNil(t, frame.Notification)
			}
		})
	}
}

// TestDecodeResponseFields tests that response fields survive decoding
func TestDecodeResponseFields(t *testing.T) {
	t.Parallel()

	frame := Decode([]byte(`{"code":200,"messageId":9,"records":[{"key":"a","value":"1"},{"key":"b","value":2}],"count":2,"truncated":true}`))
	require.Equal(t, hpkv.FrameResponse, frame.Kind)

	resp := frame.Response
	assert.Equal(t, int64(9), resp.MessageID)
	assert.Equal(t, 2, resp.Count)
	assert.True(t, resp.Truncated)
	require.Len(t, resp.Records, 2)
	assert.Equal(t, "1", resp.Records[0].StringValue())
	assert.Equal(t, "2", resp.Records[1].StringValue())
}

// TestDecodeDeletedNotification tests null-valued notifications
func TestDecodeDeletedNotification(t *testing.T) {
	t.Parallel()

	frame := Decode([]byte(`{"type":"notification","key":"k","value":null,"timestamp":5}`))
	require.Equal(t, hpkv.FrameNotification, frame.Kind)
	assert.True(t, frame.Notification.Deleted())
	assert.Equal(t, int64(5), frame.Notification.Timestamp)
}

// TestResponseDecodeValue tests decoding of JSON text stored as a string value
func TestResponseDecodeValue(t *testing.T) {
	t.Parallel()

	resp := hpkv.Response{Value: json.RawMessage(`"{\"a\":1,\"b\":3}"`)}
	var got map[string]int
	require.NoError(t, resp.DecodeValue(&got))
	assert.Equal(t, map[string]int{"a": 1, "b": 3}, got)

	plain := hpkv.Response{Value: json.RawMessage(`"123"`)}
	var s string
	require.NoError(t, plain.DecodeValue(&s))
	assert.Equal(t, "123", s)
}

// TestBuildURL tests endpoint derivation from base URLs
func TestBuildURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		base    string
		want    string
		wantErr bool
	}{
		{name: "https base", base: "https://api.hpkv.io", want: "wss://api.hpkv.io/ws?apiKey=secret"},
		{name: "http base with slash", base: "http://localhost:8080/", want: "ws://localhost:8080/ws?apiKey=secret"},
		{name: "already ws", base: "wss://api.hpkv.io/ws", want: "wss://api.hpkv.io/ws?apiKey=secret"},
		{name: "bad scheme", base: "ftp://host", wantErr: true},
		{name: "no host", base: "https://", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := BuildURL(tt.base, "apiKey", "secret")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestHTTPBase tests mapping of WebSocket bases back to HTTP
func TestHTTPBase(t *testing.T) {
	t.Parallel()

	got, err := HTTPBase("wss://api.hpkv.io/ws")
	require.NoError(t, err)
	assert.Equal(t, "https://api.hpkv.io", got)

	got, err = HTTPBase("http://localhost:9000/")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000", got)
}
