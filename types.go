package hpkv

import (
	"encoding/json"
	"strconv"
	"time"
)

// Status codes carried in the "code" field of a response frame.
const (
	StatusOK              = 200
	StatusBadRequest      = 400
	StatusUnauthorized    = 401
	StatusForbidden       = 403
	StatusNotFound        = 404
	StatusTooManyRequests = 429
	StatusInternalError   = 500
)

// NotificationType is the discriminator value of a server-pushed notification frame.
const NotificationType = "notification"

// State is the connection state of a client. Exactly one is active at a time.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	case StateReconnecting:
		return "Reconnecting"
	default:
		return "Unknown"
	}
}

// Response is a decoded response frame. Value and NewValue are kept raw because
// the server may answer with a string, a number or null.
type Response struct {
	Code      int             `json:"code"`
	Message   string          `json:"message,omitempty"`
	MessageID int64           `json:"messageId,omitempty"`
	Key       string          `json:"key,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
	NewValue  json.RawMessage `json:"newValue,omitempty"`
	Error     string          `json:"error,omitempty"`
	Success   bool            `json:"success,omitempty"`
	Records   []Record        `json:"records,omitempty"`
	Count     int             `json:"count,omitempty"`
	Truncated bool            `json:"truncated,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// StringValue returns Value as text. JSON strings are unquoted, anything else
// is returned as its JSON text.
func (r *Response) StringValue() string {
	return rawString(r.Value)
}

// DecodeValue unmarshals Value into v. A string value that itself holds JSON
// (the way Set serializes structured values) is decoded from its contents.
func (r *Response) DecodeValue(v any) error {
	return decodeRaw(r.Value, v)
}

// IntValue returns NewValue (falling back to Value) as an integer, which is
// how atomic increments report their result.
func (r *Response) IntValue() (int64, error) {
	raw := r.NewValue
	if len(raw) == 0 {
		raw = r.Value
	}
	return strconv.ParseInt(rawString(raw), 10, 64)
}

// Record is one key/value pair of a range response.
type Record struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// StringValue returns the record value as text.
func (r Record) StringValue() string {
	return rawString(r.Value)
}

// Notification is an unsolicited frame reporting a change to a subscribed key.
type Notification struct {
	Type      string          `json:"type"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Timestamp int64           `json:"timestamp"`
}

// Deleted reports whether the notification signals removal of the key.
func (n Notification) Deleted() bool {
	return len(n.Value) == 0 || string(n.Value) == "null"
}

// StringValue returns the notified value as text. Empty for deletions.
func (n Notification) StringValue() string {
	if n.Deleted() {
		return ""
	}
	return rawString(n.Value)
}

// FrameKind tags the shape of a decoded inbound frame.
type FrameKind uint8

const (
	// FrameResponse is a generic response, normally carrying a messageId.
	FrameResponse FrameKind = iota + 1
	// FrameNotification is a server push identified by its type field.
	FrameNotification
	// FrameRaw is a payload that could not be decoded as JSON.
	FrameRaw
)

// Frame is an inbound payload after first-stage decoding by the socket adapter.
type Frame struct {
	Kind         FrameKind
	Response     *Response
	Notification *Notification
	Raw          string
}

// ThrottleStats reports the throttling manager's live state.
type ThrottleStats struct {
	CurrentRate float64
	QueueLength int
}

// Stats is a live snapshot of a client's connection.
type Stats struct {
	State             State
	ReconnectAttempts int
	PendingRequests   int
	// Throttling is nil when throttling is disabled.
	Throttling *ThrottleStats
}

// EventKind identifies a client lifecycle event.
type EventKind uint8

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventReconnecting
	EventReconnectFailed
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventReconnectFailed:
		return "reconnectFailed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is the payload delivered to lifecycle listeners. Which fields are set
// depends on Kind:
//   - EventDisconnected: Code, Reason, PreviousState, Gracefully
//   - EventReconnecting: Attempt, MaxAttempts, Delay
//   - EventReconnectFailed, EventError: Err
type Event struct {
	Kind          EventKind
	Code          int
	Reason        string
	PreviousState State
	Gracefully    bool
	Attempt       int
	MaxAttempts   int
	Delay         time.Duration
	Err           error
}

// EventHandler receives lifecycle events.
type EventHandler func(Event)

// NotificationHandler receives notifications on a subscription client.
type NotificationHandler func(Notification)

func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if raw[0] == '"' && json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

func decodeRaw(raw json.RawMessage, v any) error {
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		if json.Valid([]byte(s)) && json.Unmarshal([]byte(s), v) == nil {
			return nil
		}
	}
	return json.Unmarshal(raw, v)
}
