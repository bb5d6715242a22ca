package hpkv

// ReadyState mirrors the standard WebSocket readyState values.
type ReadyState uint8

const (
	ReadyStateConnecting ReadyState = 0
	ReadyStateOpen       ReadyState = 1
	ReadyStateClosing    ReadyState = 2
	ReadyStateClosed     ReadyState = 3
)

func (r ReadyState) String() string {
	switch r {
	case ReadyStateConnecting:
		return "CONNECTING"
	case ReadyStateOpen:
		return "OPEN"
	case ReadyStateClosing:
		return "CLOSING"
	case ReadyStateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// SocketEventKind is the closed set of events a Socket can emit.
type SocketEventKind uint8

const (
	SocketOpen SocketEventKind = iota + 1
	SocketMessage
	SocketClose
	SocketError
)

// Valid reports whether k is one of the four supported event kinds.
func (k SocketEventKind) Valid() bool {
	return k >= SocketOpen && k <= SocketError
}

func (k SocketEventKind) String() string {
	switch k {
	case SocketOpen:
		return "open"
	case SocketMessage:
		return "message"
	case SocketClose:
		return "close"
	case SocketError:
		return "error"
	default:
		return "unsupported"
	}
}

// SocketEvent is delivered to socket listeners.
//   - SocketMessage: Frame is set
//   - SocketClose: Code and Reason are set
//   - SocketError: Err is set
type SocketEvent struct {
	Kind   SocketEventKind
	Frame  *Frame
	Code   int
	Reason string
	Err    error
}

// SocketListener handles socket events. Listeners run on the socket's read
// goroutine and must not block.
type SocketListener func(SocketEvent)

// ListenerID identifies a registered listener for later removal.
type ListenerID uint64

// Socket normalizes a raw WebSocket into one event-driven interface.
//
// A Socket is created in ReadyStateConnecting by a SocketFactory. Listeners are
// attached with On and the handshake is started with Open, so no event can be
// missed between construction and registration.
type Socket interface {
	// ReadyState returns the current transport state.
	ReadyState() ReadyState

	// Open starts the handshake asynchronously. The outcome is reported through
	// SocketOpen, or SocketError followed by SocketClose.
	Open()

	// On registers a listener for kind. Unsupported kinds fail with
	// ErrUnsupportedEvent.
	On(kind SocketEventKind, listener SocketListener) (ListenerID, error)

	// RemoveListener unregisters exactly the listener returned by On.
	RemoveListener(kind SocketEventKind, id ListenerID)

	// RemoveAllListeners unregisters every listener for the given kinds, or
	// for all kinds when none are given.
	RemoveAllListeners(kinds ...SocketEventKind)

	// Send writes a text frame verbatim.
	Send(text string) error

	// Close starts the closing handshake with the given code and reason.
	Close(code int, reason string) error
}

// SocketFactory constructs the socket used for one connection attempt. A new
// socket is built for every connect and reconnect.
type SocketFactory func(rawURL string) (Socket, error)
