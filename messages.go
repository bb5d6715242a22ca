package hpkv

// WebSocket close codes used by clients and the fake server.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	CloseAbnormal  = 1006
)

// Standard messages
const (
	// Close reasons
	ReasonClientDisconnecting = "Client disconnecting"
	ReasonConnectionTimeout   = "Connection timeout"
	ReasonServerShutdown      = "Server shutting down"

	// Server error texts
	MsgRecordNotFound       = "Record not found"
	MsgRateLimitExceeded    = "Rate limit exceeded"
	MsgInvalidRequest       = "Invalid request"
	MsgUnknownOperation     = "Unknown operation"
	MsgInvalidCredentials   = "Invalid API key or token"
	MsgNotANumber           = "Value is not an integer"
	MsgServerAlreadyRunning = "server already running"
)
