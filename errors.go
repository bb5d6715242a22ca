package hpkv

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors.
var (
	ErrUnsupportedEvent = errors.New("hpkv: unsupported socket event")
	ErrSocketNotOpen    = errors.New("hpkv: socket not open")
	ErrRateLimited      = errors.New("hpkv: rate limited")
	ErrClientDestroyed  = errors.New("hpkv: client destroyed")
	ErrEmptyKey         = errors.New("hpkv: key must not be empty")
)

// ConnectionError reports a transport failure: the socket could not be
// established, dropped unexpectedly, or was not open when sending.
type ConnectionError struct {
	Message string
	// Code and Reason are the close code and reason when known.
	Code   int
	Reason string
	Err    error
}

func (e *ConnectionError) Error() string {
	msg := "hpkv: connection error: " + e.Message
	if e.Code != 0 {
		msg += fmt.Sprintf(" (code %d", e.Code)
		if e.Reason != "" {
			msg += ": " + e.Reason
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// TimeoutError reports an exceeded connection-establishment or operation timeout.
type TimeoutError struct {
	// Op is the operation name, "connect" for establishment timeouts.
	Op      string
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("hpkv: %s timed out after %s", e.Op, e.Elapsed.Round(time.Millisecond))
}

// Timeout makes TimeoutError satisfy the net.Error timeout convention.
func (e *TimeoutError) Timeout() bool {
	return true
}

// AuthenticationError reports a rejected credential or token.
type AuthenticationError struct {
	Code    int
	Message string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("hpkv: authentication failed (%d): %s", e.Code, e.Message)
}

// Error is a failure reported by the server with a status code.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("hpkv: server error %d: %s", e.Code, e.Message)
}

// Is matches ErrRateLimited for 429 responses.
func (e *Error) Is(target error) bool {
	return target == ErrRateLimited && e.Code == StatusTooManyRequests
}

// IsNotFound reports whether err is a server error with status 404.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == StatusNotFound
}

// IsConnectionError reports whether err is a ConnectionError.
func IsConnectionError(err error) bool {
	var e *ConnectionError
	return errors.As(err, &e)
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var e *TimeoutError
	return errors.As(err, &e)
}
