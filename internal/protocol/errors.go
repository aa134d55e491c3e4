package protocol

import (
	"errors"
	"fmt"
)

// Error kinds for device communication failures

// Kind represents the category of error that occurred
type Kind int

const (
	// KindLink indicates a transport-level failure; the session schedules a reconnect
	KindLink Kind = iota
	// KindChecksum indicates a frame failed CRC validation; the frame is dropped
	KindChecksum
	// KindMalformedLength indicates a frame declared an impossible payload length
	KindMalformedLength
	// KindAuthentication indicates a handshake or payload integrity failure; forces
	// a full reconnect with fresh handshake material
	KindAuthentication
	// KindTimeout indicates no response arrived within the request budget
	KindTimeout
	// KindCancelled indicates an explicit close or cancel
	KindCancelled
	// KindQueueOverflow indicates too many undispatched queued commands
	KindQueueOverflow
	// KindDisconnected indicates the session dropped while a request was pending
	KindDisconnected
)

// String returns a human-readable name for the error kind
func (k Kind) String() string {
	switch k {
	case KindLink:
		return "Link Error"
	case KindChecksum:
		return "Checksum Error"
	case KindMalformedLength:
		return "Malformed Length"
	case KindAuthentication:
		return "Authentication Error"
	case KindTimeout:
		return "Timeout"
	case KindCancelled:
		return "Cancelled"
	case KindQueueOverflow:
		return "Queue Overflow"
	case KindDisconnected:
		return "Disconnected"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// Error represents a failure in the device transport or protocol core
type Error struct {
	Kind      Kind   // Category of error
	Message   string // Human-readable error message
	Err       error  // Underlying error (if any)
	Retryable bool   // Whether retrying the operation may succeed
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error for error chain inspection
func (e *Error) Unwrap() error {
	return e.Err
}

// NewLinkError creates a transport-level error
func NewLinkError(message string, err error) *Error {
	return &Error{Kind: KindLink, Message: message, Err: err, Retryable: true}
}

// NewChecksumError creates a frame CRC validation error
func NewChecksumError(message string) *Error {
	return &Error{Kind: KindChecksum, Message: message, Retryable: true}
}

// NewMalformedLengthError creates a frame length validation error
func NewMalformedLengthError(message string) *Error {
	return &Error{Kind: KindMalformedLength, Message: message, Retryable: true}
}

// NewAuthenticationError creates a handshake or payload integrity error
func NewAuthenticationError(message string, err error) *Error {
	return &Error{Kind: KindAuthentication, Message: message, Err: err, Retryable: false}
}

// NewTimeoutError creates a request timeout error
func NewTimeoutError(message string) *Error {
	return &Error{Kind: KindTimeout, Message: message, Retryable: true}
}

// NewCancelledError creates an explicit close/cancel error
func NewCancelledError(message string) *Error {
	return &Error{Kind: KindCancelled, Message: message, Retryable: false}
}

// NewQueueOverflowError creates a queue depth exceeded error
func NewQueueOverflowError(message string) *Error {
	return &Error{Kind: KindQueueOverflow, Message: message, Retryable: true}
}

// NewDisconnectedError creates a session teardown error
func NewDisconnectedError(message string) *Error {
	return &Error{Kind: KindDisconnected, Message: message, Retryable: true}
}

// IsKind checks whether err is a protocol error of the given kind
func IsKind(err error, kind Kind) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}

// IsLinkError checks if an error is a transport-level failure
func IsLinkError(err error) bool { return IsKind(err, KindLink) }

// IsChecksumError checks if an error is a frame CRC error
func IsChecksumError(err error) bool { return IsKind(err, KindChecksum) }

// IsMalformedLengthError checks if an error is a frame length error
func IsMalformedLengthError(err error) bool { return IsKind(err, KindMalformedLength) }

// IsAuthenticationError checks if an error is an integrity/handshake error
func IsAuthenticationError(err error) bool { return IsKind(err, KindAuthentication) }

// IsTimeout checks if an error is a request timeout
func IsTimeout(err error) bool { return IsKind(err, KindTimeout) }

// IsCancelled checks if an error is an explicit cancel
func IsCancelled(err error) bool { return IsKind(err, KindCancelled) }

// IsQueueOverflow checks if an error is a queue overflow
func IsQueueOverflow(err error) bool { return IsKind(err, KindQueueOverflow) }

// IsDisconnected checks if an error is a session teardown failure
func IsDisconnected(err error) bool { return IsKind(err, KindDisconnected) }

// IsRetryable checks if the failed operation may succeed when retried
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	// Unknown errors are not retryable by default
	return false
}
