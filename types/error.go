package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an error by the component boundary it crossed.
type ErrorKind string

const (
	// ErrKindTransport covers connection and credential failures. Recoverable:
	// retry the connection or surface a banner.
	ErrKindTransport ErrorKind = "transport"
	// ErrKindProtocol covers malformed or unroutable decoder input. Discarded
	// and logged, never fatal.
	ErrKindProtocol ErrorKind = "protocol"
	// ErrKindMedia covers track attach and capture failures. Degrade
	// gracefully: hide video, keep audio and text.
	ErrKindMedia ErrorKind = "media"
	// ErrKindBackend covers session create/end failures. Creation failure
	// blocks start; end failure never blocks local cleanup.
	ErrKindBackend ErrorKind = "backend"
)

// ErrorCode identifies a specific failure within a kind.
type ErrorCode string

const (
	ErrCredentialFetch   ErrorCode = "CREDENTIAL_FETCH"
	ErrCredentialExpired ErrorCode = "CREDENTIAL_EXPIRED"
	ErrConnectFailed     ErrorCode = "CONNECT_FAILED"
	ErrPublishFailed     ErrorCode = "PUBLISH_FAILED"
	ErrStaleAttempt      ErrorCode = "STALE_ATTEMPT"

	ErrMalformedPayload ErrorCode = "MALFORMED_PAYLOAD"
	ErrUnroutableEvent  ErrorCode = "UNROUTABLE_EVENT"
	ErrUntrustedSender  ErrorCode = "UNTRUSTED_SENDER"

	ErrCaptureFailed ErrorCode = "CAPTURE_FAILED"
	ErrAttachFailed  ErrorCode = "ATTACH_FAILED"

	ErrSessionCreate ErrorCode = "SESSION_CREATE"
	ErrSessionEnd    ErrorCode = "SESSION_END"
	ErrAgentSilent   ErrorCode = "AGENT_SILENT"

	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
)

// Error is the structured error that crosses component boundaries. No raw
// error from a collaborator library should escape a component without being
// wrapped into one of these.
type Error struct {
	Kind      ErrorKind `json:"kind"`
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s/%s] %s: %v", e.Kind, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s/%s] %s", e.Kind, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// NewError creates a new Error with the given kind, code and message.
func NewError(kind ErrorKind, code ErrorCode, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// NewTransportError creates a transport-kind error. Transport errors are
// retryable by default.
func NewTransportError(code ErrorCode, message string) *Error {
	return &Error{Kind: ErrKindTransport, Code: code, Message: message, Retryable: true}
}

// NewProtocolError creates a protocol-kind error.
func NewProtocolError(code ErrorCode, message string) *Error {
	return &Error{Kind: ErrKindProtocol, Code: code, Message: message}
}

// NewMediaError creates a media-kind error.
func NewMediaError(code ErrorCode, message string) *Error {
	return &Error{Kind: ErrKindMedia, Code: code, Message: message}
}

// NewBackendError creates a backend-kind error.
func NewBackendError(code ErrorCode, message string) *Error {
	return &Error{Kind: ErrKindBackend, Code: code, Message: message}
}

// WrapError wraps err into a typed Error, preserving an existing *Error.
func WrapError(kind ErrorKind, code ErrorCode, message string, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewError(kind, code, message).WithCause(err)
}

// AsError extracts a *Error from err, or nil.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// IsKind reports whether err is a typed Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	if e := AsError(err); e != nil {
		return e.Kind == kind
	}
	return false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e := AsError(err); e != nil {
		return e.Retryable
	}
	return false
}
