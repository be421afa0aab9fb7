package core

import (
	"errors"
	"fmt"
)

// Error is a domain error with a stable, client-visible type.
type Error struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Param      string    `json:"param,omitempty"`
	RetryAfter *int      `json:"retry_after,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("%s: %s (param: %s)", e.Type, e.Message, e.Param)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	return e.cause
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrInvalidRequest     ErrorType = "invalid_request"
	ErrAuthentication     ErrorType = "unauthorized"
	ErrNotFound           ErrorType = "not_found"
	ErrConflict           ErrorType = "conflict"
	ErrRateLimit          ErrorType = "rate_limited"
	ErrOverloaded         ErrorType = "overloaded"
	ErrInternal           ErrorType = "internal_error"
	ErrProvider           ErrorType = "producer_error"
	ErrSequence           ErrorType = "sequence_error"
	ErrCapacityExceeded   ErrorType = "capacity_exceeded"
	ErrAudioClosed        ErrorType = "audio_closed"
	ErrDecode             ErrorType = "decode_error"
	ErrUnknownMessageType ErrorType = "unknown_type"
	ErrIllegalTransition  ErrorType = "illegal_transition"
)

// TypeOf returns the ErrorType of the first *Error in err's chain, or "" if none.
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ""
}

// IsType reports whether err's chain contains an *Error of type t.
func IsType(err error, t ErrorType) bool {
	return err != nil && TypeOf(err) == t
}

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message}
}

// NewInvalidRequestErrorWithParam creates an invalid request error with a parameter.
func NewInvalidRequestErrorWithParam(message, param string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message, Param: param}
}

// NewAuthenticationError creates an authentication error.
func NewAuthenticationError(message string) *Error {
	return &Error{Type: ErrAuthentication, Message: message}
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(message string) *Error {
	return &Error{Type: ErrNotFound, Message: message}
}

// NewSessionNotFoundError is the NotFound error for a session id.
func NewSessionNotFoundError(sessionID string) *Error {
	return &Error{Type: ErrNotFound, Message: "session not found", Param: sessionID}
}

// NewConflictError creates a conflict error.
func NewConflictError(message string) *Error {
	return &Error{Type: ErrConflict, Message: message}
}

// NewRateLimitError creates a rate limit error.
func NewRateLimitError(message string, retryAfter int) *Error {
	return &Error{Type: ErrRateLimit, Message: message, RetryAfter: &retryAfter}
}

// NewOverloadedError creates an overloaded error.
func NewOverloadedError(message string) *Error {
	return &Error{Type: ErrOverloaded, Message: message}
}

// NewInternalError creates an internal error. The message is client-visible; keep details in cause.
func NewInternalError(message string, cause error) *Error {
	return &Error{Type: ErrInternal, Message: message, cause: cause}
}

// NewProviderError wraps a failure from a transcription or response engine.
func NewProviderError(engine string, underlying error) *Error {
	return &Error{Type: ErrProvider, Message: engine + " failed", cause: underlying}
}

// NewSequenceError reports a chunk whose sequence is not last+1.
func NewSequenceError(got, expected int) *Error {
	return &Error{
		Type:    ErrSequence,
		Message: fmt.Sprintf("bad sequence: %d, expected %d", got, expected),
		Param:   "sequence",
	}
}

// NewCapacityExceededError reports an audio limit overflow.
func NewCapacityExceededError(message string) *Error {
	return &Error{Type: ErrCapacityExceeded, Message: message}
}

// NewAudioClosedError reports audio activity after audio.end or session.end.
func NewAudioClosedError() *Error {
	return &Error{Type: ErrAudioClosed, Message: "audio is closed for this session"}
}

// NewDecodeError reports a malformed payload.
func NewDecodeError(message, param string) *Error {
	return &Error{Type: ErrDecode, Message: message, Param: param}
}

// NewUnknownMessageTypeError reports an unsupported envelope type.
func NewUnknownMessageTypeError(msgType string) *Error {
	return &Error{Type: ErrUnknownMessageType, Message: fmt.Sprintf("unknown message type %q", msgType), Param: "type"}
}

// NewIllegalTransitionError reports an event that the session state does not accept.
func NewIllegalTransitionError(from, event string) *Error {
	return &Error{
		Type:    ErrIllegalTransition,
		Message: fmt.Sprintf("%s is not allowed in state %s", event, from),
	}
}

// IsRetryable returns true if the error is retryable.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrRateLimit, ErrOverloaded, ErrProvider:
		return true
	default:
		return false
	}
}
