package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType represents the category of error
type ErrorType int

const (
	// ErrorTypeInternal indicates an unexpected server-side failure
	ErrorTypeInternal ErrorType = iota
	// ErrorTypeUnauthorized indicates a missing or invalid credential
	ErrorTypeUnauthorized
	// ErrorTypeNotAMember indicates a room operation by a non-member
	ErrorTypeNotAMember
	// ErrorTypeNotFound indicates an unknown room or message
	ErrorTypeNotFound
	// ErrorTypePersistence indicates a failed store write
	ErrorTypePersistence
	// ErrorTypeProtocol indicates a malformed or unknown frame
	ErrorTypeProtocol
	// ErrorTypeConnectionClosed indicates a send on a dead connection
	ErrorTypeConnectionClosed
	// ErrorTypeAlreadyExists indicates a duplicate room
	ErrorTypeAlreadyExists
	// ErrorTypeValidation indicates a well-formed but invalid request
	ErrorTypeValidation
	// ErrorTypeRateLimited indicates inbound throttling
	ErrorTypeRateLimited
	// ErrorTypeTimeout indicates an operation timed out
	ErrorTypeTimeout
)

// Wire error codes.
const (
	CodeInternal           = "INTERNAL"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeNotAMember         = "NOT_A_MEMBER"
	CodeRoomNotFound       = "ROOM_NOT_FOUND"
	CodeMessageNotFound    = "MESSAGE_NOT_FOUND"
	CodePersistenceFailure = "PERSISTENCE_FAILURE"
	CodeProtocolError      = "PROTOCOL_ERROR"
	CodeConnectionClosed   = "CONNECTION_CLOSED"
	CodeAlreadyExists      = "ALREADY_EXISTS"
	CodeValidation         = "VALIDATION"
	CodeRateLimited        = "RATE_LIMITED"
	CodeTimeout            = "TIMEOUT"
)

// Sentinels for errors.Is. Matching compares Type and Code only, so any
// error built with the same pair matches regardless of message or cause.
var (
	ErrUnauthorized       = New(ErrorTypeUnauthorized, CodeUnauthorized, "unauthorized")
	ErrNotAMember         = New(ErrorTypeNotAMember, CodeNotAMember, "not a member of this room")
	ErrRoomNotFound       = New(ErrorTypeNotFound, CodeRoomNotFound, "room not found")
	ErrMessageNotFound    = New(ErrorTypeNotFound, CodeMessageNotFound, "message not found")
	ErrPersistenceFailure = New(ErrorTypePersistence, CodePersistenceFailure, "failed to persist")
	ErrProtocol           = New(ErrorTypeProtocol, CodeProtocolError, "protocol error")
	ErrConnectionClosed   = New(ErrorTypeConnectionClosed, CodeConnectionClosed, "connection closed")
	ErrAlreadyExists      = New(ErrorTypeAlreadyExists, CodeAlreadyExists, "already exists")
	ErrValidation         = New(ErrorTypeValidation, CodeValidation, "invalid request")
	ErrRateLimited        = New(ErrorTypeRateLimited, CodeRateLimited, "rate limit exceeded")
	ErrInternal           = New(ErrorTypeInternal, CodeInternal, "internal error")
)

// Error represents a structured error with metadata
type Error struct {
	Type      ErrorType `json:"type"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		if e.Details != "" {
			return fmt.Sprintf("[%s] %s: %s (caused by: %v)", e.Code, e.Message, e.Details, e.Cause)
		}
		return fmt.Sprintf("[%s] %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if the error is of a specific type
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// New creates a new error
func New(errorType ErrorType, code, message string) *Error {
	return &Error{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, errorType ErrorType, code, message string) *Error {
	return &Error{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
	}
}

// WithDetails returns a copy of e carrying details. Sentinels are never
// modified.
func (e *Error) WithDetails(details string) *Error {
	c := *e
	c.Details = details
	c.Timestamp = time.Now()
	return &c
}

// WithCause returns a copy of e wrapping cause.
func (e *Error) WithCause(cause error) *Error {
	c := *e
	c.Cause = cause
	c.Timestamp = time.Now()
	return &c
}

// From returns err as *Error. Errors that are not structured are reported
// as internal errors wrapping the original.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrorTypeInternal, CodeInternal, "internal error")
}

// Public returns the code and message safe to send to a client. Internal
// causes are not exposed.
func Public(err error) (code, message string) {
	e := From(err)
	if e.Type == ErrorTypeInternal {
		return CodeInternal, "internal error"
	}
	if e.Details != "" {
		return e.Code, e.Message + ": " + e.Details
	}
	return e.Code, e.Message
}
