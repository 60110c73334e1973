package engine

import (
	"errors"
	"fmt"
)

// SyncError represents a failed engine operation.
//
// Sync errors include:
//   - Transport: the cell rejected a subscribe or write
//   - Malformed record: a notification could not be decoded (logged only)
//   - Engine stopped: the engine is no longer accepting work
//   - Invalid intent: the caller broke the intent contract
type SyncError struct {
	// Code identifies the error category.
	Code SyncErrorCode

	// Message is a human-readable description.
	Message string

	// Client is the identity of the engine that failed.
	Client string

	// Err is the underlying cause, if any.
	Err error
}

// SyncErrorCode categorizes sync errors.
type SyncErrorCode string

const (
	// ErrCodeTransport indicates the cell failed a read, write or subscribe.
	ErrCodeTransport SyncErrorCode = "TRANSPORT"

	// ErrCodeMalformedRecord indicates an undecodable notification payload.
	ErrCodeMalformedRecord SyncErrorCode = "MALFORMED_RECORD"

	// ErrCodeStopped indicates the engine has been stopped.
	ErrCodeStopped SyncErrorCode = "ENGINE_STOPPED"

	// ErrCodeInvalidIntent indicates an action the caller may not dispatch.
	ErrCodeInvalidIntent SyncErrorCode = "INVALID_INTENT"
)

// ErrStopped is returned by operations on an engine that is no longer running.
var ErrStopped = &SyncError{Code: ErrCodeStopped, Message: "engine stopped"}

// Error implements the error interface.
func (e *SyncError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Client != "" {
		msg = fmt.Sprintf("%s (client=%s)", msg, e.Client)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// IsTransportError returns true if err is a transport failure.
// Uses errors.As to handle wrapped errors.
func IsTransportError(err error) bool {
	return hasCode(err, ErrCodeTransport)
}

// IsStopped returns true if err reports a stopped engine.
func IsStopped(err error) bool {
	return hasCode(err, ErrCodeStopped)
}

// IsInvalidIntent returns true if err reports a rejected intent.
func IsInvalidIntent(err error) bool {
	return hasCode(err, ErrCodeInvalidIntent)
}

func hasCode(err error, code SyncErrorCode) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// newTransportError wraps a cell failure.
func newTransportError(client, op string, err error) *SyncError {
	return &SyncError{
		Code:    ErrCodeTransport,
		Message: op,
		Client:  client,
		Err:     err,
	}
}
