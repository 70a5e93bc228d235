package orchestrator

import (
	"errors"
	"fmt"

	"feedback-calls/internal/calls"
)

// Kind classifies an Error for the HTTP layer and the retry policy.
type Kind string

const (
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindProvider   Kind = "provider"
	KindAI         Kind = "ai"
	KindTimeout    Kind = "timeout"
	KindNotFound   Kind = "not_found"
)

// Public error codes. Raw provider codes never appear here; they live in the event log.
const (
	CodeInvalidPhoneNumber   = "INVALID_PHONE_NUMBER"
	CodeInvalidRequest       = "INVALID_REQUEST"
	CodeMaxRetriesExceeded   = "MAX_RETRIES_EXCEEDED"
	CodeCallAlreadyExists    = "CALL_ALREADY_EXISTS"
	CodeCallInitiationFailed = "CALL_INITIATION_FAILED"
	CodeSessionNotFound      = "SESSION_NOT_FOUND"
	CodeAlreadyConfirmed     = "ALREADY_CONFIRMED"
	CodeCallNotCompleted     = "CALL_NOT_COMPLETED"
)

type Error struct {
	Kind    Kind
	Code    string
	Message string

	// SessionID is set when a session was persisted before the failure.
	SessionID string

	// Confirmation carries the original confirmation on ALREADY_CONFIRMED.
	Confirmation *calls.Confirmation

	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func validationErr(code, msg string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: msg}
}

func conflictErr(code, msg string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: msg}
}

func notFoundErr(sessionID string) *Error {
	return &Error{Kind: KindNotFound, Code: CodeSessionNotFound, Message: "session not found", SessionID: sessionID, Err: calls.ErrNotFound}
}

// AsError extracts an *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HasCode reports whether err is an *Error with the given code.
func HasCode(err error, code string) bool {
	e, ok := AsError(err)
	return ok && e.Code == code
}
