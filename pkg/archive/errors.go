package archive

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed arguments. No storage was touched.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks an operation on a conversation that does not exist.
	ErrNotFound = errors.New("conversation not found")
	// ErrStorage marks a failure reading or writing the key-value store.
	ErrStorage = errors.New("storage failure")
	// ErrInvalidArgument is returned by KeyFor for an empty user id.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Error is the structured failure returned by every Service operation.
// Use errors.Is with ErrValidation, ErrNotFound or ErrStorage to classify it.
type Error struct {
	Op        string
	Kind      error
	SessionID string
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("archive %s: %v", e.Op, e.Kind)
	if e.SessionID != "" {
		msg += fmt.Sprintf(" (session %s)", e.SessionID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func validationError(op, msg string) *Error {
	return &Error{Op: op, Kind: ErrValidation, Err: errors.New(msg)}
}

// wrap classifies err for op. Errors that are already *Error pass through.
func wrap(op, sessionID string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, ErrInvalidArgument) {
		return &Error{Op: op, Kind: ErrValidation, SessionID: sessionID, Err: err}
	}
	return &Error{Op: op, Kind: ErrStorage, SessionID: sessionID, Err: err}
}
