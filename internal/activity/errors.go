package activity

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes domain errors.
type ErrorKind string

const (
	// KindValidation marks bad input rejected before any store access.
	KindValidation ErrorKind = "validation"

	// KindReplay marks a stored patch that cannot be applied.
	// Replay errors indicate corrupt history and are never retried.
	KindReplay ErrorKind = "replay"

	// KindSourceUnavailable marks a source-of-truth read that failed or timed out.
	KindSourceUnavailable ErrorKind = "source_unavailable"

	// KindConstraintViolation marks a (object_type, object_id, version) collision on append.
	KindConstraintViolation ErrorKind = "constraint_violation"
)

// Error is the typed error returned across component boundaries.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Validationf returns a validation error with a formatted message.
func Validationf(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

// NewReplayError wraps a patch application failure at the given version.
func NewReplayError(key Key, version int64, err error) *Error {
	return &Error{
		Kind:    KindReplay,
		Op:      "reconstruct",
		Message: fmt.Sprintf("%s version %d", key, version),
		Err:     err,
	}
}

// NewSourceUnavailable wraps a failed source-of-truth read.
func NewSourceUnavailable(key Key, err error) *Error {
	return &Error{
		Kind:    KindSourceUnavailable,
		Op:      "read source",
		Message: key.String(),
		Err:     err,
	}
}

// NewConstraintViolation wraps a duplicate version error from the store.
func NewConstraintViolation(key Key, version int64, err error) *Error {
	return &Error{
		Kind:    KindConstraintViolation,
		Op:      "append",
		Message: fmt.Sprintf("%s version %d already exists", key, version),
		Err:     err,
	}
}

func isKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return isKind(err, KindValidation) }

// IsReplay reports whether err is a replay error.
func IsReplay(err error) bool { return isKind(err, KindReplay) }

// IsSourceUnavailable reports whether err is a source read failure.
func IsSourceUnavailable(err error) bool { return isKind(err, KindSourceUnavailable) }

// IsConstraintViolation reports whether err is a version collision.
func IsConstraintViolation(err error) bool { return isKind(err, KindConstraintViolation) }
