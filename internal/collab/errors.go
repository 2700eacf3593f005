package collab

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindNotFound             Kind = "not_found"
	KindInvalidState         Kind = "invalid_state"
	KindCapacityExceeded     Kind = "capacity_exceeded"
	KindDuplicateParticipant Kind = "duplicate_participant"
	KindLockNotHeld          Kind = "lock_not_held"
	KindInvalidArgument      Kind = "invalid_argument"
	KindAlreadyExists        Kind = "already_exists"
	KindLockHeld             Kind = "lock_held"
)

// Error is the structured failure returned for every expected outcome of a
// coordinator call. Storage and collaborator failures are returned as plain
// wrapped errors instead.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches the kind sentinels below, so errors.Is(err, ErrNotFound) holds
// for any NotFound error regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Details == nil
}

var (
	ErrNotFound             = &Error{Kind: KindNotFound}
	ErrInvalidState         = &Error{Kind: KindInvalidState}
	ErrCapacityExceeded     = &Error{Kind: KindCapacityExceeded}
	ErrDuplicateParticipant = &Error{Kind: KindDuplicateParticipant}
	ErrLockNotHeld          = &Error{Kind: KindLockNotHeld}
	ErrInvalidArgument      = &Error{Kind: KindInvalidArgument}
	ErrAlreadyExists        = &Error{Kind: KindAlreadyExists}
	ErrLockHeld             = &Error{Kind: KindLockHeld}
)

// KindOf returns the kind of a coordinator error, or "" for anything else.
func KindOf(err error) Kind {
	var collabErr *Error
	if errors.As(err, &collabErr) {
		return collabErr.Kind
	}
	return ""
}

func newError(kind Kind, message string, details map[string]any) *Error {
	return &Error{Kind: kind, Message: message, Details: details}
}
