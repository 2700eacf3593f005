package store

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	// ErrStale is returned when a conditional write finds the row no longer
	// in the expected state.
	ErrStale = errors.New("stale write")
)
