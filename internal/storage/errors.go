package storage

import "errors"

// Common storage errors
var (
	ErrNotFound = errors.New("record not found")

	// ErrSnapshotNotFound is returned when results reference a snapshot id
	// that was never stored
	ErrSnapshotNotFound = errors.New("referenced snapshot does not exist")
)
