package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an id resolves to no item.
	ErrNotFound = errors.New("item not found")

	// ErrAmbiguousID is returned when a partial id matches more than one item.
	ErrAmbiguousID = errors.New("ambiguous item id")

	// ErrLocked is returned when another process holds the index write lock.
	ErrLocked = errors.New("index is locked by another process")
)

// InvalidArtifactError carries the path of an artifact that failed to parse or
// validate. The workflow engine never repairs in place; it defers to the
// doctor.
type InvalidArtifactError struct {
	Path   string
	Reason string
	Err    error
}

func (e *InvalidArtifactError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid artifact %s: %s", e.Path, e.Reason)
	}
	return fmt.Sprintf("invalid artifact %s: %v", e.Path, e.Err)
}

func (e *InvalidArtifactError) Unwrap() error { return e.Err }
