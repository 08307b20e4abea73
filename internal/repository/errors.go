package repository

import "errors"

var (
	// ErrNotFound indicates an entity was not located.
	ErrNotFound = errors.New("repository: not found")
	// ErrConflict indicates a uniqueness constraint was violated.
	ErrConflict = errors.New("repository: conflict")
	// ErrStaleTransition indicates a terminal record was asked to change status.
	ErrStaleTransition = errors.New("repository: record already terminal")
)
