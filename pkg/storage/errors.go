package storage

import "errors"

var (
	// ErrNotFound is returned when a row addressed by key does not exist
	ErrNotFound = errors.New("not found")

	// ErrInvalidConfig is returned when configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidEntry is returned when a policy row fails validation
	ErrInvalidEntry = errors.New("invalid entry")

	// ErrConnectionFailed is returned when the database cannot be opened
	ErrConnectionFailed = errors.New("connection failed")

	// ErrQueryFailed is returned when a statement fails
	ErrQueryFailed = errors.New("query failed")

	// ErrClosed is returned when attempting to use a closed store
	ErrClosed = errors.New("storage is closed")
)
