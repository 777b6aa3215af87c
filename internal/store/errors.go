package store

import "errors"

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnknownDriver is returned by Open for an unsupported storage driver.
	ErrUnknownDriver = errors.New("unknown storage driver")
)
