package store

import "errors"

var (
	// ErrSessionNotFound is returned when no row exists for the account.
	ErrSessionNotFound = errors.New("account session not found")

	// ErrDatabaseError is returned when a database operation fails.
	ErrDatabaseError = errors.New("database error")
)
