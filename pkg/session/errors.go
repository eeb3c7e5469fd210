package session

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned once the Recovery has been closed.
	ErrClosed = errors.New("session recovery closed")

	// ErrNoAccount is returned for an empty account id.
	ErrNoAccount = errors.New("account id required")
)

// AuthExpiredError marks an operation that failed because the account needs
// reauthorization. The original operation was not retried.
type AuthExpiredError struct {
	AccountID string
	Err       error
}

func (e *AuthExpiredError) Error() string {
	return fmt.Sprintf("account %s needs reauthorization: %v", e.AccountID, e.Err)
}

func (e *AuthExpiredError) Unwrap() error {
	return e.Err
}
