package stubbackend

import "errors"

var (
	// ErrUnknownFlow is returned when an authorization state was never issued or is already used.
	ErrUnknownFlow = errors.New("unknown authorization flow")

	// ErrUnknownAccount is returned for account ids the stub does not hold.
	ErrUnknownAccount = errors.New("unknown account")
)

const (
	expiredDetail      = "Access token expired. Please reconnect your account."
	unauthorizedCode   = "UNAUTHORIZED"
	sessionTokenHeader = "X-Session-Token"
)
