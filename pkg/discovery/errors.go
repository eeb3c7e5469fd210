package discovery

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrDiscoveryTimeout is returned when no endpoint answered within the timeout budget.
	// It is terminal: the backend process has to be restarted.
	ErrDiscoveryTimeout = errors.New("backend did not become ready in time; restart the application")

	// ErrAlreadyStarted is returned by a second Run on the same Discovery.
	ErrAlreadyStarted = errors.New("discovery already started")

	// ErrServiceIdentityMismatch is returned when something answers /health
	// but is not the expected backend.
	ErrServiceIdentityMismatch = errors.New("service identity mismatch")

	// ErrInvalidPortFile is returned when the port file does not hold a usable port.
	ErrInvalidPortFile = errors.New("invalid port file")
)

// TransportError wraps a failed health request.
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("probe %s: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// StatusError is returned when /health answers with a non-2xx status.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return "backend returned status " + http.StatusText(e.StatusCode)
}

// ProcessLaunchError is the terminal failure raised by a launch failure event.
type ProcessLaunchError struct {
	Diagnostic string
}

func (e *ProcessLaunchError) Error() string {
	return "backend process failed to start: " + e.Diagnostic
}
