package session

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"

	"deskmail/pkg/apiclient"
)

// ErrorKind groups failures by how recovery treats them.
type ErrorKind string

const (
	KindNone        ErrorKind = "none"
	KindAuthExpired ErrorKind = "auth_expired"
	KindTransport   ErrorKind = "transport"
	KindOperation   ErrorKind = "operation"
	KindSession     ErrorKind = "session"
)

// Classification is the verdict of ClassifyError.
type Classification struct {
	AuthExpired bool
	Kind        ErrorKind
}

// statusCarrier and codeCarrier are implemented by structured API errors.
type statusCarrier interface {
	HTTPStatus() int
}

type codeCarrier interface {
	ErrorCode() string
}

var authErrorCodes = map[string]bool{
	"token_expired": true,
	"invalid_grant": true,
	"auth_expired":  true,
}

// authMarkers are matched against the lower-cased message of errors that carry
// no status or code. Backends that word failures differently slip through.
var authMarkers = []string{"401", "unauthorized", "expired", "revoked", "invalid_grant", "token"}

// ClassifyError decides whether err means the account credential is no longer
// accepted. Structured errors are judged by status and code alone; the message
// heuristic only applies to errors without either.
func ClassifyError(err error) Classification {
	if err == nil {
		return Classification{Kind: KindNone}
	}

	structured := false

	var status statusCarrier
	if errors.As(err, &status) {
		structured = true
		if status.HTTPStatus() == http.StatusUnauthorized {
			return Classification{AuthExpired: true, Kind: KindAuthExpired}
		}
	}

	var coded codeCarrier
	if errors.As(err, &coded) && coded.ErrorCode() != "" {
		structured = true
		if authErrorCodes[coded.ErrorCode()] {
			return Classification{AuthExpired: true, Kind: KindAuthExpired}
		}
	}

	if structured {
		return Classification{Kind: KindOperation}
	}

	// the shell's own session token, never an account credential
	if errors.Is(err, apiclient.ErrSessionRejected) || errors.Is(err, apiclient.ErrNoToken) {
		return Classification{Kind: KindSession}
	}

	if isTransport(err) {
		return Classification{Kind: KindTransport}
	}

	message := strings.ToLower(err.Error())
	for _, marker := range authMarkers {
		if strings.Contains(message, marker) {
			return Classification{AuthExpired: true, Kind: KindAuthExpired}
		}
	}

	return Classification{Kind: KindOperation}
}

// IsAuthExpired is shorthand for ClassifyError(err).AuthExpired.
func IsAuthExpired(err error) bool {
	return ClassifyError(err).AuthExpired
}

func isTransport(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
