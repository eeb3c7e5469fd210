package models

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidEndpoint is returned when a backend base URL cannot be used.
var ErrInvalidEndpoint = errors.New("invalid endpoint")

// Endpoint is the base URL of the backend service.
// It is a value type: switching to another backend replaces the whole Endpoint.
type Endpoint struct {
	base string
}

// NewEndpoint validates raw and returns it as an Endpoint without trailing slashes.
func NewEndpoint(raw string) (Endpoint, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(raw), "/")
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %w", ErrInvalidEndpoint, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return Endpoint{}, fmt.Errorf("%w: %q must start with http:// or https://", ErrInvalidEndpoint, raw)
	}
	if parsed.Host == "" {
		return Endpoint{}, fmt.Errorf("%w: %q has no host", ErrInvalidEndpoint, raw)
	}
	return Endpoint{base: trimmed}, nil
}

// MustEndpoint is NewEndpoint for compile-time constants. It panics on invalid input.
func MustEndpoint(raw string) Endpoint {
	ep, err := NewEndpoint(raw)
	if err != nil {
		panic(err)
	}
	return ep
}

// LoopbackEndpoint returns http://127.0.0.1:<port>.
func LoopbackEndpoint(port int) Endpoint {
	return Endpoint{base: fmt.Sprintf("http://127.0.0.1:%d", port)}
}

// String returns the base URL.
func (e Endpoint) String() string {
	return e.base
}

// IsZero reports whether the endpoint was never set.
func (e Endpoint) IsZero() bool {
	return e.base == ""
}

// IsTLS reports whether the endpoint uses https.
func (e Endpoint) IsTLS() bool {
	return strings.HasPrefix(e.base, "https://")
}

// URL joins path onto the base URL.
func (e Endpoint) URL(path string) string {
	if path == "" {
		return e.base
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return e.base + path
}

// MarshalText implements encoding.TextMarshaler so endpoints render as plain strings in JSON.
func (e Endpoint) MarshalText() ([]byte, error) {
	return []byte(e.base), nil
}
