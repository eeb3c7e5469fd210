package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"deskmail/pkg/log"
	"deskmail/pkg/models"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/rs/zerolog"
)

const (
	// DefaultProbeTimeout is also the upper bound for any configured probe timeout.
	DefaultProbeTimeout = 2 * time.Second
	healthPath          = "/health"
	maxHealthBodyBytes  = 64 << 10
)

// Prober performs bounded-time health checks against candidate endpoints.
type Prober struct {
	client  *http.Client
	timeout time.Duration
	logger  zerolog.Logger
}

// NewProber creates a prober. Timeouts outside (0, DefaultProbeTimeout] are clamped.
func NewProber(timeout time.Duration) *Prober {
	if timeout <= 0 || timeout > DefaultProbeTimeout {
		timeout = DefaultProbeTimeout
	}

	transport := cleanhttp.DefaultPooledTransport()
	transport.ResponseHeaderTimeout = timeout

	return &Prober{
		client:  &http.Client{Transport: transport, Timeout: timeout},
		timeout: timeout,
		logger:  log.Component("discovery"),
	}
}

// Probe reports whether endpoint is the expected backend and healthy.
// Every failure mode collapses to false.
func (p *Prober) Probe(ctx context.Context, endpoint models.Endpoint) bool {
	start := time.Now()
	health, err := p.Check(ctx, endpoint)
	if err != nil {
		p.logger.Debug().
			Str("endpoint", endpoint.String()).
			Dur("latency", time.Since(start)).
			Err(err).
			Msg("Health probe failed")
		return false
	}

	p.logger.Debug().
		Str("endpoint", endpoint.String()).
		Str("version", health.Version).
		Dur("latency", time.Since(start)).
		Msg("Health probe succeeded")
	return true
}

// Check fetches and validates {endpoint}/health, returning a classified error.
func (p *Prober) Check(ctx context.Context, endpoint models.Endpoint) (*models.HealthResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.URL(healthPath), nil)
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint.String(), Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint.String(), Err: err}
	}
	defer func() {
		// drain so the pooled connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxHealthBodyBytes))
		if closeErr := resp.Body.Close(); closeErr != nil {
			p.logger.Warn().Err(closeErr).Msg("Failed to close health check response body")
		}
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	var health models.HealthResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxHealthBodyBytes)).Decode(&health); err != nil {
		return nil, fmt.Errorf("%w: decoding health payload: %w", ErrServiceIdentityMismatch, err)
	}

	if health.Status != models.HealthyStatus {
		return nil, fmt.Errorf("%w: status %q", ErrServiceIdentityMismatch, health.Status)
	}
	if health.Version == "" {
		return nil, fmt.Errorf("%w: missing version", ErrServiceIdentityMismatch)
	}

	return &health, nil
}
