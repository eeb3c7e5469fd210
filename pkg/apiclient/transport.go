package apiclient

import (
	"context"
	"net/http"
	"time"

	"deskmail/pkg/log"
	"deskmail/pkg/models"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/net/http2"
)

// CreateRetryableClient creates a retryable HTTP client for backend requests.
func CreateRetryableClient(endpoint models.Endpoint, retryMax int, retryWaitMin, retryWaitMax, requestTimeout time.Duration) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{
		Transport: newTransport(endpoint),
		Timeout:   requestTimeout,
	}
	client.RetryMax = retryMax
	client.RetryWaitMin = retryWaitMin
	client.RetryWaitMax = retryWaitMax
	client.Logger = nil
	// Backend error answers carry the auth-expired signal, so they are returned, never retried.
	client.CheckRetry = customRetryPolicy
	return client
}

func newTransport(endpoint models.Endpoint) *http.Transport {
	transport := cleanhttp.DefaultPooledTransport()
	if endpoint.IsTLS() {
		if _, err := http2.ConfigureTransports(transport); err != nil {
			log.Warn().Err(err).Str("endpoint", endpoint.String()).Msg("HTTP/2 unavailable, using HTTP/1.1")
		}
	}
	return transport
}

// customRetryPolicy only retries on connection/timeout errors, not HTTP status errors.
func customRetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	if resp != nil {
		return false, nil
	}

	if err != nil {
		return true, nil //nolint:nilerr // retryablehttp reports the last error itself
	}

	return false, nil
}
