// Package apiclient talks to the local email backend over HTTP.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"deskmail/pkg/log"
	"deskmail/pkg/models"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

const (
	// SessionTokenHeader carries the per-launch token on every request.
	SessionTokenHeader = "X-Session-Token"

	// unauthorizedCode marks a rejected session token, as opposed to an expired account.
	unauthorizedCode = "UNAUTHORIZED"

	defaultRequestTimeout = 30 * time.Second
	defaultRetryMax       = 3
	defaultRetryWaitMin   = 200 * time.Millisecond
	defaultRetryWaitMax   = 2 * time.Second
	maxBodyBytes          = 8 << 20
)

// Client is the set of backend operations the shell uses.
type Client interface {
	InitiateOAuth(ctx context.Context, creds models.OAuthCredentials) (*models.Authorization, error)
	Reauthorize(ctx context.Context, accountID string) (*models.Authorization, error)
	ListAccounts(ctx context.Context) ([]models.Account, error)
	ListLabels(ctx context.Context, accountID string) ([]models.Label, error)
	ModifyMessage(ctx context.Context, accountID, messageID string, req models.ModifyMessageRequest) error
	DeleteMessage(ctx context.Context, accountID, messageID string, permanent bool) (*models.DeleteResult, error)
	DisconnectAccount(ctx context.Context, accountID string) error
}

// Options tunes the HTTP client. Zero values take defaults.
type Options struct {
	RequestTimeout time.Duration
	RetryMax       int
	RetryWaitMin   time.Duration
	RetryWaitMax   time.Duration
	// Tokens is consulted for the session token before the bootstrap endpoint.
	Tokens TokenGetter
}

// HTTPClient implements Client against a discovered endpoint.
type HTTPClient struct {
	endpoint models.Endpoint
	client   *retryablehttp.Client
	tokens   *tokenSource
	logger   zerolog.Logger
}

var _ Client = (*HTTPClient)(nil)

// New creates a client for endpoint.
func New(endpoint models.Endpoint, opts Options) *HTTPClient {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.RetryMax < 0 {
		opts.RetryMax = 0
	} else if opts.RetryMax == 0 {
		opts.RetryMax = defaultRetryMax
	}
	if opts.RetryWaitMin <= 0 {
		opts.RetryWaitMin = defaultRetryWaitMin
	}
	if opts.RetryWaitMax <= 0 {
		opts.RetryWaitMax = defaultRetryWaitMax
	}

	c := &HTTPClient{
		endpoint: endpoint,
		client:   CreateRetryableClient(endpoint, opts.RetryMax, opts.RetryWaitMin, opts.RetryWaitMax, opts.RequestTimeout),
		logger:   log.Component("apiclient"),
	}
	c.tokens = &tokenSource{store: opts.Tokens, bootstrap: c.bootstrapToken}
	return c
}

// Endpoint returns the backend base URL.
func (c *HTTPClient) Endpoint() models.Endpoint {
	return c.endpoint
}

// InitiateOAuth starts connecting a new account.
func (c *HTTPClient) InitiateOAuth(ctx context.Context, creds models.OAuthCredentials) (*models.Authorization, error) {
	var auth models.Authorization
	if err := c.call(ctx, http.MethodPost, "/api/email/auth/initiate", nil, creds, &auth); err != nil {
		return nil, err
	}
	return &auth, nil
}

// Reauthorize asks for a fresh authorization URL for an existing account.
func (c *HTTPClient) Reauthorize(ctx context.Context, accountID string) (*models.Authorization, error) {
	var auth models.Authorization
	path := "/api/email/auth/reauthorize/" + url.PathEscape(accountID)
	if err := c.call(ctx, http.MethodPost, path, nil, nil, &auth); err != nil {
		return nil, err
	}
	if auth.AuthURL == "" {
		return nil, fmt.Errorf("%w: empty auth_url", ErrUnexpectedResponse)
	}
	return &auth, nil
}

// ListAccounts returns the connected accounts.
func (c *HTTPClient) ListAccounts(ctx context.Context) ([]models.Account, error) {
	var status models.AuthStatus
	if err := c.call(ctx, http.MethodGet, "/api/email/auth/status", nil, nil, &status); err != nil {
		return nil, err
	}
	return status.Accounts, nil
}

// ListLabels returns the labels of one account. It is the cheapest call that
// proves an account's authorization works.
func (c *HTTPClient) ListLabels(ctx context.Context, accountID string) ([]models.Label, error) {
	var labels []models.Label
	query := url.Values{"account_id": {accountID}}
	if err := c.call(ctx, http.MethodGet, "/api/email/labels", query, nil, &labels); err != nil {
		return nil, err
	}
	return labels, nil
}

// ModifyMessage adds and removes labels on a message.
func (c *HTTPClient) ModifyMessage(ctx context.Context, accountID, messageID string, req models.ModifyMessageRequest) error {
	query := url.Values{"account_id": {accountID}}
	return c.call(ctx, http.MethodPut, "/api/email/messages/"+url.PathEscape(messageID), query, req, nil)
}

// DeleteMessage trashes a message, or removes it for good when permanent is set.
func (c *HTTPClient) DeleteMessage(ctx context.Context, accountID, messageID string, permanent bool) (*models.DeleteResult, error) {
	query := url.Values{
		"account_id": {accountID},
		"permanent":  {strconv.FormatBool(permanent)},
	}
	var result models.DeleteResult
	if err := c.call(ctx, http.MethodDelete, "/api/email/messages/"+url.PathEscape(messageID), query, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DisconnectAccount removes an account from the backend.
func (c *HTTPClient) DisconnectAccount(ctx context.Context, accountID string) error {
	return c.call(ctx, http.MethodDelete, "/api/email/auth/disconnect/"+url.PathEscape(accountID), nil, nil, nil)
}

// call performs an authenticated request and decodes a JSON answer into out.
// A rejected session token is resolved again and the request sent once more;
// a second rejection comes back as ErrSessionRejected without the 401.
func (c *HTTPClient) call(ctx context.Context, method, path string, query url.Values, in, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	err = c.do(ctx, method, path, query, token, in, out)
	if !isSessionRejection(err) {
		return err
	}

	c.logger.Warn().Str("path", path).Msg("Session token rejected, resolving it again")
	c.tokens.Invalidate()

	token, err = c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	err = c.do(ctx, method, path, query, token, in, out)
	if !isSessionRejection(err) {
		return err
	}

	c.tokens.Invalidate()
	var apiErr *APIError
	asAPIError(err, &apiErr)
	return fmt.Errorf("%w: %s %s: %s", ErrSessionRejected, method, path, apiErr.Message)
}

// isSessionRejection reports a 401 from the backend's session token check, as
// opposed to an account whose credential expired.
func isSessionRejection(err error) bool {
	var apiErr *APIError
	return asAPIError(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized && apiErr.Code == unauthorizedCode
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, token string, in, out any) error {
	target := c.endpoint.URL(path)
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("building %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set(SessionTokenHeader, token)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn().Err(closeErr).Msg("Failed to close response body")
		}
	}()

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("Backend request")

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return parseAPIError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(out); err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrUnexpectedResponse, method, path, err)
	}
	return nil
}

type tokenResponse struct {
	Token string `json:"token"`
}

// bootstrapToken asks the backend for its session token. This is the only
// request sent without one.
func (c *HTTPClient) bootstrapToken(ctx context.Context) (string, error) {
	var resp tokenResponse
	if err := c.do(ctx, http.MethodGet, "/api/auth/token", nil, "", nil, &resp); err != nil {
		// flattened so a bootstrap 401 is not mistaken for an expired account
		return "", fmt.Errorf("%w: %v", ErrNoToken, err) //nolint:errorlint // see above
	}
	return resp.Token, nil
}
