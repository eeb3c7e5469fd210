package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"testing"

	"deskmail/pkg/apiclient"

	"github.com/stretchr/testify/assert"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.Error = timeoutError{}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Classification
	}{
		{
			name: "nil",
			err:  nil,
			want: Classification{Kind: KindNone},
		},
		{
			name: "status 401",
			err:  &apiclient.APIError{StatusCode: 401, Message: "Access token expired. Please reconnect your account."},
			want: Classification{AuthExpired: true, Kind: KindAuthExpired},
		},
		{
			name: "wrapped status 401",
			err:  fmt.Errorf("listing labels: %w", &apiclient.APIError{StatusCode: 401}),
			want: Classification{AuthExpired: true, Kind: KindAuthExpired},
		},
		{
			name: "auth code on another status",
			err:  &apiclient.APIError{StatusCode: 400, Code: "invalid_grant", Message: "Bad Request"},
			want: Classification{AuthExpired: true, Kind: KindAuthExpired},
		},
		{
			name: "structured error is not matched by wording",
			err:  &apiclient.APIError{StatusCode: 400, Message: "OAuth flow expired"},
			want: Classification{Kind: KindOperation},
		},
		{
			name: "server error",
			err:  &apiclient.APIError{StatusCode: 500, Message: "database is locked"},
			want: Classification{Kind: KindOperation},
		},
		{
			name: "network timeout",
			err:  &url.Error{Op: "Get", URL: "http://127.0.0.1:8000/api/auth/token", Err: timeoutError{}},
			want: Classification{Kind: KindTransport},
		},
		{
			name: "bare net error",
			err:  timeoutError{},
			want: Classification{Kind: KindTransport},
		},
		{
			name: "deadline exceeded",
			err:  fmt.Errorf("polling: %w", context.DeadlineExceeded),
			want: Classification{Kind: KindTransport},
		},
		{
			name: "unstructured revoked",
			err:  errors.New("Token has been expired or revoked."),
			want: Classification{AuthExpired: true, Kind: KindAuthExpired},
		},
		{
			name: "unstructured 401 text",
			err:  errors.New("request failed with status 401"),
			want: Classification{AuthExpired: true, Kind: KindAuthExpired},
		},
		{
			name: "session token rejected",
			err:  fmt.Errorf("%w: GET /api/email/labels: invalid session token", apiclient.ErrSessionRejected),
			want: Classification{Kind: KindSession},
		},
		{
			name: "session token unavailable",
			err:  fmt.Errorf("%w: backend returned 401 (UNAUTHORIZED): no", apiclient.ErrNoToken),
			want: Classification{Kind: KindSession},
		},
		{
			name: "session middleware code alone",
			err:  &apiclient.APIError{StatusCode: 403, Code: "UNAUTHORIZED", Message: "invalid session token"},
			want: Classification{Kind: KindOperation},
		},
		{
			name: "unstructured other",
			err:  errors.New("message not found"),
			want: Classification{Kind: KindOperation},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyError(tt.err))
			assert.Equal(t, tt.want.AuthExpired, IsAuthExpired(tt.err))
		})
	}
}

func TestAuthExpiredErrorUnwraps(t *testing.T) {
	cause := &apiclient.APIError{StatusCode: 401}
	err := error(&AuthExpiredError{AccountID: "a1", Err: cause})

	var apiErr *apiclient.APIError
	assert.ErrorAs(t, err, &apiErr)
	assert.True(t, IsAuthExpired(err))
	assert.Contains(t, err.Error(), "a1")
}
