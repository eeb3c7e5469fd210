package apiclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxErrorBodyBytes = 64 * 1024

var (
	// ErrNoToken is returned when neither the keyring nor the backend can supply a session token.
	ErrNoToken = errors.New("no backend session token available")

	// ErrSessionRejected is returned when the backend refuses a freshly
	// bootstrapped session token. It says nothing about any account.
	ErrSessionRejected = errors.New("backend rejected the session token")

	// ErrUnexpectedResponse is returned when a success body cannot be decoded.
	ErrUnexpectedResponse = errors.New("unexpected backend response")
)

// APIError is a non-2xx answer from the backend.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Message)
}

// HTTPStatus exposes the status code to error classifiers.
func (e *APIError) HTTPStatus() int {
	return e.StatusCode
}

// ErrorCode exposes the machine readable code, if the backend sent one.
func (e *APIError) ErrorCode() string {
	return e.Code
}

// errorBody covers both shapes the backend uses: {"detail": ...} from the
// framework and {"code": ..., "message": ...} from the session middleware.
type errorBody struct {
	Detail  json.RawMessage `json:"detail"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
}

func parseAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	body := strings.TrimSpace(string(raw))

	var parsed errorBody
	if body != "" && json.Unmarshal(raw, &parsed) == nil {
		apiErr.Code = parsed.Code
		switch {
		case parsed.Message != "":
			apiErr.Message = parsed.Message
		case len(parsed.Detail) > 0:
			apiErr.Message = detailText(parsed.Detail)
		case parsed.Error != "":
			apiErr.Message = parsed.Error
		}
	} else if body != "" {
		apiErr.Message = body
	}

	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// detailText flattens "detail", which is a string for HTTP errors and a list
// of objects for validation errors.
func detailText(detail json.RawMessage) string {
	var text string
	if err := json.Unmarshal(detail, &text); err == nil {
		return text
	}
	return string(detail)
}

func asAPIError(err error, target **APIError) bool {
	return err != nil && errors.As(err, target)
}
