// Package api is the authenticated HTTP layer of the dashboard client. It
// attaches the bearer credential to every request, refreshes it ahead of
// expiry, retries exactly once after a 401 through a single-flight
// refresh, and wraps responses so their bodies can be read repeatedly.
package api

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, api.ErrNotFound) to check.
var (
	ErrBadRequest   = errors.New("api: bad request")
	ErrUnauthorized = errors.New("api: unauthorized")
	ErrForbidden    = errors.New("api: forbidden")
	ErrNotFound     = errors.New("api: not found")
	ErrConflict     = errors.New("api: conflict")
	ErrThrottled    = errors.New("api: throttled")
	ErrServerError  = errors.New("api: server error")
	ErrUnexpected   = errors.New("api: unexpected status")
)

var (
	// ErrRefreshFailed is returned by Refresh when the authority rejected the
	// refresh credential or could not be reached. No credential was changed.
	ErrRefreshFailed = errors.New("api: credential refresh failed")

	// ErrCredentialCleared accompanies ErrRefreshFailed when the credential
	// was cleared while the refresh was in flight. The new token is dropped.
	ErrCredentialCleared = errors.New("api: credential cleared during refresh")

	// ErrNoJobID is returned by StartJob when the server accepted the
	// request but did not return a job identifier.
	ErrNoJobID = errors.New("api: response carried no job id")
)

// APIError wraps a sentinel error with HTTP status code, request ID, and the
// server's error message for debugging.
type APIError struct {
	StatusCode int
	RequestID  string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("api: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("api: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		if code >= http.StatusOK && code < http.StatusMultipleChoices {
			return nil
		}

		return ErrUnexpected
	}
}

// errorBody is the error envelope the backend uses.
type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// AsError converts a non-2xx response into an *APIError. It returns nil for
// 2xx responses. The body is read through the response cache, so callers
// can still inspect it afterwards.
func AsError(resp *Response) error {
	sentinel := classifyStatus(resp.StatusCode)
	if sentinel == nil {
		return nil
	}

	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Err:        sentinel,
	}

	if resp.Request != nil {
		apiErr.RequestID = resp.Request.Header.Get(headerRequestID)
	}

	var eb errorBody
	if err := resp.JSON(&eb); err == nil && (eb.Message != "" || eb.Error != "") {
		apiErr.Message = eb.Message
		if apiErr.Message == "" {
			apiErr.Message = eb.Error
		}
	} else if text, textErr := resp.Text(); textErr == nil {
		apiErr.Message = text
	}

	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}

	return apiErr
}
