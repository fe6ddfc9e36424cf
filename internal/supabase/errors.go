// Package supabase is an HTTP client for the hosted backend's REST surfaces
// (object storage and auth) with automatic retry, backoff and error
// classification.
package supabase

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status classification.
// Use errors.Is(err, supabase.ErrNotFound) to check.
var (
	ErrBadRequest      = errors.New("supabase: bad request")
	ErrUnauthorized    = errors.New("supabase: unauthorized")
	ErrForbidden       = errors.New("supabase: forbidden")
	ErrNotFound        = errors.New("supabase: not found")
	ErrConflict        = errors.New("supabase: conflict")
	ErrPayloadTooLarge = errors.New("supabase: payload too large")
	ErrThrottled       = errors.New("supabase: throttled")
	ErrServerError     = errors.New("supabase: server error")
)

// APIError carries the HTTP status, the service error code when the body
// had one, and the sentinel for errors.Is.
type APIError struct {
	StatusCode int
	RequestID  string
	Code       string // e.g. "PGRST301", "invalid_grant", "not_found"
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	code := ""
	if e.Code != "" {
		code = " [" + e.Code + "]"
	}

	if e.RequestID != "" {
		return fmt.Sprintf("supabase: HTTP %d%s (request-id: %s): %s", e.StatusCode, code, e.RequestID, e.Message)
	}

	return fmt.Sprintf("supabase: HTTP %d%s: %s", e.StatusCode, code, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// errorBody covers the error shapes of the storage, auth and REST services.
type errorBody struct {
	Code             json.RawMessage `json:"code"`
	ErrorCode        string          `json:"error_code"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
	Message          string          `json:"message"`
	Msg              string          `json:"msg"`
}

// newAPIError builds an APIError from a non-2xx response body.
func newAPIError(status int, requestID string, body []byte) *APIError {
	e := &APIError{
		StatusCode: status,
		RequestID:  requestID,
		Message:    string(body),
		Err:        classifyStatus(status),
	}

	var eb errorBody
	if json.Unmarshal(body, &eb) != nil {
		return e
	}

	switch {
	case eb.ErrorCode != "":
		e.Code = eb.ErrorCode
	case len(eb.Code) > 0 && eb.Code[0] == '"':
		_ = json.Unmarshal(eb.Code, &e.Code)
	case eb.Error != "":
		e.Code = eb.Error
	}

	for _, m := range []string{eb.Message, eb.Msg, eb.ErrorDescription} {
		if m != "" {
			e.Message = m
			break
		}
	}

	// Storage reports missing objects as 400 with a not_found error.
	if status == http.StatusBadRequest && (e.Code == "not_found" || e.Code == "Not found") {
		e.Err = ErrNotFound
	}

	return e
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for codes without a sentinel.
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
	case http.StatusRequestEntityTooLarge:
		return ErrPayloadTooLarge
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether the given HTTP status code should be retried.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsTransient reports whether err is worth retrying later: throttling,
// server errors or a network failure that never produced a response.
func IsTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return isRetryable(apiErr.StatusCode)
	}

	return err != nil
}
