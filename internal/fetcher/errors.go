package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

var (
	// ErrMissingAPIKey is returned when the connector is built without a credential.
	ErrMissingAPIKey = errors.New("polygon api key is required")
	// ErrInvalidSymbol rejects blank ticker symbols before any request is made.
	ErrInvalidSymbol = errors.New("symbol must not be empty")
)

// TransportError wraps connection, DNS and timeout failures.
type TransportError struct {
	Endpoint string
	Timeout  bool
	Err      error
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("polygon %s: timeout: %v", e.Endpoint, e.Err)
	}
	return fmt.Sprintf("polygon %s: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("polygon %s: http %d: %s", e.Endpoint, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("polygon %s: http %d", e.Endpoint, e.StatusCode)
}

// APIError is a 2xx response whose payload carries status "ERROR".
type APIError struct {
	Endpoint  string
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("polygon %s: api error: %s", e.Endpoint, e.Message)
}

// RateLimited reports whether the upstream rejected the call for exceeding its quota.
func (e *APIError) RateLimited() bool {
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "maximum requests") || strings.Contains(msg, "rate limit")
}

// IsRetryable classifies failures worth another attempt: transport problems,
// timeouts, throttling and upstream 5xx responses. Caller cancellation is never retried.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return true
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests,
			statusErr.StatusCode == http.StatusRequestTimeout,
			statusErr.StatusCode >= http.StatusInternalServerError:
			return true
		}
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RateLimited()
	}

	return false
}

func isNotFound(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound
}

func newTransportError(endpoint string, err error) *TransportError {
	timeout := errors.Is(err, context.DeadlineExceeded)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		timeout = true
	}
	return &TransportError{Endpoint: endpoint, Timeout: timeout, Err: err}
}

type errorResponse struct {
	Status  string `json:"status"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(endpoint string, status int, payload []byte) error {
	statusErr := &StatusError{Endpoint: endpoint, StatusCode: status}

	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		switch {
		case apiErr.Error != "":
			statusErr.Message = apiErr.Error
		case apiErr.Message != "":
			statusErr.Message = apiErr.Message
		case apiErr.Status != "":
			statusErr.Message = apiErr.Status
		}
		return statusErr
	}

	statusErr.Message = strings.TrimSpace(string(payload))
	return statusErr
}
