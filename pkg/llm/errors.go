package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind classifies provider failures.
type ErrorKind string

const (
	ErrorAuth            ErrorKind = "auth"
	ErrorRateLimit       ErrorKind = "rate_limit"
	ErrorConnection      ErrorKind = "connection"
	ErrorTimeout         ErrorKind = "timeout"
	ErrorInvalidResponse ErrorKind = "invalid_response"
	ErrorConfig          ErrorKind = "config"
	ErrorUnknown         ErrorKind = "unknown"
)

// ProviderError is returned by a ModelClient once its own retries are spent.
type ProviderError struct {
	Provider string
	Kind     ErrorKind
	Status   int
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s provider %s error (status %d): %v", e.Provider, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s provider %s error: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsProviderError reports whether err wraps a *ProviderError.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}

func newProviderError(provider string, status int, err error) *ProviderError {
	return &ProviderError{
		Provider: provider,
		Kind:     classify(status, err),
		Status:   status,
		Err:      err,
	}
}

func classify(status int, err error) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorAuth
	case status == http.StatusTooManyRequests || status == 529:
		return ErrorRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ErrorTimeout
	case status != 0:
		return ErrorUnknown
	}
	if err == nil {
		return ErrorUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorTimeout
		}
		return ErrorConnection
	}
	return ErrorConnection
}
