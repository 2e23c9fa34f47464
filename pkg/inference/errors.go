package inference

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Sentinel errors for common conditions.
var (
	// ErrNoAPIKey is returned when API key is required but missing.
	ErrNoAPIKey = errors.New("inference: API key required")

	// ErrNoProjectID is returned when CustomGPT has no project configured.
	ErrNoProjectID = errors.New("inference: project ID required")

	// ErrProviderUnavailable is returned when no providers are available.
	ErrProviderUnavailable = errors.New("inference: provider unavailable")

	// ErrStreamClosed is returned when reading from a closed stream.
	ErrStreamClosed = errors.New("inference: stream closed")

	// ErrEmptyPrompt is returned when the request has no user message.
	ErrEmptyPrompt = errors.New("inference: empty prompt")

	// ErrEmptyCompletion is returned when the provider produced no text.
	ErrEmptyCompletion = errors.New("inference: empty completion")

	// ErrQuotaExceeded is returned when the account is out of credits.
	ErrQuotaExceeded = errors.New("inference: quota exceeded")
)

// APIError represents an error response from an inference API.
type APIError struct {
	// StatusCode is the HTTP status code.
	StatusCode int

	// Message is the error message from the API.
	Message string

	// Code is the error code (if provided).
	Code string

	// Provider identifies which provider returned the error.
	Provider string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("inference [%s]: API error %d (%s): %s",
			e.Provider, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("inference [%s]: API error %d: %s",
		e.Provider, e.StatusCode, e.Message)
}

// IsQuotaExceeded returns true if the account has run out of credits.
func (e *APIError) IsQuotaExceeded() bool {
	if e.StatusCode == http.StatusPaymentRequired {
		return true
	}
	code := strings.ToLower(e.Code)
	return strings.Contains(code, "quota") || strings.Contains(code, "insufficient")
}

// IsRateLimited returns true if this is a rate limit error (HTTP 429).
func (e *APIError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests && !e.IsQuotaExceeded()
}

// IsUnauthorized returns true if this is an authentication error (HTTP 401).
func (e *APIError) IsUnauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// IsServerError returns true if this is a server-side error (HTTP 5xx).
func (e *APIError) IsServerError() bool {
	return e.StatusCode >= 500 && e.StatusCode < 600
}

// IsRetryable returns true if the request should be retried.
func (e *APIError) IsRetryable() bool {
	return e.IsRateLimited() || e.IsServerError()
}

// Is maps API errors onto the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrQuotaExceeded:
		return e.IsQuotaExceeded()
	case ErrNoAPIKey:
		return e.IsUnauthorized()
	}
	return false
}

// ProviderError wraps an error with provider context.
type ProviderError struct {
	Provider string
	Err      error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("inference [%s]: %v", e.Provider, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// WrapError wraps an error with provider context.
func WrapError(provider string, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Provider: provider, Err: err}
}
