package stt

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for common error conditions.
var (
	// ErrNoAPIKey is returned when the API key is missing.
	ErrNoAPIKey = errors.New("stt: API key required")

	// ErrEmptyAudio is returned for zero-length input.
	ErrEmptyAudio = errors.New("stt: audio is empty")

	// ErrAudioTooLarge is returned when input exceeds MaxAudioSize.
	ErrAudioTooLarge = errors.New("stt: audio too large")

	// ErrUnsupportedFormat is returned when the provider cannot decode the MIME type.
	ErrUnsupportedFormat = errors.New("stt: unsupported audio format")

	// ErrQuotaExceeded is returned when the account is out of credits.
	ErrQuotaExceeded = errors.New("stt: quota exceeded")

	// ErrEmptyTranscript is returned when the provider heard nothing.
	// The chain treats it as fatal for that provider and moves on.
	ErrEmptyTranscript = errors.New("stt: empty transcript")

	// ErrProviderUnavailable is returned when no providers are configured.
	ErrProviderUnavailable = errors.New("stt: no providers available")
)

// APIError represents an error response from an STT API.
type APIError struct {
	StatusCode int
	Message    string
	Code       string
	Provider   string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("stt [%s]: API error %d (%s): %s", e.Provider, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("stt [%s]: API error %d: %s", e.Provider, e.StatusCode, e.Message)
}

// IsQuotaExceeded returns true when the account has no remaining credits.
func (e *APIError) IsQuotaExceeded() bool {
	if e.StatusCode == 402 {
		return true
	}
	code := strings.ToLower(e.Code)
	return strings.Contains(code, "quota") || strings.Contains(code, "insufficient")
}

// IsUnsupportedFormat returns true when the vendor could not decode the audio.
func (e *APIError) IsUnsupportedFormat() bool {
	return e.StatusCode == 415 || strings.Contains(strings.ToLower(e.Code), "format")
}

// IsRetryable returns true for rate limits and server errors.
func (e *APIError) IsRetryable() bool {
	if e.IsQuotaExceeded() {
		return false
	}
	return e.StatusCode == 429 || (e.StatusCode >= 500 && e.StatusCode < 600)
}

// Is maps API errors onto the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrQuotaExceeded:
		return e.IsQuotaExceeded()
	case ErrUnsupportedFormat:
		return e.IsUnsupportedFormat()
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
	return fmt.Sprintf("stt [%s]: %v", e.Provider, e.Err)
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
