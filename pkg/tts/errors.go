package tts

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for common error conditions.
var (
	// ErrNoAPIKey is returned when the API key is missing.
	ErrNoAPIKey = errors.New("tts: API key required")

	// ErrNoVoiceID is returned when the voice ID is missing.
	ErrNoVoiceID = errors.New("tts: voice ID required")

	// ErrEmptyText is returned when there is nothing to speak.
	ErrEmptyText = errors.New("tts: text is empty")

	// ErrTextTooLong is returned when text exceeds MaxTextLength.
	ErrTextTooLong = errors.New("tts: text too long")

	// ErrInvalidVoice is returned when the vendor rejects the voice.
	ErrInvalidVoice = errors.New("tts: invalid voice")

	// ErrQuotaExceeded is returned when the account is out of credits.
	ErrQuotaExceeded = errors.New("tts: quota exceeded")

	// ErrEmptyAudio is returned when the vendor answers with no audio.
	ErrEmptyAudio = errors.New("tts: empty audio response")

	// ErrProviderUnavailable is returned when no providers are available.
	ErrProviderUnavailable = errors.New("tts: no providers available")
)

// APIError represents an error response from a TTS API.
type APIError struct {
	// StatusCode is the HTTP status code.
	StatusCode int

	// Message is the error message from the API.
	Message string

	// Code is the error code from the API (if provided).
	Code string

	// Provider identifies which provider returned the error.
	Provider string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tts [%s]: API error %d (%s): %s", e.Provider, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("tts [%s]: API error %d: %s", e.Provider, e.StatusCode, e.Message)
}

// IsRateLimited returns true if this is a rate limit error (HTTP 429).
func (e *APIError) IsRateLimited() bool {
	return e.StatusCode == 429 && !e.IsQuotaExceeded()
}

// IsUnauthorized returns true if this is an authentication error (HTTP 401).
func (e *APIError) IsUnauthorized() bool {
	return e.StatusCode == 401
}

// IsQuotaExceeded returns true when the account has no remaining credits.
// Vendors report this as 402, or as 429/401 with a quota code.
func (e *APIError) IsQuotaExceeded() bool {
	if e.StatusCode == 402 {
		return true
	}
	code := strings.ToLower(e.Code)
	return strings.Contains(code, "quota") || strings.Contains(code, "insufficient")
}

// IsInvalidVoice returns true when the vendor rejected the voice.
func (e *APIError) IsInvalidVoice() bool {
	code := strings.ToLower(e.Code)
	return e.StatusCode == 404 || strings.Contains(code, "voice")
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
	case ErrInvalidVoice:
		return e.IsInvalidVoice()
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
	return fmt.Sprintf("tts [%s]: %v", e.Provider, e.Err)
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
