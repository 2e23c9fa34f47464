package fallback

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrChainExhausted matches any ExhaustedError.
	ErrChainExhausted = errors.New("fallback: chain exhausted")

	// ErrNoLinks is returned when a chain is built without providers.
	ErrNoLinks = errors.New("fallback: no providers configured")
)

// ExhaustedError is returned when every provider in a chain failed.
type ExhaustedError struct {
	Capability Capability

	// Attempts is the full ordered audit across all providers.
	Attempts []Attempt

	// Errors holds the final error of each provider, in chain order.
	Errors []error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("%s chain: exhausted with no errors recorded", e.Capability)
	}
	return fmt.Sprintf("%s chain: all %d providers failed after %d attempts, last error: %v",
		e.Capability, len(e.Errors), len(e.Attempts), e.Errors[len(e.Errors)-1])
}

// Is lets errors.Is match ErrChainExhausted.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrChainExhausted
}

// Unwrap returns the last provider error.
func (e *ExhaustedError) Unwrap() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e.Errors[len(e.Errors)-1]
}
