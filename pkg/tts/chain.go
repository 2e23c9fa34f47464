package tts

import (
	"time"

	"github.com/teslashibe/go-talkback/pkg/fallback"
	"github.com/teslashibe/go-talkback/pkg/retry"
)

// Chain is a fallback chain of TTS providers.
type Chain = fallback.Chain[string, *AudioResult]

// DefaultPolicy is the retry policy for TTS: three attempts per provider.
func DefaultPolicy() retry.Policy {
	return retry.DefaultPolicy().
		WithMaxAttempts(3).
		WithDelays(200*time.Millisecond, 2*time.Second)
}

// NewChain builds a fallback chain that tries providers in order.
// At least one provider is required.
func NewChain(policy retry.Policy, providers []Provider, opts ...fallback.Option) (*Chain, error) {
	if len(providers) == 0 {
		return nil, ErrProviderUnavailable
	}

	links := make([]fallback.Link[string, *AudioResult], len(providers))
	for i, p := range providers {
		links[i] = fallback.Link[string, *AudioResult]{
			Name: p.Name(),
			Call: p.Synthesize,
		}
	}
	return fallback.New(fallback.CapabilityTTS, policy, links, opts...)
}
