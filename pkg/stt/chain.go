package stt

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/teslashibe/go-talkback/pkg/fallback"
	"github.com/teslashibe/go-talkback/pkg/retry"
)

// Chain is a fallback chain of STT providers.
type Chain = fallback.Chain[*Audio, *Transcript]

// DefaultPolicy is the retry policy for STT: two attempts per provider.
func DefaultPolicy() retry.Policy {
	return retry.DefaultPolicy().
		WithMaxAttempts(2).
		WithDelays(250*time.Millisecond, 2*time.Second)
}

// NewChain builds a fallback chain that tries providers in order.
// Providers that do not accept the utterance's format fail fatally
// before any network call, and an empty transcript is a fatal failure.
func NewChain(policy retry.Policy, providers []Provider, opts ...fallback.Option) (*Chain, error) {
	if len(providers) == 0 {
		return nil, ErrProviderUnavailable
	}

	links := make([]fallback.Link[*Audio, *Transcript], len(providers))
	for i, p := range providers {
		links[i] = fallback.Link[*Audio, *Transcript]{
			Name: p.Name(),
			Call: func(ctx context.Context, audio *Audio) (*Transcript, error) {
				if !p.Accepts(audio.MIMEType) {
					return nil, WrapError(p.Name(), fmt.Errorf("%w: %s", ErrUnsupportedFormat, audio.MIMEType))
				}
				t, err := p.Transcribe(ctx, audio)
				if err != nil {
					return nil, err
				}
				if strings.TrimSpace(t.Text) == "" {
					return nil, WrapError(p.Name(), ErrEmptyTranscript)
				}
				return t, nil
			},
		}
	}
	return fallback.New(fallback.CapabilitySTT, policy, links, opts...)
}
