package inference

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/teslashibe/go-talkback/pkg/fallback"
	"github.com/teslashibe/go-talkback/pkg/retry"
)

// Chain is a fallback chain of completion providers.
type Chain = fallback.Chain[*Completion, string]

// Completion carries one request through the chain. It keeps the text
// streamed by the current attempt so a caller whose deadline expires
// mid-stream can still use what arrived.
type Completion struct {
	Request *ChatRequest

	// Enough stops reading the stream once the accumulated text satisfies
	// it. The stream is closed and the text so far is the result.
	Enough func(text string) bool

	mu      sync.Mutex
	partial strings.Builder
	stopped bool
}

// NewCompletion wraps a request for the chain.
func NewCompletion(req *ChatRequest, enough func(string) bool) *Completion {
	return &Completion{Request: req, Enough: enough}
}

// Partial returns the text received by the latest attempt.
func (c *Completion) Partial() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.partial.String()
}

// StoppedEarly reports whether the latest attempt ended through Enough.
func (c *Completion) StoppedEarly() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *Completion) reset() {
	c.mu.Lock()
	c.partial.Reset()
	c.stopped = false
	c.mu.Unlock()
}

func (c *Completion) add(delta string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.partial.WriteString(delta)
	return c.partial.String()
}

func (c *Completion) markStopped() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
}

// DefaultPolicy is the retry policy for completion: two attempts per provider.
func DefaultPolicy() retry.Policy {
	return retry.DefaultPolicy().
		WithMaxAttempts(2).
		WithDelays(250*time.Millisecond, 2*time.Second)
}

// NewChain builds a fallback chain that tries providers in order.
// Streaming providers are read incrementally; others use Chat.
func NewChain(policy retry.Policy, providers []Provider, opts ...fallback.Option) (*Chain, error) {
	if len(providers) == 0 {
		return nil, ErrProviderUnavailable
	}

	links := make([]fallback.Link[*Completion, string], len(providers))
	for i, p := range providers {
		links[i] = fallback.Link[*Completion, string]{
			Name: p.Name(),
			Call: func(ctx context.Context, c *Completion) (string, error) {
				return Complete(ctx, p, c)
			},
		}
	}
	return fallback.New(fallback.CapabilityCompletion, policy, links, opts...)
}

// Complete runs one attempt against a single provider.
func Complete(ctx context.Context, p Provider, c *Completion) (string, error) {
	c.reset()

	if strings.TrimSpace(c.Request.LastUserMessage()) == "" {
		return "", WrapError(p.Name(), ErrEmptyPrompt)
	}

	if !p.Capabilities().Streaming {
		resp, err := p.Chat(ctx, c.Request)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(resp.Message.Content) == "" {
			return "", WrapError(p.Name(), ErrEmptyCompletion)
		}
		return c.add(resp.Message.Content), nil
	}

	stream, err := p.Stream(ctx, c.Request)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	for {
		chunk, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", err
		}

		text := c.add(chunk.Delta)
		if chunk.Done {
			if strings.TrimSpace(text) == "" {
				return "", WrapError(p.Name(), ErrEmptyCompletion)
			}
			return text, nil
		}
		if c.Enough != nil && c.Enough(text) {
			c.markStopped()
			return text, nil
		}
	}
}
