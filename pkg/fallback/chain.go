// Package fallback runs one pipeline capability across an ordered list of
// interchangeable providers. Each provider is wrapped in a retry policy; a
// provider that fails fatally or runs out of retries hands over to the next.
// Every try is recorded as an Attempt for diagnostics.
//
// Chain order is configuration:
//
//	chain, _ := fallback.New(fallback.CapabilityTTS, policy, []fallback.Link[string, *tts.AudioResult]{
//	    {Name: "openai", Call: openai.Synthesize},
//	    {Name: "edge", Call: edge.Synthesize},
//	})
//	audio, attempts, err := chain.Run(ctx, "Hello there.")
package fallback

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/teslashibe/go-talkback/pkg/retry"
)

const tracerName = "github.com/teslashibe/go-talkback/pkg/fallback"

// Link is one provider in a chain.
type Link[In, Out any] struct {
	// Name identifies the provider in attempts and logs.
	Name string

	// Call performs a single request against the provider.
	Call func(ctx context.Context, in In) (Out, error)

	// Classify overrides retry.Classify for this provider.
	Classify retry.Classifier
}

// Chain tries links in order until one succeeds.
type Chain[In, Out any] struct {
	capability Capability
	policy     retry.Policy
	links      []Link[In, Out]

	timeout  time.Duration
	logger   *slog.Logger
	observer func(Attempt)
	tracer   trace.Tracer
}

// Option configures a Chain.
type Option func(*options)

type options struct {
	timeout  time.Duration
	logger   *slog.Logger
	observer func(Attempt)
}

// WithTimeout bounds every provider call, independent of the policy's attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithObserver registers a callback that receives each attempt as it is recorded.
func WithObserver(fn func(Attempt)) Option {
	return func(o *options) {
		o.observer = fn
	}
}

// New creates a chain. At least one link is required.
func New[In, Out any](capability Capability, policy retry.Policy, links []Link[In, Out], opts ...Option) (*Chain[In, Out], error) {
	if len(links) == 0 {
		return nil, ErrNoLinks
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	return &Chain[In, Out]{
		capability: capability,
		policy:     policy,
		links:      links,
		timeout:    o.timeout,
		logger:     o.logger.With("component", "fallback."+string(capability)),
		observer:   o.observer,
		tracer:     otel.Tracer(tracerName),
	}, nil
}

// Run tries each link until one succeeds.
//
// It returns every recorded attempt, including on failure. If all links
// fail the error is an *ExhaustedError. If ctx ends, Run stops without
// advancing and returns ctx.Err().
func (c *Chain[In, Out]) Run(ctx context.Context, in In) (Out, []Attempt, error) {
	var (
		zero     Out
		attempts []Attempt
		errs     []error
	)

	for i, link := range c.links {
		var out Out
		err := c.policy.Execute(ctx, func(actx context.Context) error {
			res, err := c.call(actx, link, in)
			if err != nil {
				return err
			}
			out = res
			return nil
		}, link.Classify, func(obs retry.Observation) {
			if obs.Err != nil && ctx.Err() != nil {
				return
			}
			a := Attempt{
				Capability: c.capability,
				Provider:   link.Name,
				Number:     obs.Attempt,
				Outcome:    outcomeOf(obs),
				Latency:    obs.Latency,
				LatencyMs:  obs.Latency.Milliseconds(),
			}
			if obs.Err != nil {
				a.Err = obs.Err.Error()
			}
			attempts = append(attempts, a)
			c.logAttempt(a)
			if c.observer != nil {
				c.observer(a)
			}
		})

		if err == nil {
			if i > 0 {
				c.logger.Info("fallback provider succeeded",
					"provider", link.Name,
					"provider_index", i,
				)
			}
			return out, attempts, nil
		}

		if ctx.Err() != nil {
			return zero, attempts, ctx.Err()
		}

		errs = append(errs, err)
		c.logger.Warn("provider failed, trying next",
			"provider", link.Name,
			"provider_index", i,
			"error", err,
		)
	}

	return zero, attempts, &ExhaustedError{
		Capability: c.capability,
		Attempts:   attempts,
		Errors:     errs,
	}
}

func (c *Chain[In, Out]) call(ctx context.Context, link Link[In, Out], in In) (Out, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	ctx, span := c.tracer.Start(ctx, "fallback.attempt", trace.WithAttributes(
		attribute.String("capability", string(c.capability)),
		attribute.String("provider", link.Name),
	))
	defer span.End()

	out, err := link.Call(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func (c *Chain[In, Out]) logAttempt(a Attempt) {
	if !a.Failed() {
		c.logger.Debug("attempt succeeded",
			"provider", a.Provider,
			"attempt", a.Number,
			"latency_ms", a.LatencyMs,
		)
		return
	}
	c.logger.Warn("attempt failed",
		"provider", a.Provider,
		"attempt", a.Number,
		"outcome", a.Outcome,
		"latency_ms", a.LatencyMs,
		"error", a.Err,
	)
}

// Capability returns the capability this chain serves.
func (c *Chain[In, Out]) Capability() Capability {
	return c.capability
}

// Names returns the provider names in chain order.
func (c *Chain[In, Out]) Names() []string {
	names := make([]string, len(c.links))
	for i, l := range c.links {
		names[i] = l.Name
	}
	return names
}

// Policy returns the retry policy applied to each link.
func (c *Chain[In, Out]) Policy() retry.Policy {
	return c.policy
}
