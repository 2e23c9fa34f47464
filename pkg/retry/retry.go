// Package retry implements the retry policy shared by every provider adapter:
// exponential backoff with additive jitter, bounded attempts, and error
// classification into retryable, fatal, and cancelled outcomes.
//
// Example usage:
//
//	p := retry.DefaultPolicy().WithMaxAttempts(3)
//	err := p.Execute(ctx, func(ctx context.Context) error {
//	    return client.Do(ctx)
//	}, retry.Classify, nil)
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// Default policy values.
const (
	DefaultMaxAttempts    = 3
	DefaultBaseDelay      = 1 * time.Second
	DefaultMaxDelay       = 10 * time.Second
	DefaultJitterFraction = 0.25
)

// ErrInvalidPolicy is returned by Validate for unusable settings.
var ErrInvalidPolicy = errors.New("retry: invalid policy")

// Policy describes how an operation is retried.
type Policy struct {
	// MaxAttempts bounds the total number of tries, including the first.
	MaxAttempts int

	// BaseDelay is the wait before the second attempt; it doubles after that.
	BaseDelay time.Duration

	// MaxDelay caps the exponential component of the wait.
	MaxDelay time.Duration

	// JitterFraction adds up to this fraction of the delay at random.
	JitterFraction float64

	// AttemptTimeout bounds a single attempt. Zero means no per-attempt limit.
	AttemptTimeout time.Duration

	// Rand returns values in [0,1) for jitter. Nil uses math/rand/v2.
	Rand func() float64
}

// DefaultPolicy returns the standard policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    DefaultMaxAttempts,
		BaseDelay:      DefaultBaseDelay,
		MaxDelay:       DefaultMaxDelay,
		JitterFraction: DefaultJitterFraction,
	}
}

// WithMaxAttempts returns a copy with a different attempt bound.
func (p Policy) WithMaxAttempts(n int) Policy {
	p.MaxAttempts = n
	return p
}

// WithDelays returns a copy with different base and cap delays.
func (p Policy) WithDelays(base, max time.Duration) Policy {
	p.BaseDelay = base
	p.MaxDelay = max
	return p
}

// WithAttemptTimeout returns a copy with a per-attempt timeout.
func (p Policy) WithAttemptTimeout(d time.Duration) Policy {
	p.AttemptTimeout = d
	return p
}

// Validate checks the policy for usable values.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be >= 1, got %d", ErrInvalidPolicy, p.MaxAttempts)
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("%w: delays must not be negative", ErrInvalidPolicy)
	}
	if p.MaxDelay > 0 && p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("%w: max delay %s below base delay %s", ErrInvalidPolicy, p.MaxDelay, p.BaseDelay)
	}
	if p.JitterFraction < 0 || p.JitterFraction > 1 {
		return fmt.Errorf("%w: jitter fraction must be within [0,1]", ErrInvalidPolicy)
	}
	return nil
}

// Backoff returns a fresh backoff sequence for one Execute call.
// The n-th value is min(base*2^n, max) plus up to JitterFraction of that.
func (p Policy) Backoff() goretry.Backoff {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Millisecond
	}

	b := goretry.NewExponential(base)
	if p.MaxDelay > 0 {
		b = goretry.WithCappedDuration(p.MaxDelay, b)
	}
	b = withJitter(p.JitterFraction, p.random(), b)

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return goretry.WithMaxRetries(uint64(attempts-1), b)
}

func (p Policy) random() func() float64 {
	if p.Rand != nil {
		return p.Rand
	}
	return rand.Float64
}

// withJitter adds a non-negative random fraction of each delay, so a delay
// never drops below its exponential step.
func withJitter(fraction float64, rnd func() float64, next goretry.Backoff) goretry.Backoff {
	return goretry.BackoffFunc(func() (time.Duration, bool) {
		d, stop := next.Next()
		if stop {
			return 0, true
		}
		if fraction > 0 {
			d += time.Duration(float64(d) * fraction * rnd())
		}
		return d, false
	})
}

// Observation describes one finished attempt.
type Observation struct {
	// Attempt is 1-based.
	Attempt int

	// Err is nil on success.
	Err error

	// Class is the classification of Err. Meaningless when Err is nil.
	Class Class

	// Latency is how long the attempt took.
	Latency time.Duration
}

// Observer receives every attempt as it finishes.
type Observer func(Observation)

// Execute runs op until it succeeds, fails fatally, or attempts run out.
// The parent context is never retried: once it is done, Execute returns ctx.Err().
func (p Policy) Execute(ctx context.Context, op func(context.Context) error, classify Classifier, observe Observer) error {
	if classify == nil {
		classify = Classify
	}

	attempt := 0
	err := goretry.Do(ctx, p.Backoff(), func(ctx context.Context) error {
		attempt++

		actx, cancel := p.attemptContext(ctx)
		start := time.Now()
		err := op(actx)
		latency := time.Since(start)
		cancel()

		obs := Observation{Attempt: attempt, Err: err, Latency: latency}
		if err != nil {
			obs.Class = classify(err)
			if ctx.Err() != nil {
				obs.Class = Cancelled
			}
		}
		if observe != nil {
			observe(obs)
		}

		if err == nil {
			return nil
		}
		if obs.Class == Retryable {
			return goretry.RetryableError(err)
		}
		return err
	})

	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (p Policy) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.AttemptTimeout > 0 {
		return context.WithTimeout(ctx, p.AttemptTimeout)
	}
	return context.WithCancel(ctx)
}
