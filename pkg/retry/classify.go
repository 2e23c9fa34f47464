package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

// Class is the retry classification of an error.
type Class int

const (
	// Fatal errors abort the current provider without using retry budget.
	Fatal Class = iota

	// Retryable errors are retried with backoff.
	Retryable

	// Cancelled means the caller gave up. Never retried.
	Cancelled
)

// String returns the class name.
func (c Class) String() string {
	switch c {
	case Retryable:
		return "retryable"
	case Cancelled:
		return "cancelled"
	default:
		return "fatal"
	}
}

// Classifier maps an error to a Class.
type Classifier func(error) Class

// Marker errors. Adapters wrap errors with MarkRetryable or MarkFatal when
// the status alone does not decide the class.
var (
	ErrRetryable = errors.New("retryable network error")
	ErrFatal     = errors.New("fatal provider error")
)

type markedError struct {
	err  error
	mark error
}

func (e *markedError) Error() string   { return e.err.Error() }
func (e *markedError) Unwrap() []error { return []error{e.err, e.mark} }

// MarkRetryable tags err as retryable.
func MarkRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{err: err, mark: ErrRetryable}
}

// MarkFatal tags err as fatal.
func MarkFatal(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{err: err, mark: ErrFatal}
}

// retryabler is implemented by adapter APIError types.
type retryabler interface {
	IsRetryable() bool
}

// Classify is the default classifier.
//
// Cancellation wins, then explicit markers, then API status codes
// (429 and 5xx retry), then transport failures such as timeouts,
// connection resets and dial errors. Anything else is fatal.
func Classify(err error) Class {
	switch {
	case err == nil:
		return Fatal
	case errors.Is(err, context.Canceled):
		return Cancelled
	case errors.Is(err, ErrFatal):
		return Fatal
	case errors.Is(err, ErrRetryable):
		return Retryable
	}

	var r retryabler
	if errors.As(err, &r) {
		if r.IsRetryable() {
			return Retryable
		}
		return Fatal
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Retryable
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) {
		return Retryable
	}

	// Dial and read failures. A *url.Error alone (bad scheme, malformed
	// URL, certificate rejection) is not transient and stays fatal.
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Retryable
	}

	return Fatal
}
