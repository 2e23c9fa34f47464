package tts

import (
	"context"
	"sync"
	"time"
)

// Mock implements Provider for testing.
// All methods can be customized via function fields.
type Mock struct {
	// MockName is returned by Name. Defaults to "mock".
	MockName string

	// SynthesizeFunc is called when Synthesize is invoked.
	// If nil, returns a short fake MP3 buffer.
	SynthesizeFunc func(ctx context.Context, text string) (*AudioResult, error)

	// CloseFunc is called when Close is invoked.
	CloseFunc func() error

	mu    sync.Mutex
	calls []MockCall
}

// MockCall records a method invocation for verification.
type MockCall struct {
	Method string
	Text   string
	Time   time.Time
}

// NewMock creates a new mock provider with sensible defaults.
func NewMock(name string) *Mock {
	return &Mock{
		MockName: name,
		SynthesizeFunc: func(ctx context.Context, text string) (*AudioResult, error) {
			return &AudioResult{
				Audio:     []byte("ID3fake-" + text),
				Encoding:  EncodingMP3,
				Duration:  time.Duration(len(text)) * 60 * time.Millisecond,
				Provider:  name,
				CharCount: len(text),
				LatencyMs: 1,
			}, nil
		},
	}
}

// Name returns the mock's name.
func (m *Mock) Name() string {
	if m.MockName == "" {
		return "mock"
	}
	return m.MockName
}

// Synthesize calls SynthesizeFunc and records the call.
func (m *Mock) Synthesize(ctx context.Context, text string) (*AudioResult, error) {
	m.recordCall("Synthesize", text)
	if m.SynthesizeFunc != nil {
		return m.SynthesizeFunc(ctx, text)
	}
	return nil, WrapError(m.Name(), ErrProviderUnavailable)
}

// Close calls CloseFunc and records the call.
func (m *Mock) Close() error {
	m.recordCall("Close", "")
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

func (m *Mock) recordCall(method, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{
		Method: method,
		Text:   text,
		Time:   time.Now(),
	})
}

// Calls returns all recorded method calls.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]MockCall, len(m.calls))
	copy(result, m.calls)
	return result
}

// CallCount returns the number of times a method was called.
func (m *Mock) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, c := range m.calls {
		if c.Method == method {
			count++
		}
	}
	return count
}

// Reset clears all recorded calls.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// WithError returns a mock that always fails with err.
func WithError(name string, err error) *Mock {
	return &Mock{
		MockName: name,
		SynthesizeFunc: func(ctx context.Context, text string) (*AudioResult, error) {
			return nil, err
		},
	}
}

// WithLatency wraps a mock to add artificial latency that honours cancellation.
func WithLatency(m *Mock, delay time.Duration) *Mock {
	original := m.SynthesizeFunc
	m.SynthesizeFunc = func(ctx context.Context, text string) (*AudioResult, error) {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if original != nil {
			return original(ctx, text)
		}
		return nil, WrapError(m.Name(), ErrProviderUnavailable)
	}
	return m
}

// Verify Mock implements Provider at compile time.
var _ Provider = (*Mock)(nil)
