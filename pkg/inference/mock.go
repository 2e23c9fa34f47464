package inference

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Mock implements Provider for testing.
type Mock struct {
	// MockName is returned by Name. Defaults to "mock".
	MockName string

	// ChatFunc is called when Chat is invoked.
	ChatFunc func(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// StreamFunc is called when Stream is invoked.
	StreamFunc func(ctx context.Context, req *ChatRequest) (Stream, error)

	// CloseFunc is called when Close is invoked.
	CloseFunc func() error

	// CapabilitiesOverride overrides default capabilities.
	CapabilitiesOverride *Capabilities

	mu    sync.Mutex
	calls []MockCall
}

// MockCall records a method invocation.
type MockCall struct {
	Method  string
	Request *ChatRequest
	Time    time.Time
}

// NewMock creates a mock provider that always answers with reply.
func NewMock(name, reply string) *Mock {
	return &Mock{
		MockName: name,
		ChatFunc: func(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
			return &ChatResponse{
				Message:      NewAssistantMessage(reply),
				FinishReason: "stop",
				Usage:        Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
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

// Chat calls ChatFunc and records the call.
func (m *Mock) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	m.record("Chat", req)
	if m.ChatFunc != nil {
		return m.ChatFunc(ctx, req)
	}
	return nil, WrapError(m.Name(), ErrProviderUnavailable)
}

// Stream calls StreamFunc and records the call. Without a StreamFunc the
// ChatFunc reply is streamed one word at a time.
func (m *Mock) Stream(ctx context.Context, req *ChatRequest) (Stream, error) {
	m.record("Stream", req)
	if m.StreamFunc != nil {
		return m.StreamFunc(ctx, req)
	}
	if m.ChatFunc != nil {
		resp, err := m.ChatFunc(ctx, req)
		if err != nil {
			return nil, err
		}
		return NewMockStream(ctx, SplitWords(resp.Message.Content)...), nil
	}
	return nil, WrapError(m.Name(), ErrProviderUnavailable)
}

// Capabilities returns mock capabilities.
func (m *Mock) Capabilities() Capabilities {
	if m.CapabilitiesOverride != nil {
		return *m.CapabilitiesOverride
	}
	return Capabilities{
		Chat:      m.ChatFunc != nil,
		Streaming: m.StreamFunc != nil || m.ChatFunc != nil,
	}
}

// Close calls CloseFunc and records the call.
func (m *Mock) Close() error {
	m.record("Close", nil)
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

// record adds a call to the tracking list.
func (m *Mock) record(method string, req *ChatRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{
		Method:  method,
		Request: req,
		Time:    time.Now(),
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

// WithError returns a mock that always returns the given error.
func WithError(name string, err error) *Mock {
	return &Mock{
		MockName: name,
		ChatFunc: func(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
			return nil, err
		},
		StreamFunc: func(ctx context.Context, req *ChatRequest) (Stream, error) {
			return nil, err
		},
	}
}

// SplitWords splits text into word deltas that concatenate back to it.
func SplitWords(text string) []string {
	words := strings.SplitAfter(text, " ")
	out := words[:0]
	for _, w := range words {
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}

// MockStream replays fixed deltas. It honours context cancellation and
// records how many deltas were consumed.
type MockStream struct {
	ctx    context.Context
	deltas []string

	// Delay is slept before each delta.
	Delay time.Duration

	mu     sync.Mutex
	pos    int
	closed bool
}

// NewMockStream returns a stream that yields deltas in order.
func NewMockStream(ctx context.Context, deltas ...string) *MockStream {
	return &MockStream{ctx: ctx, deltas: deltas}
}

// Recv returns the next delta, then a Done chunk.
func (s *MockStream) Recv() (*StreamChunk, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStreamClosed
	}
	if s.pos >= len(s.deltas) {
		s.mu.Unlock()
		return &StreamChunk{FinishReason: "stop", Done: true}, nil
	}
	delta := s.deltas[s.pos]
	s.pos++
	s.mu.Unlock()

	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-s.ctx.Done():
			return nil, s.ctx.Err()
		}
	}
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	return &StreamChunk{Delta: delta}, nil
}

// Close marks the stream closed.
func (s *MockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Consumed returns how many deltas were read.
func (s *MockStream) Consumed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// Closed reports whether Close was called.
func (s *MockStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Verify Mock implements Provider at compile time.
var _ Provider = (*Mock)(nil)
