package stt

import (
	"context"
	"sync"
)

// Mock implements Provider for testing.
type Mock struct {
	MockName string

	// TranscribeFunc is called when Transcribe is invoked.
	// If nil, returns the fixed transcript "hello".
	TranscribeFunc func(ctx context.Context, audio *Audio) (*Transcript, error)

	// AcceptsFunc overrides Accepts. If nil, every MIME type is accepted.
	AcceptsFunc func(mimeType string) bool

	mu    sync.Mutex
	calls int
}

// NewMock returns a mock that always transcribes to text.
func NewMock(name, text string) *Mock {
	return &Mock{
		MockName: name,
		TranscribeFunc: func(ctx context.Context, audio *Audio) (*Transcript, error) {
			return &Transcript{Text: text, Provider: name}, nil
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

// Accepts calls AcceptsFunc or accepts everything.
func (m *Mock) Accepts(mimeType string) bool {
	if m.AcceptsFunc != nil {
		return m.AcceptsFunc(mimeType)
	}
	return true
}

// Transcribe calls TranscribeFunc and counts the call.
func (m *Mock) Transcribe(ctx context.Context, audio *Audio) (*Transcript, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	if !m.Accepts(audio.MIMEType) {
		return nil, WrapError(m.Name(), ErrUnsupportedFormat)
	}
	if m.TranscribeFunc != nil {
		return m.TranscribeFunc(ctx, audio)
	}
	return &Transcript{Text: "hello", Provider: m.Name()}, nil
}

// CallCount returns how many times Transcribe was called.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Verify Mock implements Provider at compile time.
var _ Provider = (*Mock)(nil)
