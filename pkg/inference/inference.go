// Package inference provides a unified interface for chat completions.
//
// The package abstracts completion vendors behind a single Provider
// interface so they can be arranged in a fallback chain: any
// OpenAI-compatible API through Client, Google Gemini through the genai
// SDK, and CustomGPT's conversation API.
//
// Example usage:
//
//	client, _ := inference.NewClient(
//	    inference.WithAPIKey(os.Getenv("OPENAI_API_KEY")),
//	)
//	defer client.Close()
//
//	resp, _ := client.Chat(ctx, &inference.ChatRequest{
//	    Messages: []inference.Message{
//	        inference.NewUserMessage("Hello!"),
//	    },
//	})
package inference

import "context"

// Provider is the unified completion interface.
// All implementations must satisfy this interface.
type Provider interface {
	// Name identifies the provider in logs and attempt records.
	Name() string

	// Chat generates a response from a sequence of messages.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Stream generates a streaming response for real-time output.
	Stream(ctx context.Context, req *ChatRequest) (Stream, error)

	// Capabilities returns what features this provider supports.
	Capabilities() Capabilities

	// Close releases any resources held by the provider.
	Close() error
}

// Stream is a lazy, finite, non-restartable completion stream.
type Stream interface {
	// Recv returns the next chunk. A chunk with Done set ends the stream.
	Recv() (*StreamChunk, error)

	// Close stops the stream and releases the underlying connection.
	Close() error
}

// StreamChunk is a piece of a streaming response.
type StreamChunk struct {
	// Delta is the incremental text content.
	Delta string

	// FinishReason indicates why generation stopped.
	FinishReason string

	// Done is true when the stream is complete.
	Done bool
}

// Capabilities describes what features a provider supports.
type Capabilities struct {
	Chat      bool // Supports chat completions
	Streaming bool // Supports streaming responses
}

// ChatRequest for chat completions.
type ChatRequest struct {
	// Messages is the conversation history, ending with the user turn.
	Messages []Message

	// SessionID identifies the conversation for providers that keep
	// server-side state. Optional.
	SessionID string

	// ClientHistory is set when Messages came from the client rather than
	// a server-side store. The session ID is then not stable across turns,
	// so stateful providers key on the history instead.
	ClientHistory bool

	// Model overrides the default model.
	Model string

	// MaxTokens limits the response length.
	MaxTokens int

	// Temperature controls randomness (0.0-2.0).
	Temperature float64

	// Stop sequences that halt generation.
	Stop []string
}

// LastUserMessage returns the content of the final user message.
func (r *ChatRequest) LastUserMessage() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].Content
		}
	}
	return ""
}

// ChatResponse from chat completion.
type ChatResponse struct {
	// Message is the assistant's response.
	Message Message

	// FinishReason indicates why generation stopped.
	FinishReason string

	// Usage tracks token consumption.
	Usage Usage

	// Model used for generation.
	Model string

	// LatencyMs is the response time in milliseconds.
	LatencyMs int64
}

// Usage tracks token consumption for billing and limits.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}
