package inference

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// Stream returns a streaming chat response.
func (c *Client) Stream(ctx context.Context, req *ChatRequest) (Stream, error) {
	resp, err := c.post(ctx, c.stream, "/chat/completions", c.buildChatPayload(req, true))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.parseError(resp)
	}

	return newSSEStream(c.name, resp.Body, parseOpenAIEvent), nil
}

// eventParser turns one SSE data payload into a chunk.
// A nil chunk with a nil error means the event carried nothing useful.
type eventParser func(data string) (*StreamChunk, error)

func parseOpenAIEvent(data string) (*StreamChunk, error) {
	if data == "[DONE]" {
		return &StreamChunk{Done: true}, nil
	}

	var event streamEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		// Skip malformed events
		return nil, nil
	}

	if len(event.Choices) == 0 {
		return nil, nil
	}

	choice := event.Choices[0]
	return &StreamChunk{
		Delta:        choice.Delta.Content,
		FinishReason: choice.FinishReason,
		Done:         choice.FinishReason != "",
	}, nil
}

// sseStream implements Stream over a server-sent events body.
type sseStream struct {
	provider string
	reader   *bufio.Reader
	body     io.ReadCloser
	parse    eventParser

	mu     sync.Mutex
	closed bool
	done   bool
}

func newSSEStream(provider string, body io.ReadCloser, parse eventParser) *sseStream {
	return &sseStream{
		provider: provider,
		reader:   bufio.NewReader(body),
		body:     body,
		parse:    parse,
	}
}

// Recv returns the next stream chunk.
func (s *sseStream) Recv() (*StreamChunk, error) {
	s.mu.Lock()
	closed, done := s.closed, s.done
	s.mu.Unlock()
	if closed {
		return nil, WrapError(s.provider, ErrStreamClosed)
	}
	if done {
		return &StreamChunk{Done: true}, nil
	}

	for {
		line, err := s.reader.ReadString('\n')
		if err == io.EOF && strings.TrimSpace(line) == "" {
			s.finish()
			return &StreamChunk{Done: true}, nil
		}
		if err != nil && err != io.EOF {
			return nil, WrapError(s.provider, fmt.Errorf("read stream: %w", err))
		}

		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			if err == io.EOF {
				s.finish()
				return &StreamChunk{Done: true}, nil
			}
			continue
		}

		chunk, perr := s.parse(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		if perr != nil {
			return nil, WrapError(s.provider, perr)
		}
		if chunk == nil {
			continue
		}
		if chunk.Done {
			s.finish()
		}
		return chunk, nil
	}
}

func (s *sseStream) finish() {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
}

// Close stops the stream.
func (s *sseStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.body.Close()
}

// streamEvent is the SSE event format.
type streamEvent struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
			Role    string `json:"role"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}
