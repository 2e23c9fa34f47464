package inference

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	providerCustomGPT = "customgpt"
	customGPTURL      = "https://app.customgpt.ai/api/v1"
)

// CustomGPT implements Provider on top of CustomGPT's conversation API.
// The remote service keeps the conversation, so only the newest user
// message is sent on each call.
type CustomGPT struct {
	config  *Config
	http    *http.Client
	stream  *http.Client
	logger  *slog.Logger
	baseURL string

	mu       sync.Mutex
	sessions map[string]*remoteConversation
}

// remoteConversation is a CustomGPT session and when it was last used.
type remoteConversation struct {
	id   string
	used time.Time
}

// NewCustomGPT creates a CustomGPT provider.
func NewCustomGPT(opts ...Option) (*CustomGPT, error) {
	cfg := DefaultConfig()
	cfg.BaseURL = customGPTURL
	cfg.Apply(opts...)

	if cfg.APIKey == "" {
		return nil, WrapError(providerCustomGPT, ErrNoAPIKey)
	}
	if cfg.ProjectID == "" {
		return nil, WrapError(providerCustomGPT, ErrNoProjectID)
	}

	return &CustomGPT{
		config:   cfg,
		http:     cfg.client(),
		stream:   cfg.streamClient(),
		logger:   cfg.Logger.With("component", "inference.customgpt"),
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		sessions: make(map[string]*remoteConversation),
	}, nil
}

// Name returns the provider name.
func (c *CustomGPT) Name() string { return providerCustomGPT }

// Chat sends the prompt and waits for the complete answer.
func (c *CustomGPT) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()

	prompt, session, err := c.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, c.http, session, prompt, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result struct {
		Status string `json:"status"`
		Data   struct {
			OpenAIResponse string `json:"openai_response"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, WrapError(providerCustomGPT, fmt.Errorf("decode response: %w", err))
	}

	text := strings.TrimSpace(result.Data.OpenAIResponse)
	if text == "" {
		return nil, WrapError(providerCustomGPT, ErrEmptyCompletion)
	}

	return &ChatResponse{
		Message:      NewAssistantMessage(text),
		FinishReason: "stop",
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

// Stream sends the prompt and streams progress events.
func (c *CustomGPT) Stream(ctx context.Context, req *ChatRequest) (Stream, error) {
	prompt, session, err := c.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, c.stream, session, prompt, true)
	if err != nil {
		return nil, err
	}
	return newSSEStream(providerCustomGPT, resp.Body, newCustomGPTParser()), nil
}

// Capabilities returns what CustomGPT supports.
func (c *CustomGPT) Capabilities() Capabilities {
	return Capabilities{Chat: true, Streaming: true}
}

// Close releases resources.
func (c *CustomGPT) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// prepare resolves the remote conversation and formats the prompt. The
// first message of a new conversation carries the voice instructions,
// since the API has no system role, and replays any prior history.
//
// Client-held history gets a new conversation every turn: its session ID
// is not stable and a hash of the history could collide across clients.
func (c *CustomGPT) prepare(ctx context.Context, req *ChatRequest) (prompt, session string, err error) {
	prompt = strings.TrimSpace(req.LastUserMessage())
	if prompt == "" {
		return "", "", WrapError(providerCustomGPT, ErrEmptyPrompt)
	}

	key := ""
	if !req.ClientHistory {
		key = conversationKey(req)
		c.mu.Lock()
		if conv, ok := c.sessions[key]; ok {
			conv.used = time.Now()
			session = conv.id
		}
		c.mu.Unlock()
		if session != "" {
			return prompt, session, nil
		}
	}

	session, err = c.createConversation(ctx)
	if err != nil {
		return "", "", err
	}
	if key != "" {
		c.remember(key, session)
	}
	history := priorHistory(req)
	c.logger.Debug("created conversation", "session", session, "replayed", len(history))
	return VoicePrompt(c.config.Language) + replay(history) + "\n\nUser question: " + prompt, session, nil
}

func (c *CustomGPT) remember(key, session string) {
	c.mu.Lock()
	c.sessions[key] = &remoteConversation{id: session, used: time.Now()}
	c.mu.Unlock()
}

// Forget drops the remote conversation mapped to a session ID.
func (c *CustomGPT) Forget(sessionID string) {
	c.mu.Lock()
	delete(c.sessions, "session:"+sessionID)
	c.mu.Unlock()
}

// Expire drops conversation mappings unused for longer than idle and
// returns how many were removed.
func (c *CustomGPT) Expire(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, conv := range c.sessions {
		if conv.used.Before(cutoff) {
			delete(c.sessions, k)
			n++
		}
	}
	return n
}

// Conversations returns the number of mapped remote conversations.
func (c *CustomGPT) Conversations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// conversationKey maps a request to a remote conversation: by session ID
// when the caller provides one, otherwise by the prior history.
func conversationKey(req *ChatRequest) string {
	if req.SessionID != "" {
		return "session:" + req.SessionID
	}
	return historyKey(priorHistory(req))
}

// priorHistory returns the conversation before the newest user message.
func priorHistory(req *ChatRequest) []Message {
	_, msgs := splitSystem(req.Messages)
	if n := len(msgs); n > 0 && msgs[n-1].Role == RoleUser {
		msgs = msgs[:n-1]
	}
	return msgs
}

func historyKey(msgs []Message) string {
	h := md5.New()
	for _, m := range msgs {
		fmt.Fprintf(h, "%s:%s\n", m.Role, m.Content)
	}
	return "history:" + hex.EncodeToString(h.Sum(nil))
}

// replay renders prior turns for the first prompt of a new conversation.
func replay(msgs []Message) string {
	if len(msgs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\nPrevious conversation:")
	for _, m := range msgs {
		switch m.Role {
		case RoleUser:
			b.WriteString("\nUser: ")
		case RoleAssistant:
			b.WriteString("\nAssistant: ")
		default:
			continue
		}
		b.WriteString(m.Content)
	}
	return b.String()
}

func (c *CustomGPT) createConversation(ctx context.Context) (string, error) {
	endpoint := fmt.Sprintf("%s/projects/%s/conversations", c.baseURL, url.PathEscape(c.config.ProjectID))
	resp, err := c.post(ctx, c.http, endpoint, map[string]string{"name": "Chat Conversation"})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result struct {
		Status string `json:"status"`
		Data   struct {
			SessionID string `json:"session_id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", WrapError(providerCustomGPT, fmt.Errorf("decode conversation: %w", err))
	}
	if result.Data.SessionID == "" {
		return "", WrapError(providerCustomGPT, fmt.Errorf("conversation has no session_id (status %q)", result.Status))
	}
	return result.Data.SessionID, nil
}

func (c *CustomGPT) send(ctx context.Context, hc *http.Client, session, prompt string, stream bool) (*http.Response, error) {
	q := url.Values{}
	q.Set("stream", fmt.Sprint(stream))
	q.Set("lang", c.config.Language)

	endpoint := fmt.Sprintf("%s/projects/%s/conversations/%s/messages?%s",
		c.baseURL, url.PathEscape(c.config.ProjectID), url.PathEscape(session), q.Encode())

	return c.post(ctx, hc, endpoint, map[string]string{
		"prompt":          prompt,
		"response_source": "default",
	})
}

// post sends JSON and returns the response when the status is 2xx.
func (c *CustomGPT) post(ctx context.Context, hc *http.Client, endpoint string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, WrapError(providerCustomGPT, fmt.Errorf("marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, WrapError(providerCustomGPT, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := hc.Do(req)
	if err != nil {
		return nil, WrapError(providerCustomGPT, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, c.parseError(resp)
	}
	return resp, nil
}

func (c *CustomGPT) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var errResp struct {
		Status string `json:"status"`
		Data   struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"data"`
	}

	message := string(body)
	if json.Unmarshal(body, &errResp) == nil && errResp.Data.Message != "" {
		message = errResp.Data.Message
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    message,
		Provider:   providerCustomGPT,
	}
}

// newCustomGPTParser handles progress deltas plus the terminal events.
// A completed event carries the full answer; it is only used when no
// progress arrived.
func newCustomGPTParser() eventParser {
	streamed := false
	return func(data string) (*StreamChunk, error) {
		var event struct {
			Status         string `json:"status"`
			Message        string `json:"message"`
			OpenAIResponse string `json:"openai_response"`
		}
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return nil, nil
		}

		switch event.Status {
		case "progress":
			if event.Message == "" {
				return nil, nil
			}
			streamed = true
			return &StreamChunk{Delta: event.Message}, nil
		case "completed":
			chunk := &StreamChunk{FinishReason: "stop", Done: true}
			if !streamed {
				chunk.Delta = event.OpenAIResponse
			}
			return chunk, nil
		case "finish":
			return &StreamChunk{FinishReason: "stop", Done: true}, nil
		case "error":
			return nil, &APIError{StatusCode: http.StatusBadGateway, Message: event.Message, Provider: providerCustomGPT}
		}
		return nil, nil
	}
}

// Verify CustomGPT implements Provider at compile time.
var _ Provider = (*CustomGPT)(nil)
