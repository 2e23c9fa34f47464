package inference

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"
)

const (
	providerGemini = "gemini"

	// DefaultGeminiModel is the fast Gemini chat model.
	DefaultGeminiModel = "gemini-2.0-flash"
)

// Gemini implements the Provider interface for Google's Gemini API
// through the genai SDK.
type Gemini struct {
	client *genai.Client
	config *Config
	logger *slog.Logger
}

// NewGemini creates a Gemini provider.
func NewGemini(ctx context.Context, opts ...Option) (*Gemini, error) {
	cfg := DefaultConfig()
	cfg.BaseURL = ""
	cfg.Model = DefaultGeminiModel
	cfg.Apply(opts...)

	if cfg.APIKey == "" {
		return nil, WrapError(providerGemini, ErrNoAPIKey)
	}

	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.streamClient(),
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, WrapError(providerGemini, err)
	}

	return &Gemini{
		client: client,
		config: cfg,
		logger: cfg.Logger.With("component", "inference.gemini"),
	}, nil
}

// Name returns the provider name.
func (g *Gemini) Name() string { return providerGemini }

// Chat generates a chat completion using Gemini.
func (g *Gemini) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()

	if g.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.config.Timeout)
		defer cancel()
	}

	model, contents, gcfg := g.build(req)
	resp, err := g.client.Models.GenerateContent(ctx, model, contents, gcfg)
	if err != nil {
		return nil, g.mapError(ctx, err)
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return nil, WrapError(providerGemini, ErrEmptyCompletion)
	}

	out := &ChatResponse{
		Message:   NewAssistantMessage(text),
		Model:     model,
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if len(resp.Candidates) > 0 {
		out.FinishReason = strings.ToLower(string(resp.Candidates[0].FinishReason))
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}

	g.logger.Debug("chat completed", "model", model, "latency_ms", out.LatencyMs)
	return out, nil
}

// Stream returns a streaming response backed by the SDK's iterator.
func (g *Gemini) Stream(ctx context.Context, req *ChatRequest) (Stream, error) {
	model, contents, gcfg := g.build(req)
	seq := g.client.Models.GenerateContentStream(ctx, model, contents, gcfg)
	return newGeminiStream(ctx, seq, g.mapError), nil
}

// Capabilities returns what Gemini supports.
func (g *Gemini) Capabilities() Capabilities {
	return Capabilities{Chat: true, Streaming: true}
}

// Close releases resources.
func (g *Gemini) Close() error {
	return nil
}

func (g *Gemini) build(req *ChatRequest) (string, []*genai.Content, *genai.GenerateContentConfig) {
	model := req.Model
	if model == "" {
		model = g.config.Model
	}

	system, msgs := splitSystem(req.Messages)

	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == RoleAssistant {
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
			continue
		}
		contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = g.config.MaxTokens
	}
	temp := req.Temperature
	if temp == 0 {
		temp = g.config.Temperature
	}

	gcfg := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(maxTokens),
		StopSequences:   req.Stop,
	}
	if temp > 0 {
		gcfg.Temperature = genai.Ptr(float32(temp))
	}
	if system != "" {
		gcfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	return model, contents, gcfg
}

// mapError converts SDK errors into APIError so they classify by status.
func (g *Gemini) mapError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &APIError{
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
			Code:       apiErr.Status,
			Provider:   providerGemini,
		}
	}
	return WrapError(providerGemini, err)
}

// geminiStream adapts iter.Seq2 to the pull-based Stream interface.
type geminiStream struct {
	ctx      context.Context
	next     func() (*genai.GenerateContentResponse, error, bool)
	stop     func()
	mapError func(context.Context, error) error

	mu     sync.Mutex
	closed bool
	done   bool
}

func newGeminiStream(ctx context.Context, seq iter.Seq2[*genai.GenerateContentResponse, error], mapError func(context.Context, error) error) *geminiStream {
	next, stop := iter.Pull2(seq)
	return &geminiStream{ctx: ctx, next: next, stop: stop, mapError: mapError}
}

// Recv returns the next chunk.
func (s *geminiStream) Recv() (*StreamChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, WrapError(providerGemini, ErrStreamClosed)
	}
	if s.done {
		return &StreamChunk{Done: true}, nil
	}

	for {
		resp, err, ok := s.next()
		if !ok {
			s.done = true
			return &StreamChunk{Done: true}, nil
		}
		if err != nil {
			return nil, s.mapError(s.ctx, err)
		}
		if resp == nil {
			continue
		}

		chunk := &StreamChunk{Delta: resp.Text()}
		if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != "" {
			chunk.FinishReason = strings.ToLower(string(resp.Candidates[0].FinishReason))
		}
		if chunk.Delta == "" && chunk.FinishReason == "" {
			continue
		}
		return chunk, nil
	}
}

// Close stops the underlying iterator.
func (s *geminiStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.stop()
	return nil
}

// Verify Gemini implements Provider at compile time.
var _ Provider = (*Gemini)(nil)
