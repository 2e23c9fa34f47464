package stt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	providerOpenAI = "openai"

	// DefaultOpenAIModel is the low-latency transcription model.
	DefaultOpenAIModel = "gpt-4o-mini-transcribe"
)

var openAIFormats = newFormatSet(
	"audio/webm", "video/webm", "audio/mp4", "audio/m4a", "audio/x-m4a",
	"audio/mpeg", "audio/mp3", "audio/ogg", "audio/wav", "audio/x-wav", "audio/wave", "audio/flac",
)

// OpenAI implements Provider using the OpenAI transcription endpoint.
type OpenAI struct {
	config *Config
	client *openai.Client
	logger *slog.Logger
}

// NewOpenAI creates a new OpenAI STT provider.
func NewOpenAI(opts ...Option) (*OpenAI, error) {
	cfg := DefaultConfig()
	cfg.Model = DefaultOpenAIModel
	cfg.Apply(opts...)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = cfg.client()

	return &OpenAI{
		config: cfg,
		client: openai.NewClientWithConfig(clientCfg),
		logger: cfg.Logger.With("component", "stt.openai"),
	}, nil
}

// Name returns the provider name.
func (o *OpenAI) Name() string { return providerOpenAI }

// Accepts reports whether the MIME type is one OpenAI can decode.
func (o *OpenAI) Accepts(mimeType string) bool {
	return openAIFormats.accepts(mimeType)
}

// Transcribe converts audio to text.
func (o *OpenAI) Transcribe(ctx context.Context, audio *Audio) (*Transcript, error) {
	if err := audio.Validate(); err != nil {
		return nil, WrapError(providerOpenAI, err)
	}
	if !o.Accepts(audio.MIMEType) {
		return nil, WrapError(providerOpenAI, fmt.Errorf("%w: %s", ErrUnsupportedFormat, audio.MIMEType))
	}

	start := time.Now()

	resp, err := o.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    o.config.Model,
		FilePath: "audio." + fileExtension(audio.MIMEType),
		Reader:   bytes.NewReader(audio.Data),
		Language: o.config.Language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return nil, o.mapError(ctx, err)
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return nil, WrapError(providerOpenAI, ErrEmptyTranscript)
	}

	latency := time.Since(start).Milliseconds()
	o.logger.Debug("transcribed audio",
		"bytes", len(audio.Data),
		"chars", len(text),
		"latency_ms", latency,
	)

	return &Transcript{
		Text:      text,
		Language:  o.config.Language,
		Provider:  providerOpenAI,
		LatencyMs: latency,
	}, nil
}

// mapError converts go-openai errors into APIError so they classify by status.
func (o *OpenAI) mapError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.Type
		if c, ok := apiErr.Code.(string); ok && c != "" {
			code = c
		}
		return &APIError{
			StatusCode: apiErr.HTTPStatusCode,
			Message:    apiErr.Message,
			Code:       code,
			Provider:   providerOpenAI,
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &APIError{
			StatusCode: reqErr.HTTPStatusCode,
			Message:    reqErr.Error(),
			Provider:   providerOpenAI,
		}
	}

	return WrapError(providerOpenAI, err)
}

// Verify OpenAI implements Provider at compile time.
var _ Provider = (*OpenAI)(nil)
