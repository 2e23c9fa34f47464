package tts

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const (
	streamElementsURL      = "https://api.streamelements.com/kappa/v2/speech"
	providerStreamElements = "streamelements"

	// DefaultStreamElementsVoice is the Polly voice exposed by the free API.
	DefaultStreamElementsVoice = "Salli"
)

// StreamElements implements Provider using the free StreamElements speech API.
type StreamElements struct {
	config  *Config
	client  *http.Client
	logger  *slog.Logger
	baseURL string
}

// NewStreamElements creates a new StreamElements provider. No credentials are required.
func NewStreamElements(opts ...Option) (*StreamElements, error) {
	cfg := DefaultConfig()
	cfg.VoiceID = DefaultStreamElementsVoice
	cfg.Apply(opts...)

	if cfg.VoiceID == "" {
		return nil, ErrNoVoiceID
	}

	return &StreamElements{
		config:  cfg,
		client:  cfg.client(),
		logger:  cfg.Logger.With("component", "tts.streamelements"),
		baseURL: cfg.baseURL(streamElementsURL),
	}, nil
}

// Name returns the provider name.
func (s *StreamElements) Name() string { return providerStreamElements }

// Synthesize converts text to MP3 audio.
func (s *StreamElements) Synthesize(ctx context.Context, text string) (*AudioResult, error) {
	text, err := ValidateText(text)
	if err != nil {
		return nil, WrapError(providerStreamElements, err)
	}

	start := time.Now()

	q := url.Values{}
	q.Set("voice", s.config.VoiceID)
	q.Set("text", text)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, WrapError(providerStreamElements, fmt.Errorf("create request: %w", err))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, WrapError(providerStreamElements, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(body), Provider: providerStreamElements}
		if resp.StatusCode == http.StatusBadRequest {
			apiErr.Code = "invalid_voice"
		}
		return nil, apiErr
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, WrapError(providerStreamElements, fmt.Errorf("read response: %w", err))
	}
	if len(audio) == 0 {
		return nil, WrapError(providerStreamElements, ErrEmptyAudio)
	}

	latency := time.Since(start).Milliseconds()
	s.logger.Debug("synthesized audio",
		"chars", len(text),
		"bytes", len(audio),
		"latency_ms", latency,
		"voice", s.config.VoiceID,
	)

	return &AudioResult{
		Audio:     audio,
		Encoding:  EncodingMP3,
		Duration:  mp3Duration(len(audio), 48),
		Provider:  providerStreamElements,
		CharCount: len(text),
		LatencyMs: latency,
	}, nil
}

// Close releases resources.
func (s *StreamElements) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// Verify StreamElements implements Provider at compile time.
var _ Provider = (*StreamElements)(nil)
