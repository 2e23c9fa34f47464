package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	elevenLabsBaseURL  = "https://api.elevenlabs.io/v1"
	providerElevenLabs = "elevenlabs"

	// DefaultElevenLabsVoice is the "Sarah" preset voice.
	DefaultElevenLabsVoice = "EXAVITQu4vr4xnSDxMaL"
)

// ElevenLabs model IDs
const (
	// ModelMonolingualV1 is the legacy English model.
	ModelMonolingualV1 = "eleven_monolingual_v1"

	// ModelTurboV2_5 is the fastest English model.
	ModelTurboV2_5 = "eleven_turbo_v2_5"

	// ModelMultilingualV2 is the highest quality multilingual model.
	ModelMultilingualV2 = "eleven_multilingual_v2"
)

// ElevenLabs implements Provider for ElevenLabs TTS.
type ElevenLabs struct {
	config  *Config
	client  *http.Client
	logger  *slog.Logger
	baseURL string
}

// NewElevenLabs creates a new ElevenLabs TTS provider.
func NewElevenLabs(opts ...Option) (*ElevenLabs, error) {
	cfg := DefaultConfig()
	cfg.VoiceID = DefaultElevenLabsVoice
	cfg.ModelID = ModelMonolingualV1
	cfg.Apply(opts...)

	if err := cfg.ValidateWithVoice(); err != nil {
		return nil, err
	}

	return &ElevenLabs{
		config:  cfg,
		client:  cfg.client(),
		logger:  cfg.Logger.With("component", "tts.elevenlabs"),
		baseURL: cfg.baseURL(elevenLabsBaseURL),
	}, nil
}

// Name returns the provider name.
func (e *ElevenLabs) Name() string { return providerElevenLabs }

// Synthesize converts text to MP3 audio.
func (e *ElevenLabs) Synthesize(ctx context.Context, text string) (*AudioResult, error) {
	text, err := ValidateText(text)
	if err != nil {
		return nil, WrapError(providerElevenLabs, err)
	}

	start := time.Now()
	url := fmt.Sprintf("%s/text-to-speech/%s", e.baseURL, e.config.VoiceID)

	body, err := json.Marshal(map[string]any{
		"text":     text,
		"model_id": e.config.ModelID,
		"voice_settings": map[string]any{
			"stability":        e.config.VoiceSettings.Stability,
			"similarity_boost": e.config.VoiceSettings.SimilarityBoost,
		},
	})
	if err != nil {
		return nil, WrapError(providerElevenLabs, fmt.Errorf("marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, WrapError(providerElevenLabs, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("xi-api-key", e.config.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, WrapError(providerElevenLabs, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, e.parseError(resp)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, WrapError(providerElevenLabs, fmt.Errorf("read response: %w", err))
	}
	if len(audio) == 0 {
		return nil, WrapError(providerElevenLabs, ErrEmptyAudio)
	}

	latency := time.Since(start).Milliseconds()
	e.logger.Debug("synthesized audio",
		"chars", len(text),
		"bytes", len(audio),
		"latency_ms", latency,
		"model", e.config.ModelID,
	)

	return &AudioResult{
		Audio:     audio,
		Encoding:  EncodingMP3,
		Duration:  mp3Duration(len(audio), 128),
		Provider:  providerElevenLabs,
		CharCount: len(text),
		LatencyMs: latency,
	}, nil
}

// Close releases resources held by the provider.
func (e *ElevenLabs) Close() error {
	e.client.CloseIdleConnections()
	return nil
}

// parseError reads and parses an error response.
// ElevenLabs reports quota exhaustion as 401 with status "quota_exceeded".
func (e *ElevenLabs) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var errResp struct {
		Detail struct {
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"detail"`
	}

	message := string(body)
	code := ""
	if json.Unmarshal(body, &errResp) == nil && errResp.Detail.Message != "" {
		message = errResp.Detail.Message
		code = errResp.Detail.Status
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    message,
		Code:       code,
		Provider:   providerElevenLabs,
	}
}

// Verify ElevenLabs implements Provider at compile time.
var _ Provider = (*ElevenLabs)(nil)
