package tts

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	texttospeech "google.golang.org/api/texttospeech/v1"
)

const (
	providerGoogle = "google"

	// DefaultGoogleVoice is a Neural2 English voice.
	DefaultGoogleVoice = "en-US-Neural2-F"
)

// Google implements Provider using Google Cloud Text-to-Speech.
// It authenticates with an API key when one is configured, otherwise with
// application default credentials.
type Google struct {
	config *Config
	svc    *texttospeech.Service
	logger *slog.Logger
}

// NewGoogle creates a new Google Cloud TTS provider.
func NewGoogle(ctx context.Context, opts ...Option) (*Google, error) {
	cfg := DefaultConfig()
	cfg.VoiceID = DefaultGoogleVoice
	cfg.Apply(opts...)

	var clientOpts []option.ClientOption
	switch {
	case cfg.HTTPClient != nil:
		clientOpts = append(clientOpts, option.WithHTTPClient(cfg.HTTPClient))
	case cfg.APIKey != "":
		clientOpts = append(clientOpts, option.WithAPIKey(cfg.APIKey))
	default:
		ts, err := google.DefaultTokenSource(ctx, texttospeech.CloudPlatformScope)
		if err != nil {
			return nil, WrapError(providerGoogle, fmt.Errorf("default credentials: %w", err))
		}
		clientOpts = append(clientOpts, option.WithTokenSource(oauth2.ReuseTokenSource(nil, ts)))
	}
	if cfg.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(cfg.BaseURL))
	}

	svc, err := texttospeech.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, WrapError(providerGoogle, fmt.Errorf("create service: %w", err))
	}

	return &Google{
		config: cfg,
		svc:    svc,
		logger: cfg.Logger.With("component", "tts.google"),
	}, nil
}

// Name returns the provider name.
func (g *Google) Name() string { return providerGoogle }

// Synthesize converts text to MP3 audio.
func (g *Google) Synthesize(ctx context.Context, text string) (*AudioResult, error) {
	text, err := ValidateText(text)
	if err != nil {
		return nil, WrapError(providerGoogle, err)
	}

	start := time.Now()

	resp, err := g.svc.Text.Synthesize(&texttospeech.SynthesizeSpeechRequest{
		Input: &texttospeech.SynthesisInput{Text: text},
		Voice: &texttospeech.VoiceSelectionParams{
			LanguageCode: voiceLocale(g.config.VoiceID),
			Name:         g.config.VoiceID,
		},
		AudioConfig: &texttospeech.AudioConfig{AudioEncoding: "MP3"},
	}).Context(ctx).Do()
	if err != nil {
		return nil, g.mapError(ctx, err)
	}

	audio, err := base64.StdEncoding.DecodeString(resp.AudioContent)
	if err != nil {
		return nil, WrapError(providerGoogle, fmt.Errorf("decode audio: %w", err))
	}
	if len(audio) == 0 {
		return nil, WrapError(providerGoogle, ErrEmptyAudio)
	}

	latency := time.Since(start).Milliseconds()
	g.logger.Debug("synthesized audio",
		"chars", len(text),
		"bytes", len(audio),
		"latency_ms", latency,
		"voice", g.config.VoiceID,
	)

	return &AudioResult{
		Audio:     audio,
		Encoding:  EncodingMP3,
		Duration:  mp3Duration(len(audio), 32),
		Provider:  providerGoogle,
		CharCount: len(text),
		LatencyMs: latency,
	}, nil
}

// Close releases resources.
func (g *Google) Close() error {
	return nil
}

func (g *Google) mapError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return WrapError(providerGoogle, err)
	}
	apiErr := &APIError{StatusCode: gerr.Code, Message: gerr.Message, Provider: providerGoogle}
	if len(gerr.Errors) > 0 {
		apiErr.Code = gerr.Errors[0].Reason
	}
	if gerr.Code == 400 && apiErr.Code == "" {
		apiErr.Code = "invalid_voice"
	}
	return apiErr
}

// Verify Google implements Provider at compile time.
var _ Provider = (*Google)(nil)
