package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	deepgramURL      = "https://api.deepgram.com/v1/listen"
	providerDeepgram = "deepgram"

	// DefaultDeepgramModel is the general-purpose Deepgram model.
	DefaultDeepgramModel = "nova-2"
)

var deepgramFormats = newFormatSet(
	"audio/webm", "video/webm", "audio/mp4", "audio/m4a", "audio/x-m4a",
	"audio/mpeg", "audio/mp3", "audio/ogg", "audio/wav", "audio/x-wav", "audio/wave", "audio/flac", "audio/aac",
)

// Deepgram implements Provider using Deepgram's pre-recorded REST API.
type Deepgram struct {
	config  *Config
	client  *http.Client
	logger  *slog.Logger
	baseURL string
}

// NewDeepgram creates a new Deepgram STT provider.
func NewDeepgram(opts ...Option) (*Deepgram, error) {
	cfg := DefaultConfig()
	cfg.Model = DefaultDeepgramModel
	cfg.Apply(opts...)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = deepgramURL
	}

	return &Deepgram{
		config:  cfg,
		client:  cfg.client(),
		logger:  cfg.Logger.With("component", "stt.deepgram"),
		baseURL: baseURL,
	}, nil
}

// Name returns the provider name.
func (d *Deepgram) Name() string { return providerDeepgram }

// Accepts reports whether the MIME type is one Deepgram can decode.
func (d *Deepgram) Accepts(mimeType string) bool {
	return deepgramFormats.accepts(mimeType)
}

// Transcribe converts audio to text.
func (d *Deepgram) Transcribe(ctx context.Context, audio *Audio) (*Transcript, error) {
	if err := audio.Validate(); err != nil {
		return nil, WrapError(providerDeepgram, err)
	}
	if !d.Accepts(audio.MIMEType) {
		return nil, WrapError(providerDeepgram, fmt.Errorf("%w: %s", ErrUnsupportedFormat, audio.MIMEType))
	}

	start := time.Now()

	q := url.Values{}
	q.Set("model", d.config.Model)
	q.Set("smart_format", "true")
	q.Set("punctuate", "true")
	if d.config.Language != "" {
		q.Set("language", d.config.Language)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"?"+q.Encode(), bytes.NewReader(audio.Data))
	if err != nil {
		return nil, WrapError(providerDeepgram, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Authorization", "Token "+d.config.APIKey)
	req.Header.Set("Content-Type", BaseType(audio.MIMEType))

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, WrapError(providerDeepgram, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, d.parseError(resp)
	}

	var result struct {
		Results struct {
			Channels []struct {
				Alternatives []struct {
					Transcript string  `json:"transcript"`
					Confidence float64 `json:"confidence"`
				} `json:"alternatives"`
			} `json:"channels"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, WrapError(providerDeepgram, fmt.Errorf("decode response: %w", err))
	}

	var text string
	if ch := result.Results.Channels; len(ch) > 0 && len(ch[0].Alternatives) > 0 {
		text = strings.TrimSpace(ch[0].Alternatives[0].Transcript)
	}
	if text == "" {
		return nil, WrapError(providerDeepgram, ErrEmptyTranscript)
	}

	latency := time.Since(start).Milliseconds()
	d.logger.Debug("transcribed audio",
		"bytes", len(audio.Data),
		"chars", len(text),
		"latency_ms", latency,
	)

	return &Transcript{
		Text:      text,
		Language:  d.config.Language,
		Provider:  providerDeepgram,
		LatencyMs: latency,
	}, nil
}

func (d *Deepgram) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var errResp struct {
		ErrCode string `json:"err_code"`
		ErrMsg  string `json:"err_msg"`
	}

	message := string(body)
	code := ""
	if json.Unmarshal(body, &errResp) == nil && errResp.ErrMsg != "" {
		message = errResp.ErrMsg
		code = errResp.ErrCode
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    message,
		Code:       code,
		Provider:   providerDeepgram,
	}
}

// Verify Deepgram implements Provider at compile time.
var _ Provider = (*Deepgram)(nil)
