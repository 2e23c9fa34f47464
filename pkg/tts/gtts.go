package tts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	gttsURL      = "https://translate.google.com/translate_tts"
	providerGTTS = "gtts"

	// gttsMaxSegment is the longest text the endpoint accepts per request.
	gttsMaxSegment = 200
)

// GTTS implements Provider using the free Google Translate speech CDN.
// The endpoint caps each request at 200 characters, so longer text is split
// at word boundaries and the MP3 segments are concatenated.
type GTTS struct {
	config  *Config
	client  *http.Client
	logger  *slog.Logger
	baseURL string
}

// NewGTTS creates a new gTTS provider. No credentials are required.
func NewGTTS(opts ...Option) (*GTTS, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	return &GTTS{
		config:  cfg,
		client:  cfg.client(),
		logger:  cfg.Logger.With("component", "tts.gtts"),
		baseURL: cfg.baseURL(gttsURL),
	}, nil
}

// Name returns the provider name.
func (g *GTTS) Name() string { return providerGTTS }

// Synthesize converts text to MP3 audio.
func (g *GTTS) Synthesize(ctx context.Context, text string) (*AudioResult, error) {
	text, err := ValidateText(text)
	if err != nil {
		return nil, WrapError(providerGTTS, err)
	}

	start := time.Now()
	segments := splitSegments(text, gttsMaxSegment)

	var audio bytes.Buffer
	for i, seg := range segments {
		if err := g.fetch(ctx, seg, i, len(segments), &audio); err != nil {
			return nil, err
		}
	}
	if audio.Len() == 0 {
		return nil, WrapError(providerGTTS, ErrEmptyAudio)
	}

	latency := time.Since(start).Milliseconds()
	g.logger.Debug("synthesized audio",
		"chars", len(text),
		"segments", len(segments),
		"bytes", audio.Len(),
		"latency_ms", latency,
	)

	return &AudioResult{
		Audio:     audio.Bytes(),
		Encoding:  EncodingMP3,
		Duration:  mp3Duration(audio.Len(), 32),
		Provider:  providerGTTS,
		CharCount: len(text),
		LatencyMs: latency,
	}, nil
}

func (g *GTTS) fetch(ctx context.Context, segment string, idx, total int, w io.Writer) error {
	q := url.Values{}
	q.Set("ie", "UTF-8")
	q.Set("q", segment)
	q.Set("tl", g.config.Language)
	q.Set("client", "tw-ob")
	q.Set("idx", fmt.Sprint(idx))
	q.Set("total", fmt.Sprint(total))
	q.Set("textlen", fmt.Sprint(utf8.RuneCountInString(segment)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return WrapError(providerGTTS, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := g.client.Do(req)
	if err != nil {
		return WrapError(providerGTTS, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &APIError{StatusCode: resp.StatusCode, Message: string(body), Provider: providerGTTS}
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		return WrapError(providerGTTS, fmt.Errorf("read response: %w", err))
	}
	return nil
}

// Close releases resources.
func (g *GTTS) Close() error {
	g.client.CloseIdleConnections()
	return nil
}

// splitSegments breaks text into pieces of at most max characters at word
// boundaries. Single words longer than max, such as unspaced CJK text, are
// split on rune boundaries.
func splitSegments(text string, max int) []string {
	var (
		segments []string
		current  strings.Builder
		n        int
	)
	flush := func() {
		if current.Len() > 0 {
			segments = append(segments, current.String())
			current.Reset()
			n = 0
		}
	}

	for _, word := range strings.Fields(text) {
		runes := []rune(word)
		for len(runes) > max {
			flush()
			segments = append(segments, string(runes[:max]))
			runes = runes[max:]
		}
		if n > 0 && n+1+len(runes) > max {
			flush()
		}
		if n > 0 {
			current.WriteByte(' ')
			n++
		}
		current.WriteString(string(runes))
		n += len(runes)
	}
	flush()
	return segments
}

// Verify GTTS implements Provider at compile time.
var _ Provider = (*GTTS)(nil)
