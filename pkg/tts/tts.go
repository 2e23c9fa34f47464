// Package tts provides text-to-speech adapters behind a single Provider
// interface. Each adapter performs exactly one vendor request per call and
// leaves retries to the caller's retry policy, so adapters can be freely
// reordered in a fallback chain.
//
// Example usage:
//
//	openai, _ := tts.NewOpenAI(tts.WithAPIKey(os.Getenv("OPENAI_API_KEY")))
//	edge, _ := tts.NewEdge()
//	chain, _ := tts.NewChain(retry.DefaultPolicy(), []tts.Provider{openai, edge})
//	audio, attempts, err := chain.Run(ctx, "Hello there.")
package tts

import (
	"context"
	"strings"
	"time"
)

// Provider is the unified interface for TTS vendors.
type Provider interface {
	// Name identifies the provider in attempts and logs.
	Name() string

	// Synthesize converts text to a complete audio buffer.
	Synthesize(ctx context.Context, text string) (*AudioResult, error)

	// Close releases any resources held by the provider.
	Close() error
}

// AudioResult contains synthesized audio.
type AudioResult struct {
	// Audio is the encoded audio data.
	Audio []byte

	// Encoding describes the audio codec.
	Encoding Encoding

	// Duration is the playback length, estimated when the vendor does not report it.
	Duration time.Duration

	// Provider is the adapter that produced the audio.
	Provider string

	// CharCount is the number of characters synthesized.
	CharCount int

	// LatencyMs is the time to receive the full response.
	LatencyMs int64
}

// MIMEType returns the content type for the audio.
func (r *AudioResult) MIMEType() string {
	return r.Encoding.MIMEType()
}

// Encoding represents audio encoding types.
type Encoding string

// Supported encodings.
const (
	EncodingMP3  Encoding = "mp3"
	EncodingWAV  Encoding = "wav"
	EncodingOpus Encoding = "opus"
	EncodingPCM  Encoding = "pcm_24000"
)

// MIMEType returns the content type for the encoding.
func (e Encoding) MIMEType() string {
	switch e {
	case EncodingWAV:
		return "audio/wav"
	case EncodingOpus:
		return "audio/ogg"
	case EncodingPCM:
		return "audio/L16;rate=24000"
	default:
		return "audio/mpeg"
	}
}

// Voice text limits.
const (
	MaxTextLength = 4096
)

// ValidateText trims text and checks it is speakable.
func ValidateText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyText
	}
	if len(text) > MaxTextLength {
		return "", ErrTextTooLong
	}
	return text, nil
}

// mp3Duration estimates playback length from size at the given bitrate in kbps.
func mp3Duration(size, kbps int) time.Duration {
	if kbps <= 0 {
		return 0
	}
	return time.Duration(size) * 8 * time.Millisecond / time.Duration(kbps)
}
