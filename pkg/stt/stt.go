// Package stt provides speech-to-text adapters behind a single Provider
// interface. Adapters declare the audio formats they accept; the pipeline
// never transcodes, so a format mismatch is a fatal error for that adapter.
package stt

import (
	"context"
	"mime"
	"strings"
	"time"
)

// Provider is the unified interface for STT vendors.
type Provider interface {
	// Name identifies the provider in attempts and logs.
	Name() string

	// Accepts reports whether the provider can decode the MIME type.
	Accepts(mimeType string) bool

	// Transcribe converts audio to text. One vendor request per call.
	Transcribe(ctx context.Context, audio *Audio) (*Transcript, error)
}

// Audio is a captured utterance.
type Audio struct {
	Data     []byte
	MIMEType string
	Duration time.Duration
}

// Transcript is the result of a transcription.
type Transcript struct {
	Text      string
	Language  string
	Provider  string
	LatencyMs int64
}

// MaxAudioSize is the largest utterance accepted.
const MaxAudioSize = 10 << 20

// Validate checks that audio is present, small enough, and labelled as audio.
func (a *Audio) Validate() error {
	if a == nil || len(a.Data) == 0 {
		return ErrEmptyAudio
	}
	if len(a.Data) > MaxAudioSize {
		return ErrAudioTooLarge
	}
	if !strings.HasPrefix(BaseType(a.MIMEType), "audio/") && BaseType(a.MIMEType) != "video/webm" {
		return ErrUnsupportedFormat
	}
	return nil
}

// BaseType strips parameters such as codecs from a MIME type.
func BaseType(mimeType string) string {
	base, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		base, _, _ = strings.Cut(mimeType, ";")
	}
	return strings.ToLower(strings.TrimSpace(base))
}

// formatSet is a set of accepted base MIME types.
type formatSet map[string]struct{}

func newFormatSet(types ...string) formatSet {
	s := make(formatSet, len(types))
	for _, t := range types {
		s[t] = struct{}{}
	}
	return s
}

func (s formatSet) accepts(mimeType string) bool {
	_, ok := s[BaseType(mimeType)]
	return ok
}

// fileExtension returns a filename extension vendors use to sniff the container.
func fileExtension(mimeType string) string {
	switch BaseType(mimeType) {
	case "audio/webm", "video/webm":
		return "webm"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return "m4a"
	case "audio/mpeg", "audio/mp3":
		return "mp3"
	case "audio/ogg":
		return "ogg"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "wav"
	case "audio/flac":
		return "flac"
	default:
		return "bin"
	}
}
