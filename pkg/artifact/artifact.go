// Package artifact stores synthesized audio for the lifetime of a turn.
//
// An artifact is written after TTS succeeds, fetched by the renderer
// through its URL, and deleted once playback completes or the turn is
// cancelled.
package artifact

import (
	"context"
	"errors"
	"mime"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned for unknown or deleted keys.
var ErrNotFound = errors.New("artifact: not found")

// Artifact is one audio clip.
type Artifact struct {
	Key      string
	URL      string
	Data     []byte
	MIMEType string
	Duration time.Duration
}

// Store holds artifacts.
type Store interface {
	// Put stores the artifact and returns the URL a client can fetch it from.
	Put(ctx context.Context, a *Artifact) (string, error)

	// Get returns a stored artifact.
	Get(ctx context.Context, key string) (*Artifact, error)

	// Delete removes an artifact. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// NewKey returns a unique key for a turn's audio.
func NewKey(turnID, mimeType string) string {
	return turnID + "-" + uuid.NewString()[:8] + extension(mimeType)
}

func extension(mimeType string) string {
	switch strings.ToLower(strings.TrimSpace(strings.Split(mimeType, ";")[0])) {
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/ogg", "audio/opus":
		return ".ogg"
	case "audio/pcm", "audio/l16":
		return ".pcm"
	}
	if exts, _ := mime.ExtensionsByType(mimeType); len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
