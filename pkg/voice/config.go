package voice

import (
	"errors"
	"time"

	"github.com/teslashibe/go-talkback/pkg/voicetext"
)

// Config holds the tunable parameters of the orchestrator.
type Config struct {
	// TurnTimeout caps a whole turn, from submission to stored audio.
	TurnTimeout time.Duration

	// Language is passed to the default system prompt.
	Language string

	// SystemPrompt precedes the history in every completion request.
	// Empty uses inference.VoicePrompt(Language).
	SystemPrompt string

	// Limits shape completion text for speech.
	Limits voicetext.Limits

	// HistoryMessages is how many prior messages accompany a request.
	HistoryMessages int

	// MaxTranscriptChars and MaxResponseChars clip stored text.
	MaxTranscriptChars int
	MaxResponseChars   int
}

// DefaultConfig returns a Config with the production defaults.
func DefaultConfig() Config {
	return Config{
		TurnTimeout:        15 * time.Second,
		Language:           "en",
		Limits:             voicetext.DefaultLimits(),
		HistoryMessages:    10,
		MaxTranscriptChars: 1000,
		MaxResponseChars:   5000,
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.TurnTimeout <= 0 {
		return errors.New("voice: turn timeout must be positive")
	}
	if c.Limits.MaxSentences <= 0 || c.Limits.MaxWords <= 0 {
		return errors.New("voice: voice limits must be positive")
	}
	if c.HistoryMessages < 0 {
		return errors.New("voice: history messages must not be negative")
	}
	if c.MaxTranscriptChars <= 0 || c.MaxResponseChars <= 0 {
		return errors.New("voice: text limits must be positive")
	}
	return nil
}

// WithTurnTimeout returns a copy with the turn cap set.
func (c Config) WithTurnTimeout(d time.Duration) Config {
	c.TurnTimeout = d
	return c
}

// WithSystemPrompt returns a copy with the system prompt set.
func (c Config) WithSystemPrompt(prompt string) Config {
	c.SystemPrompt = prompt
	return c
}

// WithLanguage returns a copy with the language set.
func (c Config) WithLanguage(lang string) Config {
	c.Language = lang
	return c
}

// WithLimits returns a copy with the voice limits set.
func (c Config) WithLimits(l voicetext.Limits) Config {
	c.Limits = l
	return c
}
