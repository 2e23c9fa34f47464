package voice

import (
	"time"

	"github.com/teslashibe/go-talkback/pkg/artifact"
	"github.com/teslashibe/go-talkback/pkg/fallback"
	"github.com/teslashibe/go-talkback/pkg/session"
	"github.com/teslashibe/go-talkback/pkg/stt"
)

// Utterance is one captured user utterance.
type Utterance struct {
	Audio    []byte
	MIMEType string
	Duration time.Duration
}

func (u Utterance) audio() *stt.Audio {
	return &stt.Audio{Data: u.Audio, MIMEType: u.MIMEType, Duration: u.Duration}
}

// Outcome is how a completed turn ended.
type Outcome string

// Turn outcomes.
const (
	// OutcomeSpoken turns have text and audio.
	OutcomeSpoken Outcome = "spoken"

	// OutcomeTextOnly turns have text but synthesis failed or ran out of time.
	OutcomeTextOnly Outcome = "text_only"
)

// Turn is one completed exchange.
type Turn struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`

	// Utterance is the captured audio; nil for typed input.
	Utterance *Utterance `json:"-"`

	Transcript     string             `json:"transcript"`
	CompletionText string             `json:"completion_text"`
	Audio          *artifact.Artifact `json:"-"`
	Outcome        Outcome            `json:"outcome"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`

	// Attempts is every provider attempt in order; Failures is the subset
	// that did not succeed.
	Attempts []fallback.Attempt `json:"attempts"`
	Failures []fallback.Attempt `json:"failures"`

	// Truncated reports that the completion stream was cut short, either
	// by the voice limits or by the turn cap.
	Truncated bool `json:"truncated"`

	Metrics Metrics `json:"-"`
}

// AudioURL returns the playback URL, or "" for text-only turns.
func (t *Turn) AudioURL() string {
	if t.Audio == nil {
		return ""
	}
	return t.Audio.URL
}

func (t *Turn) record(attempts []fallback.Attempt) {
	t.Attempts = append(t.Attempts, attempts...)
	t.Failures = fallback.Failures(t.Attempts)
}

func (t *Turn) stored() session.Turn {
	return session.Turn{
		ID:          t.ID,
		Transcript:  t.Transcript,
		Response:    t.CompletionText,
		Outcome:     string(t.Outcome),
		Failures:    len(t.Failures),
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
	}
}
