package voice

import (
	"errors"
	"fmt"

	"github.com/teslashibe/go-talkback/pkg/fallback"
)

var (
	// ErrSessionBusy is returned when a session already has a turn in flight.
	ErrSessionBusy = errors.New("voice: session busy")

	// ErrCancelledByUser is returned to the submitter of a cancelled turn.
	ErrCancelledByUser = errors.New("voice: cancelled by user")

	// ErrTranscriptionFailed matches a TurnError from the transcription stage.
	ErrTranscriptionFailed = errors.New("voice: transcription failed")

	// ErrCompletionFailed matches a TurnError from the completion stage.
	ErrCompletionFailed = errors.New("voice: completion failed")

	// ErrTurnTimeout is the cause recorded when the turn cap expires.
	ErrTurnTimeout = errors.New("voice: turn timed out")

	// ErrEmptyInput is returned for an utterance without audio or blank text.
	ErrEmptyInput = errors.New("voice: empty input")

	// ErrIllegalTransition is returned by Machine for transitions not in the table.
	ErrIllegalTransition = errors.New("voice: illegal state transition")
)

// Apology texts returned to the user when a stage fails.
const (
	TranscriptionApology = "[Speech recognition unavailable]"
	CompletionApology    = "I apologize, but I'm experiencing technical difficulties. Please try again in a moment."
)

// Stage names the pipeline stage a turn failed in.
type Stage string

// Pipeline stages.
const (
	StageTranscription Stage = "transcription"
	StageCompletion    Stage = "completion"
	StageSynthesis     Stage = "synthesis"
)

// TurnError is a failed turn.
type TurnError struct {
	SessionID string
	TurnID    string
	Stage     Stage
	Err       error

	// Attempts is the audit of every provider attempt in the turn.
	Attempts []fallback.Attempt
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("voice: turn %s failed in %s: %v", e.TurnID, e.Stage, e.Err)
}

func (e *TurnError) Unwrap() error {
	return e.Err
}

// Is maps the stage to its sentinel.
func (e *TurnError) Is(target error) bool {
	switch target {
	case ErrTranscriptionFailed:
		return e.Stage == StageTranscription
	case ErrCompletionFailed:
		return e.Stage == StageCompletion
	}
	return false
}

// Apology returns the text shown to the user for this failure.
func (e *TurnError) Apology() string {
	if e.Stage == StageTranscription {
		return TranscriptionApology
	}
	return CompletionApology
}

// Failures returns the attempts that did not succeed.
func (e *TurnError) Failures() []fallback.Attempt {
	return fallback.Failures(e.Attempts)
}
