package fallback

import (
	"time"

	"github.com/teslashibe/go-talkback/pkg/retry"
)

// Capability identifies which pipeline stage a chain serves.
type Capability string

// Pipeline capabilities.
const (
	CapabilitySTT        Capability = "stt"
	CapabilityCompletion Capability = "completion"
	CapabilityTTS        Capability = "tts"
)

// Outcome is the result of one provider attempt.
type Outcome string

// Attempt outcomes.
const (
	OutcomeSuccess   Outcome = "success"
	OutcomeRetryable Outcome = "retryable_error"
	OutcomeFatal     Outcome = "fatal_error"
)

// Attempt is one try against one provider. Chains record one per try,
// including the successful one.
type Attempt struct {
	Capability Capability    `json:"capability"`
	Provider   string        `json:"provider"`
	Number     int           `json:"attempt"`
	Outcome    Outcome       `json:"outcome"`
	Latency    time.Duration `json:"-"`
	LatencyMs  int64         `json:"latency_ms"`
	Err        string        `json:"error,omitempty"`
}

// Failed reports whether the attempt did not succeed.
func (a Attempt) Failed() bool {
	return a.Outcome != OutcomeSuccess
}

// Failures returns the attempts that did not succeed, in order.
func Failures(attempts []Attempt) []Attempt {
	var out []Attempt
	for _, a := range attempts {
		if a.Failed() {
			out = append(out, a)
		}
	}
	return out
}

func outcomeOf(obs retry.Observation) Outcome {
	switch {
	case obs.Err == nil:
		return OutcomeSuccess
	case obs.Class == retry.Retryable:
		return OutcomeRetryable
	default:
		return OutcomeFatal
	}
}
