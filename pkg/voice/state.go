package voice

import (
	"fmt"
	"log/slog"
	"sync"
)

// State is a session's pipeline state.
type State string

// Pipeline states.
const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateSpeaking   State = "speaking"
)

var transitions = map[State][]State{
	StateIdle:       {StateListening, StateProcessing},
	StateListening:  {StateProcessing, StateIdle},
	StateProcessing: {StateSpeaking, StateIdle, StateListening},
	StateSpeaking:   {StateIdle, StateListening},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateSink mirrors state changes to an avatar renderer. Implementations
// must not block.
type StateSink interface {
	SetListening(sessionID string) error
	SetProcessing(sessionID string) error
	SetIdle(sessionID string) error

	// Speak hands the renderer a turn's clip to play with its transcript.
	Speak(sessionID, turnID, audioURL, transcript string) error

	// Ready reports whether a renderer can play audio for the session.
	Ready(sessionID string) bool
}

// NopSink discards state changes.
type NopSink struct{}

func (NopSink) SetListening(string) error                  { return nil }
func (NopSink) SetProcessing(string) error                 { return nil }
func (NopSink) SetIdle(string) error                       { return nil }
func (NopSink) Speak(string, string, string, string) error { return nil }
func (NopSink) Ready(string) bool                          { return false }

// Machine is one session's state machine. Transitions are forwarded to
// the sink; sink errors are logged and never block a transition.
type Machine struct {
	sessionID string
	sink      StateSink
	logger    *slog.Logger

	mu    sync.Mutex
	state State
}

// NewMachine creates a machine in the Idle state.
func NewMachine(sessionID string, sink StateSink, logger *slog.Logger) *Machine {
	if sink == nil {
		sink = NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		sessionID: sessionID,
		sink:      sink,
		logger:    logger,
		state:     StateIdle,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves to the given state. Moving to the current state is a
// no-op.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	if from == to {
		return nil
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	m.state = to

	var err error
	switch to {
	case StateListening:
		err = m.sink.SetListening(m.sessionID)
	case StateProcessing:
		err = m.sink.SetProcessing(m.sessionID)
	case StateIdle:
		err = m.sink.SetIdle(m.sessionID)
	}
	// Speaking has no setter; the renderer learns of it through Speak.
	if err != nil {
		m.logger.Warn("state sink failed", "session", m.sessionID, "state", to, "error", err)
	}
	m.logger.Debug("state changed", "session", m.sessionID, "from", from, "to", to)
	return nil
}

// Speak sends a clip to the renderer when both parts exist and the sink
// is ready. It reports whether the clip was sent.
func (m *Machine) Speak(turnID, audioURL, transcript string) bool {
	if audioURL == "" || transcript == "" || !m.sink.Ready(m.sessionID) {
		return false
	}
	if err := m.sink.Speak(m.sessionID, turnID, audioURL, transcript); err != nil {
		m.logger.Warn("state sink speak failed", "session", m.sessionID, "error", err)
		return false
	}
	return true
}
