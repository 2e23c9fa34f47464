// Package session stores conversation sessions between turns.
//
// A session is created on the first utterance, grows by one completed
// turn at a time and is evicted after inactivity or an explicit reset.
// Two backends are provided: Memory for a single process and Redis for
// deployments with several replicas.
package session

import (
	"context"
	"errors"
	"time"
)

// Defaults for stores.
const (
	DefaultTTL      = 30 * time.Minute
	DefaultMaxTurns = 50
)

var (
	// ErrNotFound is returned when a session does not exist or has expired.
	ErrNotFound = errors.New("session: not found")

	// ErrInvalidID is returned for empty session IDs.
	ErrInvalidID = errors.New("session: invalid id")
)

// Turn is the stored record of one completed exchange.
type Turn struct {
	ID          string    `json:"id"`
	Transcript  string    `json:"transcript"`
	Response    string    `json:"response"`
	Outcome     string    `json:"outcome"`
	Failures    int       `json:"failures"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Session is a conversation's append-only turn log.
type Session struct {
	ID             string    `json:"id"`
	Turns          []Turn    `json:"turns"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// History returns the last max messages of the conversation.
// A non-positive max returns every message.
func (s *Session) History(max int) []Message {
	var msgs []Message
	for _, t := range s.Turns {
		msgs = append(msgs, TurnMessages(t)...)
	}
	return lastN(msgs, max)
}

func (s *Session) clone() *Session {
	cp := *s
	cp.Turns = append([]Turn(nil), s.Turns...)
	return &cp
}

// Store persists sessions.
type Store interface {
	// Get returns the session or ErrNotFound.
	Get(ctx context.Context, id string) (*Session, error)

	// Create returns the session, creating it if it does not exist.
	Create(ctx context.Context, id string) (*Session, error)

	// Append adds a completed turn and refreshes the activity time.
	Append(ctx context.Context, id string, turn Turn) error

	// Evict removes the session. Evicting a missing session is not an error.
	Evict(ctx context.Context, id string) error
}

// Options configure stores.
type Options struct {
	// TTL is the inactivity timeout.
	TTL time.Duration

	// MaxTurns bounds the stored turn log; older turns are dropped.
	MaxTurns int

	// Now overrides the clock in tests.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.MaxTurns <= 0 {
		o.MaxTurns = DefaultMaxTurns
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

func appendTurn(s *Session, turn Turn, maxTurns int, now time.Time) {
	s.Turns = append(s.Turns, turn)
	if len(s.Turns) > maxTurns {
		s.Turns = append([]Turn(nil), s.Turns[len(s.Turns)-maxTurns:]...)
	}
	s.LastActivityAt = now
}
