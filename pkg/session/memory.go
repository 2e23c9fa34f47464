package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Memory is an in-process Store.
type Memory struct {
	opts   Options
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*entry
}

type entry struct {
	mu      sync.Mutex
	session *Session
}

// NewMemory creates an in-memory store.
func NewMemory(opts Options, logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		opts:     opts.withDefaults(),
		logger:   logger.With("component", "session.memory"),
		sessions: make(map[string]*entry),
	}
}

// Get returns a copy of the session.
func (m *Memory) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	e, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if m.expired(e.session) {
		return nil, ErrNotFound
	}
	return e.session.clone(), nil
}

// Create returns the existing session or a new empty one.
func (m *Memory) Create(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.Lock()
	e, ok := m.sessions[id]
	if ok {
		e.mu.Lock()
		ok = !m.expired(e.session)
		e.mu.Unlock()
	}
	if !ok {
		now := m.opts.Now()
		e = &entry{session: &Session{ID: id, CreatedAt: now, LastActivityAt: now}}
		m.sessions[id] = e
		m.logger.Debug("session created", "session", id)
	}
	m.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.clone(), nil
}

// Append adds a turn under the session's own lock.
func (m *Memory) Append(ctx context.Context, id string, turn Turn) error {
	m.mu.RLock()
	e, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if m.expired(e.session) {
		return ErrNotFound
	}
	appendTurn(e.session, turn, m.opts.MaxTurns, m.opts.Now())
	return nil
}

// Evict removes a session.
func (m *Memory) Evict(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

// Sweep evicts sessions idle for longer than olderThan and returns their
// IDs. A non-positive olderThan uses the store's TTL.
func (m *Memory) Sweep(olderThan time.Duration) []string {
	if olderThan <= 0 {
		olderThan = m.opts.TTL
	}
	cutoff := m.opts.Now().Add(-olderThan)

	m.mu.Lock()
	defer m.mu.Unlock()

	var evicted []string
	for id, e := range m.sessions {
		e.mu.Lock()
		idle := e.session.LastActivityAt.Before(cutoff)
		e.mu.Unlock()
		if idle {
			delete(m.sessions, id)
			evicted = append(evicted, id)
		}
	}
	if len(evicted) > 0 {
		m.logger.Info("evicted idle sessions", "count", len(evicted))
	}
	return evicted
}

// Len returns the number of stored sessions.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Memory) expired(s *Session) bool {
	return m.opts.Now().Sub(s.LastActivityAt) > m.opts.TTL
}

var _ Store = (*Memory)(nil)
