package web

import (
	"sync"
	"time"

	"github.com/teslashibe/go-talkback/pkg/fallback"
	"github.com/teslashibe/go-talkback/pkg/voice"
)

// TurnAudit is the attempt audit of one turn.
type TurnAudit struct {
	Time      string             `json:"time"`
	SessionID string             `json:"session_id"`
	TurnID    string             `json:"turn_id"`
	Attempts  []fallback.Attempt `json:"attempts"`
	Failures  int                `json:"failures"`
}

// Diagnostics keeps the most recent turn audits in memory.
type Diagnostics struct {
	size int

	mu      sync.RWMutex
	entries []TurnAudit
}

var _ voice.DiagnosticsSink = (*Diagnostics)(nil)

// NewDiagnostics creates a buffer holding up to size audits.
func NewDiagnostics(size int) *Diagnostics {
	if size <= 0 {
		size = 500
	}
	return &Diagnostics{size: size, entries: make([]TurnAudit, 0, size)}
}

// RecordTurn adds an audit, dropping the oldest when full.
func (d *Diagnostics) RecordTurn(sessionID, turnID string, attempts []fallback.Attempt) {
	entry := TurnAudit{
		Time:      time.Now().Format(time.RFC3339),
		SessionID: sessionID,
		TurnID:    turnID,
		Attempts:  append([]fallback.Attempt{}, attempts...),
		Failures:  len(fallback.Failures(attempts)),
	}

	d.mu.Lock()
	d.entries = append(d.entries, entry)
	if len(d.entries) > d.size {
		d.entries = d.entries[1:]
	}
	d.mu.Unlock()
}

// Recent returns up to n audits, newest first.
func (d *Diagnostics) Recent(n int) []TurnAudit {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if n <= 0 || n > len(d.entries) {
		n = len(d.entries)
	}
	out := make([]TurnAudit, 0, n)
	for i := len(d.entries) - 1; len(out) < n; i-- {
		out = append(out, d.entries[i])
	}
	return out
}

// Len returns the number of audits held.
func (d *Diagnostics) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}
