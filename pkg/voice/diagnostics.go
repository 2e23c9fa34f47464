package voice

import (
	"log/slog"

	"github.com/teslashibe/go-talkback/pkg/fallback"
)

// DiagnosticsSink receives the attempt audit of every finished turn,
// successful or not. Cancelled turns are not reported.
type DiagnosticsSink interface {
	RecordTurn(sessionID, turnID string, attempts []fallback.Attempt)
}

// LogDiagnostics writes attempt audits through slog.
type LogDiagnostics struct {
	Logger *slog.Logger
}

// RecordTurn logs a summary line and one line per failed attempt.
func (d LogDiagnostics) RecordTurn(sessionID, turnID string, attempts []fallback.Attempt) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	failures := fallback.Failures(attempts)
	logger.Info("turn attempts",
		"session", sessionID,
		"turn", turnID,
		"attempts", len(attempts),
		"failures", len(failures),
	)
	for _, a := range failures {
		logger.Info("failed attempt",
			"session", sessionID,
			"turn", turnID,
			"capability", a.Capability,
			"provider", a.Provider,
			"attempt", a.Number,
			"outcome", a.Outcome,
			"latency", a.Latency,
			"error", a.Err,
		)
	}
}

// MultiDiagnostics fans an audit out to several sinks.
type MultiDiagnostics []DiagnosticsSink

// RecordTurn forwards to every sink.
func (m MultiDiagnostics) RecordTurn(sessionID, turnID string, attempts []fallback.Attempt) {
	for _, d := range m {
		d.RecordTurn(sessionID, turnID, attempts)
	}
}
