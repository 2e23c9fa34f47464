package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-talkback/pkg/artifact"
	"github.com/teslashibe/go-talkback/pkg/inference"
	"github.com/teslashibe/go-talkback/pkg/session"
	"github.com/teslashibe/go-talkback/pkg/stt"
	"github.com/teslashibe/go-talkback/pkg/tts"
	"github.com/teslashibe/go-talkback/pkg/voicetext"
)

// cleanupTimeout bounds store writes and artifact deletes that must
// outlive the turn context.
const cleanupTimeout = 5 * time.Second

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	// STT is required for SubmitUtterance.
	STT *stt.Chain

	// Completion is required.
	Completion *inference.Chain

	// TTS is optional; without it every turn is text-only.
	TTS *tts.Chain

	// Sessions is required.
	Sessions session.Store

	// Artifacts is required when TTS is set.
	Artifacts artifact.Store

	Sink        StateSink
	Diagnostics DiagnosticsSink
	Metrics     *MetricsCollector
	Logger      *slog.Logger
}

// Orchestrator runs turns for many sessions, one turn per session at a time.
type Orchestrator struct {
	cfg         Config
	stt         *stt.Chain
	completion  *inference.Chain
	tts         *tts.Chain
	sessions    session.Store
	artifacts   artifact.Store
	sink        StateSink
	diagnostics DiagnosticsSink
	metrics     *MetricsCollector
	logger      *slog.Logger

	mu   sync.Mutex
	live map[string]*liveSession
}

// liveSession is the in-process state of a session.
type liveSession struct {
	machine *Machine
	turn    *inflight

	// pending maps turn IDs to artifacts awaiting PlaybackDone.
	pending map[string]string

	lastActive time.Time
}

// inflight is a running turn. Its mutex orders transitions made by the
// turn against Cancel. Lock order is Orchestrator.mu, then inflight.mu.
type inflight struct {
	id     string
	cancel context.CancelCauseFunc

	mu          sync.Mutex
	cancelled   bool
	done        bool
	artifactKey string
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Completion == nil {
		return nil, errors.New("voice: completion chain required")
	}
	if deps.Sessions == nil {
		return nil, errors.New("voice: session store required")
	}
	if deps.TTS != nil && deps.Artifacts == nil {
		return nil, errors.New("voice: artifact store required with a TTS chain")
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = inference.VoicePrompt(cfg.Language)
	}
	if deps.Sink == nil {
		deps.Sink = NopSink{}
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetricsCollector()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	logger := deps.Logger.With("component", "voice.orchestrator")
	if deps.Diagnostics == nil {
		deps.Diagnostics = LogDiagnostics{Logger: logger}
	}

	return &Orchestrator{
		cfg:         cfg,
		stt:         deps.STT,
		completion:  deps.Completion,
		tts:         deps.TTS,
		sessions:    deps.Sessions,
		artifacts:   deps.Artifacts,
		sink:        deps.Sink,
		diagnostics: deps.Diagnostics,
		metrics:     deps.Metrics,
		logger:      logger,
		live:        make(map[string]*liveSession),
	}, nil
}

// Config returns the orchestrator's configuration.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Metrics returns the latency collector.
func (o *Orchestrator) Metrics() *MetricsCollector {
	return o.metrics
}

// session returns the live state for id, creating it and marking it
// active. Caller holds o.mu.
func (o *Orchestrator) session(id string) *liveSession {
	l, ok := o.live[id]
	if !ok {
		l = &liveSession{
			machine: NewMachine(id, o.sink, o.logger),
			pending: make(map[string]string),
		}
		o.live[id] = l
	}
	l.lastActive = time.Now()
	return l
}

// State returns the session's pipeline state. Unknown sessions are Idle.
func (o *Orchestrator) State(sessionID string) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	if l, ok := o.live[sessionID]; ok {
		return l.machine.State()
	}
	return StateIdle
}

// Busy reports whether the session has a turn in flight.
func (o *Orchestrator) Busy(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.live[sessionID]
	return ok && l.turn != nil
}

// BeginListening marks the start of user speech.
func (o *Orchestrator) BeginListening(sessionID string) error {
	if sessionID == "" {
		return session.ErrInvalidID
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	l := o.session(sessionID)
	if l.turn != nil {
		return ErrSessionBusy
	}
	return l.machine.Transition(StateListening)
}

// SubmitOption customizes a single submission.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	history    []session.Message
	hasHistory bool
}

// WithHistory supplies the conversation history instead of reading it
// from the session store, for clients that carry it themselves.
func WithHistory(msgs []session.Message) SubmitOption {
	return func(o *submitOptions) {
		o.history = msgs
		o.hasHistory = true
	}
}

// SubmitUtterance runs a full turn for captured audio.
func (o *Orchestrator) SubmitUtterance(ctx context.Context, sessionID string, u Utterance, opts ...SubmitOption) (*Turn, error) {
	if o.stt == nil {
		return nil, errors.New("voice: no STT chain configured")
	}
	if len(u.Audio) == 0 {
		return nil, ErrEmptyInput
	}

	run, err := o.begin(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer run.end()
	run.turn.Utterance = &u

	transcript, attempts, err := o.stt.Run(run.ctx, u.audio())
	run.turn.record(attempts)
	if err != nil {
		return o.fail(run, StageTranscription, err)
	}
	run.turn.Transcript = voicetext.Clip(strings.TrimSpace(transcript.Text), o.cfg.MaxTranscriptChars)
	run.turn.Metrics.markTranscript(time.Now())

	return o.respond(run, opts)
}

// SubmitText runs a turn for typed input, skipping transcription.
func (o *Orchestrator) SubmitText(ctx context.Context, sessionID, text string, opts ...SubmitOption) (*Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyInput
	}

	run, err := o.begin(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer run.end()
	run.turn.Transcript = voicetext.Clip(text, o.cfg.MaxTranscriptChars)

	return o.respond(run, opts)
}

// turnRun is the working state of one SubmitUtterance or SubmitText call.
type turnRun struct {
	ctx  context.Context
	end  func()
	live *liveSession
	fl   *inflight
	turn *Turn
}

// begin admits a turn, creates the session if needed and moves to Processing.
func (o *Orchestrator) begin(ctx context.Context, sessionID string) (*turnRun, error) {
	if sessionID == "" {
		return nil, session.ErrInvalidID
	}

	tctx, cancel := context.WithCancelCause(ctx)
	tctx, stop := context.WithTimeoutCause(tctx, o.cfg.TurnTimeout, ErrTurnTimeout)

	now := time.Now()
	fl := &inflight{id: uuid.NewString(), cancel: cancel}

	o.mu.Lock()
	l := o.session(sessionID)
	if l.turn != nil {
		o.mu.Unlock()
		stop()
		cancel(nil)
		return nil, ErrSessionBusy
	}
	l.turn = fl
	if err := l.machine.Transition(StateProcessing); err != nil {
		o.logger.Warn("unexpected state at turn start", "session", sessionID, "error", err)
	}
	o.mu.Unlock()

	run := &turnRun{
		ctx:  tctx,
		live: l,
		fl:   fl,
		turn: &Turn{
			ID:        fl.id,
			SessionID: sessionID,
			StartedAt: now,
			Metrics:   newMetrics(now),
		},
	}
	run.end = func() {
		stop()
		cancel(nil)
		o.release(l, fl)
	}

	if _, err := o.sessions.Create(tctx, sessionID); err != nil {
		o.settle(run, StateIdle)
		run.end()
		return nil, fmt.Errorf("voice: create session: %w", err)
	}

	o.logger.Debug("turn started", "session", sessionID, "turn", fl.id)
	return run, nil
}

// release frees the session for the next turn and parks the turn's
// artifact until playback completes.
func (o *Orchestrator) release(l *liveSession, fl *inflight) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if l.turn == fl {
		l.turn = nil
	}
	l.lastActive = time.Now()
	fl.mu.Lock()
	if fl.done && fl.artifactKey != "" {
		l.pending[fl.id] = fl.artifactKey
	}
	fl.mu.Unlock()
}

// transition moves the state unless the turn was cancelled.
func (o *Orchestrator) transition(run *turnRun, to State) bool {
	run.fl.mu.Lock()
	defer run.fl.mu.Unlock()
	if run.fl.cancelled {
		return false
	}
	if err := run.live.machine.Transition(to); err != nil {
		o.logger.Warn("state transition failed", "session", run.turn.SessionID, "error", err)
	}
	return true
}

// settle marks the turn done and moves to the terminal state. It returns
// false when the turn was cancelled first.
func (o *Orchestrator) settle(run *turnRun, to State) bool {
	run.fl.mu.Lock()
	defer run.fl.mu.Unlock()
	if run.fl.cancelled {
		return false
	}
	run.fl.done = true
	if err := run.live.machine.Transition(to); err != nil {
		o.logger.Warn("state transition failed", "session", run.turn.SessionID, "error", err)
	}
	return true
}

func (o *Orchestrator) cancelled(run *turnRun) bool {
	run.fl.mu.Lock()
	defer run.fl.mu.Unlock()
	return run.fl.cancelled
}

func timedOut(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrTurnTimeout)
}

// respond runs completion and synthesis for the turn's transcript.
func (o *Orchestrator) respond(run *turnRun, opts []SubmitOption) (*Turn, error) {
	var so submitOptions
	for _, opt := range opts {
		opt(&so)
	}

	turn := run.turn
	history := so.history
	if !so.hasHistory {
		history = o.history(run.ctx, turn.SessionID)
	}

	req := &inference.ChatRequest{
		SessionID:     turn.SessionID,
		Messages:      o.messages(history, turn.Transcript),
		ClientHistory: so.hasHistory,
	}
	completion := inference.NewCompletion(req, o.cfg.Limits.Enough)

	text, attempts, err := o.completion.Run(run.ctx, completion)
	turn.record(attempts)
	textOnly := false
	if err != nil {
		if o.cancelled(run) {
			return nil, ErrCancelledByUser
		}
		partial := strings.TrimSpace(completion.Partial())
		if !timedOut(run.ctx) || partial == "" {
			return o.fail(run, StageCompletion, err)
		}
		o.logger.Warn("turn cap reached during completion, using partial text",
			"session", turn.SessionID, "turn", turn.ID, "chars", len(partial))
		text = partial
		textOnly = true
		turn.Truncated = true
	}
	if completion.StoppedEarly() {
		turn.Truncated = true
	}

	turn.CompletionText = voicetext.Truncate(voicetext.Clip(text, o.cfg.MaxResponseChars), o.cfg.Limits)
	if turn.CompletionText == "" {
		return o.fail(run, StageCompletion, inference.ErrEmptyCompletion)
	}
	turn.Metrics.markCompletion(time.Now())

	if textOnly || o.tts == nil {
		return o.complete(run, OutcomeTextOnly)
	}
	if !o.transition(run, StateSpeaking) {
		return nil, ErrCancelledByUser
	}

	audio, attempts, err := o.tts.Run(run.ctx, turn.CompletionText)
	turn.record(attempts)
	if err != nil {
		if o.cancelled(run) {
			return nil, ErrCancelledByUser
		}
		o.logger.Warn("synthesis unavailable, completing as text",
			"session", turn.SessionID, "turn", turn.ID, "error", err)
		return o.complete(run, OutcomeTextOnly)
	}

	if err := o.store(run, audio); err != nil {
		if errors.Is(err, ErrCancelledByUser) {
			return nil, err
		}
		o.logger.Warn("storing audio failed, completing as text",
			"session", turn.SessionID, "turn", turn.ID, "error", err)
		return o.complete(run, OutcomeTextOnly)
	}
	turn.Metrics.markAudio(time.Now())
	run.live.machine.Speak(turn.ID, turn.Audio.URL, turn.CompletionText)

	return o.complete(run, OutcomeSpoken)
}

// store writes the audio artifact. An artifact stored after the turn was
// cancelled is deleted again.
func (o *Orchestrator) store(run *turnRun, audio *tts.AudioResult) error {
	a := &artifact.Artifact{
		Key:      artifact.NewKey(run.turn.ID, audio.MIMEType()),
		Data:     audio.Audio,
		MIMEType: audio.MIMEType(),
		Duration: audio.Duration,
	}
	url, err := o.artifacts.Put(run.ctx, a)
	if err != nil {
		return err
	}
	a.URL = url

	run.fl.mu.Lock()
	cancelled := run.fl.cancelled
	if !cancelled {
		run.fl.artifactKey = a.Key
	}
	run.fl.mu.Unlock()

	if cancelled {
		o.deleteArtifact(a.Key)
		return ErrCancelledByUser
	}
	run.turn.Audio = a
	return nil
}

// complete appends a finished turn and returns to Idle.
func (o *Orchestrator) complete(run *turnRun, outcome Outcome) (*Turn, error) {
	turn := run.turn
	turn.Outcome = outcome
	turn.CompletedAt = time.Now()
	turn.Metrics.markDone(turn.CompletedAt)

	// The append outlives the turn cap so a late turn is still recorded.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(run.ctx), cleanupTimeout)
	defer cancel()

	run.fl.mu.Lock()
	if run.fl.cancelled {
		run.fl.mu.Unlock()
		return nil, ErrCancelledByUser
	}
	run.fl.done = true
	run.fl.mu.Unlock()

	if err := o.sessions.Append(ctx, turn.SessionID, turn.stored()); err != nil {
		o.logger.Error("failed to append turn", "session", turn.SessionID, "turn", turn.ID, "error", err)
	}
	if err := run.live.machine.Transition(StateIdle); err != nil {
		o.logger.Warn("state transition failed", "session", turn.SessionID, "error", err)
	}

	o.metrics.Record(turn.Metrics)
	o.diagnostics.RecordTurn(turn.SessionID, turn.ID, turn.Attempts)
	o.logger.Info("turn completed",
		"session", turn.SessionID,
		"turn", turn.ID,
		"outcome", outcome,
		"attempts", len(turn.Attempts),
		"failures", len(turn.Failures),
		"latency", turn.Metrics.FormatLatency(),
	)
	return turn, nil
}

// fail ends the turn with an error and returns to Idle.
func (o *Orchestrator) fail(run *turnRun, stage Stage, err error) (*Turn, error) {
	if !o.settle(run, StateIdle) {
		return nil, ErrCancelledByUser
	}
	turn := run.turn
	if timedOut(run.ctx) {
		err = fmt.Errorf("%w: %w", ErrTurnTimeout, err)
	}

	o.diagnostics.RecordTurn(turn.SessionID, turn.ID, turn.Attempts)
	o.logger.Warn("turn failed",
		"session", turn.SessionID,
		"turn", turn.ID,
		"stage", stage,
		"attempts", len(turn.Attempts),
		"error", err,
	)
	return nil, &TurnError{
		SessionID: turn.SessionID,
		TurnID:    turn.ID,
		Stage:     stage,
		Err:       err,
		Attempts:  turn.Attempts,
	}
}

// Cancel aborts the session's in-flight turn and returns it to
// Listening. It is a no-op when no turn is in flight.
func (o *Orchestrator) Cancel(sessionID string) error {
	o.mu.Lock()
	l, ok := o.live[sessionID]
	if !ok || l.turn == nil {
		o.mu.Unlock()
		return nil
	}
	fl := l.turn
	l.turn = nil

	fl.mu.Lock()
	if fl.done {
		fl.mu.Unlock()
		o.mu.Unlock()
		return nil
	}
	fl.cancelled = true
	key := fl.artifactKey
	fl.artifactKey = ""
	if err := l.machine.Transition(StateListening); err != nil {
		o.logger.Warn("state transition failed", "session", sessionID, "error", err)
	}
	fl.mu.Unlock()
	o.mu.Unlock()

	fl.cancel(ErrCancelledByUser)
	if key != "" {
		o.deleteArtifact(key)
	}
	o.logger.Info("turn cancelled", "session", sessionID, "turn", fl.id)
	return nil
}

// PlaybackDone deletes a turn's audio once the renderer has played it.
func (o *Orchestrator) PlaybackDone(sessionID, turnID string) error {
	o.mu.Lock()
	var key string
	if l, ok := o.live[sessionID]; ok {
		key = l.pending[turnID]
		delete(l.pending, turnID)
	}
	o.mu.Unlock()

	if key == "" {
		return artifact.ErrNotFound
	}
	o.deleteArtifact(key)
	return nil
}

// Reset cancels any in-flight turn, deletes pending audio and evicts the
// session.
func (o *Orchestrator) Reset(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return session.ErrInvalidID
	}
	o.forget(sessionID, true)
	if err := o.sessions.Evict(ctx, sessionID); err != nil {
		return fmt.Errorf("voice: evict session: %w", err)
	}
	o.logger.Info("session reset", "session", sessionID)
	return nil
}

// Forget drops the in-process state of a session the store has already
// evicted. Sessions with a turn in flight are kept.
func (o *Orchestrator) Forget(sessionID string) {
	o.forget(sessionID, false)
}

// Expire forgets sessions with no turn in flight that have been inactive
// for longer than idle, and returns their IDs. Audio still awaiting
// playback is deleted with them.
func (o *Orchestrator) Expire(idle time.Duration) []string {
	cutoff := time.Now().Add(-idle)

	o.mu.Lock()
	var ids []string
	for id, l := range o.live {
		if l.turn == nil && l.lastActive.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	o.mu.Unlock()

	for _, id := range ids {
		o.forget(id, false)
	}
	if len(ids) > 0 {
		o.logger.Debug("expired idle sessions", "count", len(ids))
	}
	return ids
}

// Sessions returns the number of sessions with in-process state.
func (o *Orchestrator) Sessions() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.live)
}

func (o *Orchestrator) forget(sessionID string, force bool) {
	o.mu.Lock()
	l, ok := o.live[sessionID]
	if !ok || (l.turn != nil && !force) {
		o.mu.Unlock()
		return
	}
	fl := l.turn
	l.turn = nil
	var keys []string
	for _, k := range l.pending {
		keys = append(keys, k)
	}
	if fl != nil {
		fl.mu.Lock()
		fl.cancelled = !fl.done
		if fl.artifactKey != "" {
			keys = append(keys, fl.artifactKey)
			fl.artifactKey = ""
		}
		fl.mu.Unlock()
	}
	if err := l.machine.Transition(StateIdle); err != nil {
		o.logger.Debug("state transition failed", "session", sessionID, "error", err)
	}
	delete(o.live, sessionID)
	o.mu.Unlock()

	if fl != nil {
		fl.cancel(ErrCancelledByUser)
	}
	for _, k := range keys {
		o.deleteArtifact(k)
	}
}

func (o *Orchestrator) deleteArtifact(key string) {
	if o.artifacts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := o.artifacts.Delete(ctx, key); err != nil {
		o.logger.Warn("failed to delete audio", "key", key, "error", err)
	}
}

// history reads prior messages from the store. A missing session has none.
func (o *Orchestrator) history(ctx context.Context, sessionID string) []session.Message {
	s, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			o.logger.Warn("failed to load history", "session", sessionID, "error", err)
		}
		return nil
	}
	return s.History(o.cfg.HistoryMessages)
}

func (o *Orchestrator) messages(history []session.Message, text string) []inference.Message {
	msgs := make([]inference.Message, 0, len(history)+2)
	msgs = append(msgs, inference.NewSystemMessage(o.cfg.SystemPrompt))
	for _, m := range history {
		switch m.Role {
		case session.RoleUser:
			msgs = append(msgs, inference.NewUserMessage(m.Content))
		case session.RoleAssistant:
			msgs = append(msgs, inference.NewAssistantMessage(m.Content))
		}
	}
	return append(msgs, inference.NewUserMessage(text))
}
