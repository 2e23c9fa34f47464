package web

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/teslashibe/go-talkback/pkg/artifact"
	"github.com/teslashibe/go-talkback/pkg/fallback"
	"github.com/teslashibe/go-talkback/pkg/session"
	"github.com/teslashibe/go-talkback/pkg/tts"
	"github.com/teslashibe/go-talkback/pkg/voice"
)

// Response headers of the inference endpoint.
const (
	HeaderTranscript   = "X-Transcript"
	HeaderAIResponse   = "X-AI-Response"
	HeaderSTTTime      = "X-STT-Time"
	HeaderAITime       = "X-AI-Time"
	HeaderConversation = "X-Conversation"
	HeaderSessionID    = "X-Session-ID"
	HeaderTurnID       = "X-Turn-ID"
)

// Header value limits, in characters.
const (
	maxTranscriptHeader = 500
	maxResponseHeader   = 2000
)

var exposedHeaders = []string{
	HeaderTranscript,
	HeaderAIResponse,
	HeaderSTTTime,
	HeaderAITime,
	HeaderConversation,
	HeaderSessionID,
	HeaderTurnID,
}

// handleHealth reports liveness
func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "ok",
		"hub":       s.hub.IsRunning(),
		"renderers": s.hub.ClientCount(),
	})
}

// handleInference runs a full voice turn for an uploaded utterance
func (s *Server) handleInference(c *fiber.Ctx) error {
	id := sessionID(c)
	opts, err := historyOptions(c)
	if err != nil {
		return err
	}
	audio, mimeType, err := readAudio(c)
	if err != nil {
		return err
	}

	ctx, cancel := s.turnContext(c)
	defer cancel()
	turn, err := s.orch.SubmitUtterance(ctx, id, voice.Utterance{Audio: audio, MIMEType: mimeType}, opts...)
	if err != nil {
		return s.turnFailed(c, id, err)
	}

	setTurnHeaders(c, turn)
	if turn.Audio == nil {
		return c.JSON(fiber.Map{
			"session_id": id,
			"turn_id":    turn.ID,
			"transcript": turn.Transcript,
			"response":   turn.CompletionText,
			"text_only":  true,
		})
	}

	// The clip goes out inline, so only a renderer still needs it.
	if !s.sink.Ready(id) {
		if err := s.orch.PlaybackDone(id, turn.ID); err != nil && !errors.Is(err, artifact.ErrNotFound) {
			s.logger.Warn("failed to release audio", "session", id, "turn", turn.ID, "error", err)
		}
	}
	c.Set(fiber.HeaderContentType, turn.Audio.MIMEType)
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set("X-Accel-Buffering", "no")
	return c.Send(turn.Audio.Data)
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Message string `json:"message"`
}

// handleChat runs a turn for typed input
func (s *Server) handleChat(c *fiber.Ctx) error {
	var req ChatRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	id := sessionID(c)
	opts, err := historyOptions(c)
	if err != nil {
		return err
	}

	ctx, cancel := s.turnContext(c)
	defer cancel()
	turn, err := s.orch.SubmitText(ctx, id, req.Message, opts...)
	if err != nil {
		return s.turnFailed(c, id, err)
	}

	c.Set(HeaderConversation, conversationHeader(turn))
	c.Set(HeaderSessionID, id)
	c.Set(HeaderTurnID, turn.ID)
	return c.JSON(fiber.Map{
		"session_id": id,
		"turn_id":    turn.ID,
		"response":   turn.CompletionText,
		"audio_url":  turn.AudioURL(),
		"text_only":  turn.Audio == nil,
		"truncated":  turn.Truncated,
		"failures":   nonNil(turn.Failures),
	})
}

// TTSRequest is the body of POST /api/tts.
type TTSRequest struct {
	Text string `json:"text"`
}

// handleTTS synthesizes text through the TTS chain
func (s *Server) handleTTS(c *fiber.Ctx) error {
	if s.tts == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "text-to-speech not configured")
	}
	var req TTSRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	text, err := tts.ValidateText(req.Text)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	ctx, cancel := s.turnContext(c)
	defer cancel()
	audio, attempts, err := s.tts.Run(ctx, text)
	s.diagnostics.RecordTurn(sessionID(c), "tts-"+uuid.NewString(), attempts)
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error":    "text-to-speech unavailable",
			"failures": nonNil(fallback.Failures(attempts)),
		})
	}

	c.Set(fiber.HeaderContentType, audio.MIMEType())
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set("X-TTS-Provider", audio.Provider)
	return c.Send(audio.Audio)
}

// handleListening marks the start of user speech
func (s *Server) handleListening(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := s.orch.BeginListening(id); err != nil {
		return sessionError(err)
	}
	return s.stateResponse(c, id)
}

// handleCancel aborts the in-flight turn
func (s *Server) handleCancel(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := s.orch.Cancel(id); err != nil {
		return sessionError(err)
	}
	return s.stateResponse(c, id)
}

// handlePlaybackDone releases a turn's audio
func (s *Server) handlePlaybackDone(c *fiber.Ctx) error {
	if err := s.orch.PlaybackDone(c.Params("id"), c.Params("turn")); err != nil {
		return sessionError(err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// handleReset forgets a session
func (s *Server) handleReset(c *fiber.Ctx) error {
	if err := s.orch.Reset(c.UserContext(), c.Params("id")); err != nil {
		return sessionError(err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// handleAudio serves a stored clip
func (s *Server) handleAudio(c *fiber.Ctx) error {
	if s.artifacts == nil {
		return fiber.ErrNotFound
	}
	a, err := s.artifacts.Get(c.UserContext(), c.Params("key"))
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			return fiber.ErrNotFound
		}
		return err
	}
	c.Set(fiber.HeaderContentType, a.MIMEType)
	c.Set(fiber.HeaderCacheControl, "no-store")
	return c.Send(a.Data)
}

// handleDiagnostics returns recent attempt audits, newest first
func (s *Server) handleDiagnostics(c *fiber.Ctx) error {
	avg := s.orch.Metrics().Average()
	return c.JSON(fiber.Map{
		"turns":          s.diagnostics.Recent(c.QueryInt("limit", 50)),
		"turns_measured": s.orch.Metrics().Count(),
		"latency":        avg.FormatLatency(),
	})
}

// handleCapabilities returns the configured provider chains
func (s *Server) handleCapabilities(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"providers":    s.capabilities,
		"turn_timeout": s.orch.Config().TurnTimeout.Seconds(),
		"language":     s.orch.Config().Language,
	})
}

func (s *Server) stateResponse(c *fiber.Ctx, id string) error {
	return c.JSON(fiber.Map{
		"session_id": id,
		"state":      s.orch.State(id),
	})
}

// turnFailed maps orchestrator errors to responses. Stage failures are
// answered with an apology and status 200 so voice clients can speak it.
func (s *Server) turnFailed(c *fiber.Ctx, id string, err error) error {
	c.Set(HeaderSessionID, id)

	var te *voice.TurnError
	switch {
	case errors.Is(err, voice.ErrCancelledByUser):
		return fiber.NewError(fiber.StatusConflict, "turn cancelled")
	case errors.As(err, &te):
		c.Set(HeaderTurnID, te.TurnID)
		return c.JSON(fiber.Map{
			"session_id": id,
			"turn_id":    te.TurnID,
			"error":      te.Apology(),
			"stage":      te.Stage,
			"timed_out":  errors.Is(err, voice.ErrTurnTimeout),
			"failures":   nonNil(te.Failures()),
		})
	}
	return sessionError(err)
}

func sessionError(err error) error {
	switch {
	case errors.Is(err, voice.ErrSessionBusy), errors.Is(err, voice.ErrIllegalTransition):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, voice.ErrEmptyInput), errors.Is(err, session.ErrInvalidID):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, artifact.ErrNotFound), errors.Is(err, session.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}
	return err
}

// sessionID reads the session from the header or query, or starts a new one.
func sessionID(c *fiber.Ctx) string {
	if id := strings.TrimSpace(c.Get(HeaderSessionID)); id != "" {
		return id
	}
	if id := strings.TrimSpace(c.Query("session")); id != "" {
		return id
	}
	return uuid.NewString()
}

// historyOptions decodes the continuation header, if the client sent one.
func historyOptions(c *fiber.Ctx) ([]voice.SubmitOption, error) {
	header := c.Get(HeaderConversation)
	if strings.TrimSpace(header) == "" {
		return nil, nil
	}
	msgs, err := session.DecodeHistory(header)
	if err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, "invalid "+HeaderConversation+" header")
	}
	return []voice.SubmitOption{voice.WithHistory(msgs)}, nil
}

// readAudio takes the utterance from the multipart "audio" field or the
// raw body.
func readAudio(c *fiber.Ctx) ([]byte, string, error) {
	if form, err := c.MultipartForm(); err == nil {
		files := form.File["audio"]
		if len(files) == 0 {
			return nil, "", fiber.NewError(fiber.StatusBadRequest, "missing audio file")
		}
		fh := files[0]
		f, err := fh.Open()
		if err != nil {
			return nil, "", err
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, "", err
		}
		if len(data) == 0 {
			return nil, "", fiber.NewError(fiber.StatusBadRequest, "empty audio file")
		}
		return data, fh.Header.Get(fiber.HeaderContentType), nil
	}

	body := c.Body()
	if len(body) == 0 {
		return nil, "", fiber.NewError(fiber.StatusBadRequest, "missing audio")
	}
	return bytes.Clone(body), c.Get(fiber.HeaderContentType), nil
}

func setTurnHeaders(c *fiber.Ctx, turn *voice.Turn) {
	c.Set(HeaderSTTTime, fmt.Sprintf("%.3f", turn.Metrics.STTLatency.Seconds()))
	c.Set(HeaderAITime, fmt.Sprintf("%.3f", turn.Metrics.CompletionLatency.Seconds()))
	c.Set(HeaderTranscript, encodeHeader(prefix(turn.Transcript, maxTranscriptHeader), 0))
	c.Set(HeaderAIResponse, encodeHeader(turn.CompletionText, maxResponseHeader))
	c.Set(HeaderConversation, conversationHeader(turn))
	c.Set(HeaderSessionID, turn.SessionID)
	c.Set(HeaderTurnID, turn.ID)
}

// conversationHeader carries the finished turn back for the client to
// append to its history.
func conversationHeader(turn *voice.Turn) string {
	return session.EncodeHistory(session.TurnMessages(session.Turn{
		Transcript: turn.Transcript,
		Response:   turn.CompletionText,
	}))
}

// encodeHeader base64-encodes s. A positive limit cuts the encoding on a
// quantum boundary so the value still decodes.
func encodeHeader(s string, limit int) string {
	enc := base64.StdEncoding.EncodeToString([]byte(s))
	if limit > 0 && len(enc) > limit {
		enc = enc[:limit-limit%4]
	}
	return enc
}

// prefix returns the first n runes of s.
func prefix(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func nonNil(a []fallback.Attempt) []fallback.Attempt {
	if a == nil {
		return []fallback.Attempt{}
	}
	return a
}
