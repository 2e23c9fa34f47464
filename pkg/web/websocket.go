package web

import (
	"errors"
	"time"

	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-talkback/pkg/artifact"
	"github.com/teslashibe/go-talkback/pkg/hub"
	"github.com/teslashibe/go-talkback/pkg/protocol"
)

// handleStateWS subscribes a renderer to a session's state events.
// Without ?session= it receives every session.
func (s *Server) handleStateWS(c *websocket.Conn) {
	client := hub.NewClient(s.hub, c, c.Query("session"))
	s.logger.Debug("renderer connected", "client", client.ID(), "session", client.Topic())
	client.Run()
}

// handleRendererMessage applies a message sent by a renderer.
func (s *Server) handleRendererMessage(c *hub.Client, data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		s.logger.Debug("invalid renderer message", "client", c.ID(), "error", err)
		return
	}

	switch msg.Type {
	case protocol.TypeReady:
		c.SetReady(true)
		s.logger.Info("renderer ready", "client", c.ID(), "session", c.Topic())

	case protocol.TypePlaybackDone:
		d, err := protocol.Decode[protocol.PlaybackData](msg)
		if err != nil {
			return
		}
		id := sessionOf(c, d.Session)
		if err := s.orch.PlaybackDone(id, d.TurnID); err != nil && !errors.Is(err, artifact.ErrNotFound) {
			s.logger.Warn("playback done failed", "session", id, "turn", d.TurnID, "error", err)
		}

	case protocol.TypeListening:
		d, err := protocol.Decode[protocol.SessionData](msg)
		if err != nil {
			return
		}
		id := sessionOf(c, d.Session)
		if err := s.orch.BeginListening(id); err != nil {
			s.logger.Debug("listening ignored", "session", id, "error", err)
		}

	case protocol.TypeCancel:
		d, err := protocol.Decode[protocol.SessionData](msg)
		if err != nil {
			return
		}
		id := sessionOf(c, d.Session)
		if err := s.orch.Cancel(id); err != nil {
			s.logger.Warn("cancel failed", "session", id, "error", err)
		}

	case protocol.TypePing:
		ping, err := protocol.Decode[protocol.PingData](msg)
		if err != nil {
			return
		}
		pong, err := protocol.NewPongMessage(ping.ID, ping.Timestamp, time.Now().UnixMilli())
		if err != nil {
			return
		}
		if b, err := pong.Bytes(); err == nil {
			s.hub.Broadcast(hub.NewJSONMessage(c.Topic(), b))
		}

	default:
		s.logger.Debug("unhandled renderer message", "type", msg.Type)
	}
}

// sessionOf picks the session named in a message, falling back to the
// client's subscription.
func sessionOf(c *hub.Client, named string) string {
	if named != "" {
		return named
	}
	return c.Topic()
}
