package web

import (
	"log/slog"

	"github.com/teslashibe/go-talkback/pkg/hub"
	"github.com/teslashibe/go-talkback/pkg/protocol"
	"github.com/teslashibe/go-talkback/pkg/voice"
)

// HubSink is a voice.StateSink that publishes state events to the
// renderers subscribed to a session.
type HubSink struct {
	hub *hub.Hub
}

var _ voice.StateSink = (*HubSink)(nil)

// NewHubSink creates a sink publishing to h.
func NewHubSink(h *hub.Hub) *HubSink {
	return &HubSink{hub: h}
}

// NewHub creates the renderer hub. NewServer installs its message handler.
func NewHub(logger *slog.Logger) *hub.Hub {
	return hub.New("state", hub.WithLogger(logger))
}

func (s *HubSink) SetListening(sessionID string) error {
	return s.state(sessionID, voice.StateListening)
}

func (s *HubSink) SetProcessing(sessionID string) error {
	return s.state(sessionID, voice.StateProcessing)
}

func (s *HubSink) SetIdle(sessionID string) error {
	return s.state(sessionID, voice.StateIdle)
}

// Speak sends the clip with its transcript for lip sync.
func (s *HubSink) Speak(sessionID, turnID, audioURL, transcript string) error {
	msg, err := protocol.NewSpeakMessage(sessionID, turnID, audioURL, transcript)
	if err != nil {
		return err
	}
	return s.publish(sessionID, msg)
}

// Ready reports whether a renderer watching the session has said it can
// play audio.
func (s *HubSink) Ready(sessionID string) bool {
	return s.hub.Count(func(c *hub.Client) bool {
		return c.Ready() && (c.Topic() == "" || c.Topic() == sessionID)
	}) > 0
}

func (s *HubSink) state(sessionID string, st voice.State) error {
	msg, err := protocol.NewStateMessage(sessionID, string(st))
	if err != nil {
		return err
	}
	return s.publish(sessionID, msg)
}

func (s *HubSink) publish(sessionID string, msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}
	s.hub.Broadcast(hub.NewJSONMessage(sessionID, data))
	return nil
}
