// Package protocol defines the WebSocket messages exchanged with avatar
// renderers on /ws/state.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Server → renderer messages
	TypeState MessageType = "state" // Pipeline state change
	TypeSpeak MessageType = "speak" // Clip to play with lip sync

	// Renderer → server messages
	TypeReady        MessageType = "ready"         // Renderer can play audio
	TypePlaybackDone MessageType = "playback_done" // Clip finished playing
	TypeListening    MessageType = "listening"     // Voice activity started
	TypeCancel       MessageType = "cancel"        // Barge-in

	// Bidirectional
	TypePing MessageType = "ping" // Health check
	TypePong MessageType = "pong" // Health check response
)

// Message is the base wrapper for all WebSocket messages
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"` // Unix milliseconds
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data any) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct
func (m *Message) ParseData(v any) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("failed to parse message: missing type")
	}
	return &msg, nil
}

// =============================================================================
// Server → renderer
// =============================================================================

// StateData announces a pipeline state.
type StateData struct {
	Session string `json:"session"`
	State   string `json:"state"` // "idle", "listening", "processing"
}

// SpeakData hands the renderer a clip. The renderer reports playback_done
// with the same turn ID once it has played.
type SpeakData struct {
	Session    string `json:"session"`
	TurnID     string `json:"turn_id"`
	AudioURL   string `json:"audio_url"`
	Transcript string `json:"transcript"`
}

// =============================================================================
// Renderer → server
// =============================================================================

// SessionData names the session a renderer message is about.
type SessionData struct {
	Session string `json:"session"`
}

// PlaybackData reports a finished clip.
type PlaybackData struct {
	Session string `json:"session"`
	TurnID  string `json:"turn_id"`
}

// =============================================================================
// Bidirectional
// =============================================================================

// PingData contains ping information
type PingData struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"ts"`
}

// PongData contains pong response
type PongData struct {
	ID        string `json:"id"`
	PingTS    int64  `json:"ping_ts"`
	PongTS    int64  `json:"pong_ts"`
	LatencyMs int64  `json:"latency_ms"`
}
