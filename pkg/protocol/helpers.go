package protocol

// =============================================================================
// Helper functions for creating messages
// =============================================================================

// NewStateMessage announces a session's pipeline state.
func NewStateMessage(session, state string) (*Message, error) {
	return NewMessage(TypeState, StateData{Session: session, State: state})
}

// NewSpeakMessage hands a clip to the renderer.
func NewSpeakMessage(session, turnID, audioURL, transcript string) (*Message, error) {
	return NewMessage(TypeSpeak, SpeakData{
		Session:    session,
		TurnID:     turnID,
		AudioURL:   audioURL,
		Transcript: transcript,
	})
}

// NewPingMessage creates a ping message
func NewPingMessage(id string, ts int64) (*Message, error) {
	return NewMessage(TypePing, PingData{ID: id, Timestamp: ts})
}

// NewPongMessage creates a pong response message
func NewPongMessage(id string, pingTS, pongTS int64) (*Message, error) {
	return NewMessage(TypePong, PongData{
		ID:        id,
		PingTS:    pingTS,
		PongTS:    pongTS,
		LatencyMs: pongTS - pingTS,
	})
}

// =============================================================================
// Helper functions for parsing messages
// =============================================================================

// Decode extracts a message's data as T.
func Decode[T any](m *Message) (*T, error) {
	var data T
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// Encode builds and serializes a message in one step.
func Encode(msgType MessageType, data any) ([]byte, error) {
	msg, err := NewMessage(msgType, data)
	if err != nil {
		return nil, err
	}
	return msg.Bytes()
}
