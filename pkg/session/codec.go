package session

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// MaxHeaderMessages is how many messages the continuation header carries.
const MaxHeaderMessages = 10

// Message roles carried in history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TurnMessages returns the user and assistant messages of a turn.
func TurnMessages(t Turn) []Message {
	var msgs []Message
	if t.Transcript != "" {
		msgs = append(msgs, Message{Role: RoleUser, Content: t.Transcript})
	}
	if t.Response != "" {
		msgs = append(msgs, Message{Role: RoleAssistant, Content: t.Response})
	}
	return msgs
}

// EncodeHistory encodes the last MaxHeaderMessages messages as base64 JSON
// for the X-Conversation header.
func EncodeHistory(msgs []Message) string {
	msgs = lastN(msgs, MaxHeaderMessages)
	if msgs == nil {
		msgs = []Message{}
	}
	data, _ := json.Marshal(msgs)
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeHistory parses a continuation header. An empty header is an empty
// history. Only the last MaxHeaderMessages messages are kept.
func DecodeHistory(header string) ([]Message, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}

	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("session: decode history: %w", err)
	}

	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("session: parse history: %w", err)
	}

	out := msgs[:0]
	for _, m := range msgs {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			return nil, fmt.Errorf("session: invalid role %q in history", m.Role)
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, m)
	}
	return lastN(out, MaxHeaderMessages), nil
}

func lastN(msgs []Message, n int) []Message {
	if n > 0 && len(msgs) > n {
		return msgs[len(msgs)-n:]
	}
	return msgs
}
