package inference

// Role defines message roles in a conversation.
type Role string

const (
	// RoleSystem is for system instructions.
	RoleSystem Role = "system"

	// RoleUser is for user messages.
	RoleUser Role = "user"

	// RoleAssistant is for assistant responses.
	RoleAssistant Role = "assistant"
)

// Message represents a chat message in a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates an assistant message.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// VoicePrompt is the system instruction for spoken replies in the given
// ISO-639-1 language.
func VoicePrompt(language string) string {
	if language == "" {
		language = "en"
	}
	return "You are a helpful assistant with a voice interface. " +
		"Keep your responses very succinct and limited to a single sentence " +
		"since the user is interacting with you through a voice interface. " +
		"Always provide your responses in the language that corresponds to the ISO-639-1 code: " +
		language + "."
}

// splitSystem separates system instructions from the conversation turns.
func splitSystem(msgs []Message) (system string, rest []Message) {
	for _, m := range msgs {
		if m.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}
