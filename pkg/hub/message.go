// Package hub provides a thread-safe websocket broadcast hub
// using the idiomatic Go channel-based fan-out pattern.
//
// Clients subscribe to a topic (a session ID) or to everything, and may
// send messages back; the hub hands those to a handler.
package hub

// MessageType indicates the websocket message format
type MessageType int

const (
	// JSONMessage is a JSON-encoded message
	JSONMessage MessageType = iota
	// BinaryMessage is raw binary data
	BinaryMessage
)

// Message represents a message to be broadcast to clients
type Message struct {
	Type MessageType
	Data []byte

	// Topic limits delivery to clients subscribed to it. Empty reaches all.
	Topic string
}

// NewJSONMessage creates a JSON message from pre-encoded bytes
func NewJSONMessage(topic string, data []byte) Message {
	return Message{Type: JSONMessage, Data: data, Topic: topic}
}

// NewBinaryMessage creates a binary message
func NewBinaryMessage(topic string, data []byte) Message {
	return Message{Type: BinaryMessage, Data: data, Topic: topic}
}

// reaches reports whether a client on topic should get the message.
func (m Message) reaches(topic string) bool {
	return m.Topic == "" || topic == "" || m.Topic == topic
}
