package domain

import "time"

// DefaultSessionID is used when a request does not name a session.
const DefaultSessionID = "default"

// Message is a single persisted conversation turn.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Conversation is the stored history of one session, oldest message first.
type Conversation struct {
	SessionID string
	Messages  []Message
}

// LastActivity returns the timestamp of the newest stamped message, or the
// zero time when no message carries one.
func (c Conversation) LastActivity() time.Time {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if ts := c.Messages[i].Timestamp; ts != nil {
			return *ts
		}
	}
	return time.Time{}
}

// ToChatMessage converts a stored turn into the prompt shape.
func (m Message) ToChatMessage() ChatMessage {
	return ChatMessage{Role: m.Role, Content: m.Content}
}

// NewMessage stamps a message with the current UTC time.
func NewMessage(role, content string) Message {
	now := time.Now().UTC()
	return Message{Role: role, Content: content, Timestamp: &now}
}
