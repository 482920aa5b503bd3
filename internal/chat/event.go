package chat

// Event kinds carried on conversation channels.
const (
	EventMessage = "message"
	EventTyping  = "typing"
)

// Event is the payload published to NATS conversation.<id> subjects for
// real-time fan-out to channel subscribers.
type Event struct {
	Type           string   `json:"type"` // "message" or "typing"
	From           string   `json:"from"` // user ID of the originator
	ConversationID string   `json:"conversation_id,omitempty"`
	Message        *Message `json:"message,omitempty"`
	IsTyping       bool     `json:"is_typing,omitempty"`
}
