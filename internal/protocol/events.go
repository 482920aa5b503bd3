// Package protocol defines the WebSocket event types and structures used for
// communication between the client and server. All events are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/lumeo/social-chat/internal/chat"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeOpenDirect = "open_direct"
	TypeJoin       = "join"
	TypeLeave      = "leave"
	TypeSend       = "send"
	TypeDelivered  = "delivered"
	TypeSeen       = "seen"
	TypeTyping     = "typing"
	TypeStopTyping = "stop_typing"
	TypeHistory    = "history"
	TypePing       = "ping"
)

// Server -> Client event types.
const (
	TypeMessage             = "message"
	TypeStatusUpdated       = "status_updated"
	TypeConversationUpdated = "conversation_updated"
	TypeSendFailed          = "send_failed"
	TypeHistoryResult       = "history_result"
	TypeError               = "error"
	TypePong                = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server event structs
// ---------------------------------------------------------------------------

// OpenDirectMsg opens (or reuses) the 1:1 conversation between the caller
// and another user. The server answers with a conversation_updated event
// carrying the conversation id.
type OpenDirectMsg struct {
	Type   string `json:"type"`
	PeerID string `json:"peer_id"`
}

// JoinMsg subscribes the connection to a conversation channel and resets the
// caller's unread counter for that conversation.
type JoinMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// LeaveMsg unsubscribes the connection from a conversation channel.
type LeaveMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// SendMsg submits a new chat message to a conversation.
type SendMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	ContentType    string `json:"content_type"`
}

// DeliveredMsg acknowledges receipt of a single message by its receiver.
type DeliveredMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
}

// SeenMsg acknowledges that the caller has seen all delivered messages
// addressed to them in a conversation.
type SeenMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// TypingMsg signals that the client started typing in a conversation.
type TypingMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// StopTypingMsg signals that the client stopped typing in a conversation.
type StopTypingMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// HistoryMsg requests the message history of a conversation.
type HistoryMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// MessageEvent carries a newly persisted message to conversation subscribers
// and, redundantly, to the receiver's registered connection. Clients must
// de-duplicate by message ID since both paths may deliver the same message.
type MessageEvent struct {
	Type    string       `json:"type"`
	Message chat.Message `json:"message"`
}

// StatusUpdatedEvent notifies a message's sender of a delivery-state
// transition (sent -> delivered -> seen).
type StatusUpdatedEvent struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// ConversationUpdatedEvent refreshes one participant's view of a
// conversation summary: the last message and that participant's own
// unread count.
type ConversationUpdatedEvent struct {
	Type           string            `json:"type"`
	ConversationID string            `json:"conversation_id"`
	LastMessage    *chat.LastMessage `json:"last_message,omitempty"`
	UnreadCount    int               `json:"unread_count"`
}

// SendFailedEvent reports a delivery pipeline failure to the sender.
type SendFailedEvent struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// ServerTypingEvent relays a participant's typing indicator to the other
// channel subscribers.
type ServerTypingEvent struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	From           string `json:"from"`
	IsTyping       bool   `json:"is_typing"`
}

// HistoryResultEvent returns a conversation's messages in creation order.
type HistoryResultEvent struct {
	Type           string         `json:"type"`
	ConversationID string         `json:"conversation_id"`
	Messages       []chat.Message `json:"messages"`
}

// ErrorEvent communicates an error condition to the client.
type ErrorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client event.
// It returns the event type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only event types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeOpenDirect:
		var m OpenDirectMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoin:
		var m JoinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeave:
		var m LeaveMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSend:
		var m SendMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDelivered:
		var m DeliveredMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSeen:
		var m SeenMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeStopTyping:
		var m StopTypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeHistory:
		var m HistoryMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client event type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server event.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the *Event structs; this function marshals it to JSON,
// injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
