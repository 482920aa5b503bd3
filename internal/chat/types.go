// Package chat defines the conversation and message domain model and the
// durable store that persists them. Conversations pair an ordered set of
// participants with a denormalized last-message summary and per-participant
// unread counters; messages carry a monotonic sent -> delivered -> seen
// delivery status.
package chat

import "time"

// Message delivery statuses. Transitions are monotonic: a message only ever
// moves sent -> delivered -> seen, never backward.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusSeen      = "seen"
)

// Message content types.
const (
	ContentText     = "text"
	ContentImage    = "image"
	ContentDocument = "document"
)

// LastMessage is the denormalized summary of a conversation's most recent
// message, stored on the conversation record itself.
type LastMessage struct {
	Text      string    `json:"text"`
	SenderID  string    `json:"sender_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation is a durable record pairing a set of participants with a
// message history and per-participant unread counters. 1:1 conversations are
// created lazily and reused; conversations are never deleted.
type Conversation struct {
	ID            string         `json:"id"`
	Participants  []string       `json:"participants"`
	IsGroup       bool           `json:"is_group"`
	GroupName     string         `json:"group_name,omitempty"`
	LastMessage   *LastMessage   `json:"last_message,omitempty"`
	LastMessageAt time.Time      `json:"last_message_at,omitempty"`
	UnreadCounts  map[string]int `json:"unread_counts"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// HasParticipant reports whether userID is a participant of the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// OtherParticipant returns the other participant of a 1:1 conversation.
// It returns "" for group conversations, which have no single counterpart.
func (c *Conversation) OtherParticipant(userID string) string {
	if c.IsGroup || len(c.Participants) != 2 {
		return ""
	}
	for _, p := range c.Participants {
		if p != userID {
			return p
		}
	}
	return ""
}

// NormalizeUnread enforces the unread-map invariant: every current
// participant has an entry (>= 0) and no stale keys remain. It is applied on
// every conversation load and save.
func (c *Conversation) NormalizeUnread() {
	normalized := make(map[string]int, len(c.Participants))
	for _, p := range c.Participants {
		if n := c.UnreadCounts[p]; n > 0 {
			normalized[p] = n
		} else {
			normalized[p] = 0
		}
	}
	c.UnreadCounts = normalized
}

// Message is a single chat message. All fields except the delivery status
// and its timestamps are immutable once persisted. For 1:1 conversations the
// receiver is the other participant; group messages have no single receiver
// and leave ReceiverID empty.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	ReceiverID     string     `json:"receiver_id,omitempty"`
	Content        string     `json:"content"`
	ContentType    string     `json:"content_type"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	SeenAt         *time.Time `json:"seen_at,omitempty"`
}
