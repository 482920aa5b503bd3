package chat

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a conversation or message id cannot be
// resolved in the store.
var ErrNotFound = errors.New("chat: not found")

// ErrForbidden is returned when an authenticated user is not a participant
// or receiver of the target resource.
var ErrForbidden = errors.New("chat: forbidden")

// Store is the durable record store for conversations and messages. The
// backing store guarantees atomic per-record updates; ApplySend additionally
// commits the message insert and the conversation summary update in a single
// transaction so a message is never visible without its metadata.
type Store interface {
	// FindConversation loads a conversation by id, with the unread-count
	// invariant normalized. Returns ErrNotFound if the id is unknown.
	FindConversation(ctx context.Context, id string) (*Conversation, error)

	// FindOrCreateDirect returns the existing 1:1 conversation between the
	// two users, creating it on first use so duplicate 1:1 conversations are
	// never produced.
	FindOrCreateDirect(ctx context.Context, userA, userB string) (*Conversation, error)

	// ApplySend persists a new message with status sent and, in the same
	// transaction, updates the conversation's last-message summary and
	// increments the unread counter of every participant except the sender.
	// It returns the updated conversation.
	ApplySend(ctx context.Context, msg *Message) (*Conversation, error)

	// ResetUnread sets the given participant's unread counter to zero and
	// returns the updated conversation.
	ResetUnread(ctx context.Context, conversationID, userID string) (*Conversation, error)

	// GetMessage loads a message by id. Returns ErrNotFound if unknown.
	GetMessage(ctx context.Context, id string) (*Message, error)

	// MarkDelivered advances a message from sent to delivered, stamping
	// deliveredAt. It reports whether the transition was applied; a message
	// already delivered or seen is left untouched.
	MarkDelivered(ctx context.Context, messageID string, at time.Time) (bool, error)

	// MarkSeen advances every delivered message in the conversation that is
	// addressed to receiverID to seen in one batch update, stamping seenAt.
	// It returns the affected messages so each sender can be notified.
	MarkSeen(ctx context.Context, conversationID, receiverID string, at time.Time) ([]Message, error)

	// ListMessages returns the conversation's messages in creation order. As
	// in a history read by the receiving client, messages addressed to
	// callerID that are still sent are promoted to delivered first.
	ListMessages(ctx context.Context, conversationID, callerID string) ([]Message, error)
}
