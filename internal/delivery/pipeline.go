// Package delivery implements the message delivery pipeline and the
// per-message delivery state machine (sent -> delivered -> seen). A message
// travels two paths at once: the conversation channel reaches every
// subscribed connection, and a direct push reaches the receiver's registered
// connection. Both paths may deliver the same message, so clients
// de-duplicate by message ID.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/lumeo/social-chat/internal/chat"
	"github.com/lumeo/social-chat/internal/metrics"
	"github.com/lumeo/social-chat/internal/protocol"
)

// Publisher publishes an event to a conversation's channel.
type Publisher interface {
	PublishConversation(conversationID string, data []byte) error
}

// Presence resolves an online user to their registered connection.
type Presence interface {
	Lookup(userID string) (string, bool)
}

// Sender pushes an event to one specific connection.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// Pipeline validates, persists, and fans out chat messages, and drives
// delivery-state transitions.
type Pipeline struct {
	store     chat.Store
	publisher Publisher
	presence  Presence
	sender    Sender
}

// NewPipeline creates a delivery pipeline on top of the record store,
// conversation channels, and presence registry.
func NewPipeline(store chat.Store, publisher Publisher, presence Presence) *Pipeline {
	return &Pipeline{
		store:     store,
		publisher: publisher,
		presence:  presence,
	}
}

// SetSender assigns the direct sender. This supports the initialization
// pattern where the pipeline is created before the WebSocket server.
func (p *Pipeline) SetSender(sender Sender) {
	p.sender = sender
}

// Send runs the full pipeline for a new message: content validation,
// participant authorization, transactional persist (message insert plus
// conversation summary and unread counters), then fan-out. The persisted
// message is returned so the caller can acknowledge it. Fan-out failures are
// logged, not returned; once the store commit succeeds the message exists
// and offline or unreachable recipients pick it up from history.
func (p *Pipeline) Send(ctx context.Context, senderID, conversationID, content, contentType string) (*chat.Message, error) {
	start := time.Now()

	if contentType == "" {
		contentType = chat.ContentText
	}
	if err := chat.ValidateContent(content, contentType); err != nil {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	conv, err := p.store.FindConversation(ctx, conversationID)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	if !conv.HasParticipant(senderID) {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("%w: user %s is not a participant of conversation %s",
			chat.ErrForbidden, senderID, conversationID)
	}

	msg := &chat.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		ReceiverID:     conv.OtherParticipant(senderID),
		Content:        content,
		ContentType:    contentType,
		Status:         chat.StatusSent,
		CreatedAt:      start.UTC(),
	}

	conv, err = p.store.ApplySend(ctx, msg)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("delivery: persist message: %w", err)
	}

	p.fanOut(conv, msg)

	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	metrics.SendLatency.Observe(time.Since(start).Seconds())
	return msg, nil
}

// MarkDelivered advances one message to delivered on behalf of its receiver.
// Group messages carry no per-recipient delivery state, so the ack is a
// no-op for them. An ack for a message already delivered or seen is also a
// no-op; the state machine only moves forward. On a real transition the
// message's sender is notified if online.
func (p *Pipeline) MarkDelivered(ctx context.Context, messageID, userID string) error {
	msg, err := p.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.ReceiverID == "" {
		return nil
	}
	if msg.ReceiverID != userID {
		return fmt.Errorf("%w: user %s is not the receiver of message %s",
			chat.ErrForbidden, userID, messageID)
	}

	now := time.Now().UTC()
	applied, err := p.store.MarkDelivered(ctx, messageID, now)
	if err != nil {
		return fmt.Errorf("delivery: mark delivered: %w", err)
	}
	if !applied {
		return nil
	}

	metrics.StatusTransitionsTotal.WithLabelValues(chat.StatusDelivered).Inc()
	p.notifyStatus(msg.SenderID, messageID, chat.StatusDelivered, now)
	return nil
}

// MarkSeen advances every delivered message addressed to the caller in the
// conversation to seen, in one batch. Each affected message's sender is
// notified if online. Calling it again with nothing left to advance is a
// no-op.
func (p *Pipeline) MarkSeen(ctx context.Context, conversationID, userID string) error {
	conv, err := p.store.FindConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(userID) {
		return fmt.Errorf("%w: user %s is not a participant of conversation %s",
			chat.ErrForbidden, userID, conversationID)
	}

	now := time.Now().UTC()
	msgs, err := p.store.MarkSeen(ctx, conversationID, userID, now)
	if err != nil {
		return fmt.Errorf("delivery: mark seen: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}

	metrics.StatusTransitionsTotal.WithLabelValues(chat.StatusSeen).Add(float64(len(msgs)))
	for _, m := range msgs {
		p.notifyStatus(m.SenderID, m.ID, chat.StatusSeen, now)
	}
	return nil
}

// History returns the conversation's messages in creation order for an
// authorized participant. Messages addressed to the caller that are still
// sent are promoted to delivered by the store, the same as an explicit ack.
func (p *Pipeline) History(ctx context.Context, conversationID, userID string) ([]chat.Message, error) {
	conv, err := p.store.FindConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, fmt.Errorf("%w: user %s is not a participant of conversation %s",
			chat.ErrForbidden, userID, conversationID)
	}
	return p.store.ListMessages(ctx, conversationID, userID)
}

// fanOut pushes a freshly persisted message to its audience: the event goes
// to the conversation channel for subscribed connections, directly to the
// receiver's registered connection, and every participant gets a
// conversation summary refresh with their own unread count.
func (p *Pipeline) fanOut(conv *chat.Conversation, msg *chat.Message) {
	event := chat.Event{
		Type:           chat.EventMessage,
		From:           msg.SenderID,
		ConversationID: conv.ID,
		Message:        msg,
	}
	if data, err := json.Marshal(event); err != nil {
		log.Printf("delivery: marshal channel event msg=%s: %v", msg.ID, err)
	} else if err := p.publisher.PublishConversation(conv.ID, data); err != nil {
		log.Printf("delivery: publish conversation=%s msg=%s: %v", conv.ID, msg.ID, err)
	}

	if msg.ReceiverID != "" {
		p.sendDirect(msg.ReceiverID, protocol.TypeMessage, protocol.MessageEvent{Message: *msg})
	}

	for _, userID := range conv.Participants {
		p.sendDirect(userID, protocol.TypeConversationUpdated, protocol.ConversationUpdatedEvent{
			ConversationID: conv.ID,
			LastMessage:    conv.LastMessage,
			UnreadCount:    conv.UnreadCounts[userID],
		})
	}
}

// notifyStatus tells a message's sender about a delivery-state transition,
// if they are online.
func (p *Pipeline) notifyStatus(senderID, messageID, status string, at time.Time) {
	p.sendDirect(senderID, protocol.TypeStatusUpdated, protocol.StatusUpdatedEvent{
		MessageID: messageID,
		Status:    status,
		Timestamp: at.Unix(),
	})
}

// sendDirect pushes an event to a user's registered connection. Offline
// users are skipped; push failures are logged only, since the durable state
// is already committed.
func (p *Pipeline) sendDirect(userID, msgType string, payload interface{}) {
	connID, online := p.presence.Lookup(userID)
	if !online {
		return
	}
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("delivery: build %s event user=%s: %v", msgType, userID, err)
		return
	}
	if err := p.sender.SendMessage(connID, data); err != nil {
		log.Printf("delivery: push %s user=%s conn=%s: %v", msgType, userID, connID, err)
	}
}
