// Package session owns the lifecycle of live connections after
// authentication: registering them in the presence registry, tracking which
// conversation channels each one subscribes to, and tearing everything down
// when the connection closes.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/lumeo/social-chat/internal/chat"
	"github.com/lumeo/social-chat/internal/presence"
	"github.com/lumeo/social-chat/internal/protocol"
)

// Session lifecycle states. A session object exists only after the bearer
// credential has been verified; a failed verification closes the socket
// before any session or presence state is created.
const (
	StateAuthenticated = "authenticated"
	StateClosed        = "closed"
)

// Session is the server-side state of one live connection: the user it was
// authenticated as and the conversation channels it subscribes to.
type Session struct {
	ConnID string
	UserID string

	mu       sync.Mutex
	state    string
	channels map[string]struct{} // subscribed conversation IDs
}

// State returns the session's lifecycle state.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribed reports whether the session is subscribed to the conversation.
func (s *Session) Subscribed(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.channels[conversationID]
	return ok
}

func (s *Session) addChannel(conversationID string) {
	s.mu.Lock()
	s.channels[conversationID] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) removeChannel(conversationID string) {
	s.mu.Lock()
	delete(s.channels, conversationID)
	s.mu.Unlock()
}

func (s *Session) close() {
	s.mu.Lock()
	s.state = StateClosed
	s.channels = map[string]struct{}{}
	s.mu.Unlock()
}

// Channels manages conversation-channel subscriptions and publishes to them
// (implemented by the NATS client).
type Channels interface {
	SubscribeConversation(conversationID, connID string, handler func(data []byte)) error
	UnsubscribeConversation(connID, conversationID string) error
	UnsubscribeAll(connID string)
	PublishConversation(conversationID string, data []byte) error
}

// DirectSender pushes an event to one specific connection, bypassing
// channel subscriptions.
type DirectSender interface {
	SendMessage(connID string, data []byte) error
}

// Manager tracks every live session on this server.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session // conn ID -> session

	presence *presence.Registry
	store    chat.Store
	channels Channels
	sender   DirectSender
}

// NewManager creates a session manager backed by the given presence
// registry, record store, and conversation channels.
func NewManager(registry *presence.Registry, store chat.Store, channels Channels) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		presence: registry,
		store:    store,
		channels: channels,
	}
}

// SetSender assigns the direct sender. This supports the initialization
// pattern where the manager is created before the WebSocket server.
func (m *Manager) SetSender(sender DirectSender) {
	m.sender = sender
}

// Register creates the session for a freshly authenticated connection and
// registers it in the presence registry. The connection starts with no
// channel subscriptions.
func (m *Manager) Register(ctx context.Context, connID, userID string) *Session {
	s := &Session{
		ConnID:   connID,
		UserID:   userID,
		state:    StateAuthenticated,
		channels: make(map[string]struct{}),
	}

	m.mu.Lock()
	m.sessions[connID] = s
	m.mu.Unlock()

	m.presence.Connect(ctx, userID)
	m.presence.RegisterConnection(userID, connID)
	return s
}

// Get returns the session for a connection, or nil if unknown.
func (m *Manager) Get(connID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[connID]
}

// Close tears down a connection's session: every channel subscription is
// dropped and the presence registry is decremented. Safe to call for a
// connection that was never registered (e.g. removed twice by racing
// cleanup paths).
func (m *Manager) Close(ctx context.Context, connID string) {
	m.mu.Lock()
	s, ok := m.sessions[connID]
	if ok {
		delete(m.sessions, connID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	s.close()
	m.channels.UnsubscribeAll(connID)
	m.presence.UnregisterConnection(s.UserID, connID)
	m.presence.Disconnect(ctx, s.UserID)
}

// OpenDirect finds or lazily creates the 1:1 conversation between the
// session's user and peerID, and pushes its summary to the connection. The
// same pair of users always resolves to the same conversation.
func (m *Manager) OpenDirect(ctx context.Context, connID, peerID string) error {
	s := m.Get(connID)
	if s == nil {
		return fmt.Errorf("session: unknown connection %s", connID)
	}
	if peerID == "" || peerID == s.UserID {
		return fmt.Errorf("%w: invalid peer %q", chat.ErrForbidden, peerID)
	}

	conv, err := m.store.FindOrCreateDirect(ctx, s.UserID, peerID)
	if err != nil {
		return fmt.Errorf("session: open direct with %s: %w", peerID, err)
	}

	m.sendConversationUpdated(s, conv)
	return nil
}

// Join subscribes the connection to the conversation's channel and resets
// the joining user's unread counter, publishing the refreshed summary to the
// joining connection only. Other participants' counters and views are
// untouched.
func (m *Manager) Join(ctx context.Context, connID, conversationID string) error {
	s := m.Get(connID)
	if s == nil {
		return fmt.Errorf("session: unknown connection %s", connID)
	}

	conv, err := m.store.FindConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(s.UserID) {
		return fmt.Errorf("%w: user %s is not a participant of conversation %s",
			chat.ErrForbidden, s.UserID, conversationID)
	}

	if err := m.channels.SubscribeConversation(conversationID, connID, m.channelHandler(s)); err != nil {
		return fmt.Errorf("session: subscribe conversation %s: %w", conversationID, err)
	}
	s.addChannel(conversationID)

	conv, err = m.store.ResetUnread(ctx, conversationID, s.UserID)
	if err != nil {
		return fmt.Errorf("session: reset unread: %w", err)
	}

	m.sendConversationUpdated(s, conv)
	return nil
}

// Leave unsubscribes the connection from the conversation's channel.
func (m *Manager) Leave(connID, conversationID string) error {
	s := m.Get(connID)
	if s == nil {
		return fmt.Errorf("session: unknown connection %s", connID)
	}

	s.removeChannel(conversationID)
	return m.channels.UnsubscribeConversation(connID, conversationID)
}

// Typing relays an ephemeral typing indicator to the conversation's channel.
// Nothing is persisted. The session must have joined the channel first.
func (m *Manager) Typing(connID, conversationID string, isTyping bool) error {
	s := m.Get(connID)
	if s == nil {
		return fmt.Errorf("session: unknown connection %s", connID)
	}
	if !s.Subscribed(conversationID) {
		return fmt.Errorf("%w: not subscribed to conversation %s", chat.ErrForbidden, conversationID)
	}

	event := chat.Event{
		Type:           chat.EventTyping,
		From:           s.UserID,
		ConversationID: conversationID,
		IsTyping:       isTyping,
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("session: marshal typing event: %w", err)
	}
	return m.channels.PublishConversation(conversationID, data)
}

// channelHandler returns the channel callback fanning conversation events
// into this session's connection. Message events are forwarded to every
// subscriber, including the sender's own connections (the room copy doubles
// as the sender's acknowledgement); typing indicators are not echoed to
// their author.
func (m *Manager) channelHandler(s *Session) func(data []byte) {
	return func(data []byte) {
		var event chat.Event
		if err := json.Unmarshal(data, &event); err != nil {
			log.Printf("session: channel event unmarshal conn=%s: %v", s.ConnID, err)
			return
		}

		switch event.Type {
		case chat.EventMessage:
			if event.Message == nil {
				return
			}
			resp, err := protocol.NewServerMessage(protocol.TypeMessage, protocol.MessageEvent{
				Message: *event.Message,
			})
			if err != nil {
				log.Printf("session: build message event conn=%s: %v", s.ConnID, err)
				return
			}
			if err := m.sender.SendMessage(s.ConnID, resp); err != nil {
				log.Printf("session: forward message conn=%s: %v", s.ConnID, err)
			}

		case chat.EventTyping:
			if event.From == s.UserID {
				return // don't echo typing to its author
			}
			resp, err := protocol.NewServerMessage(protocol.TypeTyping, protocol.ServerTypingEvent{
				ConversationID: event.ConversationID,
				From:           event.From,
				IsTyping:       event.IsTyping,
			})
			if err != nil {
				log.Printf("session: build typing event conn=%s: %v", s.ConnID, err)
				return
			}
			if err := m.sender.SendMessage(s.ConnID, resp); err != nil {
				log.Printf("session: forward typing conn=%s: %v", s.ConnID, err)
			}
		}
	}
}

// sendConversationUpdated pushes a summary refresh with the session user's
// own unread count to the session's connection.
func (m *Manager) sendConversationUpdated(s *Session, conv *chat.Conversation) {
	data, err := protocol.NewServerMessage(protocol.TypeConversationUpdated, protocol.ConversationUpdatedEvent{
		ConversationID: conv.ID,
		LastMessage:    conv.LastMessage,
		UnreadCount:    conv.UnreadCounts[s.UserID],
	})
	if err != nil {
		log.Printf("session: build conversation_updated conn=%s: %v", s.ConnID, err)
		return
	}
	if err := m.sender.SendMessage(s.ConnID, data); err != nil {
		log.Printf("session: send conversation_updated conn=%s: %v", s.ConnID, err)
	}
}
