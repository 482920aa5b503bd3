package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lumeo/social-chat/internal/chat"
)

// fakeStore is an in-memory chat.Store for pipeline tests.
type fakeStore struct {
	conversations map[string]*chat.Conversation
	messages      map[string]*chat.Message

	applied       []*chat.Message
	deliveredOK   bool
	seenResults   []chat.Message
	deliveredCall int
	seenCall      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conversations: make(map[string]*chat.Conversation),
		messages:      make(map[string]*chat.Message),
		deliveredOK:   true,
	}
}

func (f *fakeStore) FindConversation(_ context.Context, id string) (*chat.Conversation, error) {
	c, ok := f.conversations[id]
	if !ok {
		return nil, chat.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) FindOrCreateDirect(_ context.Context, userA, userB string) (*chat.Conversation, error) {
	for _, c := range f.conversations {
		if !c.IsGroup && c.HasParticipant(userA) && c.HasParticipant(userB) {
			return c, nil
		}
	}
	c := &chat.Conversation{
		ID:           "direct-" + userA + "-" + userB,
		Participants: []string{userA, userB},
		UnreadCounts: map[string]int{userA: 0, userB: 0},
	}
	f.conversations[c.ID] = c
	return c, nil
}

func (f *fakeStore) ApplySend(_ context.Context, msg *chat.Message) (*chat.Conversation, error) {
	f.applied = append(f.applied, msg)
	f.messages[msg.ID] = msg
	c := f.conversations[msg.ConversationID]
	c.LastMessage = &chat.LastMessage{Text: msg.Content, SenderID: msg.SenderID, CreatedAt: msg.CreatedAt}
	for _, p := range c.Participants {
		if p != msg.SenderID {
			c.UnreadCounts[p]++
		}
	}
	return c, nil
}

func (f *fakeStore) ResetUnread(_ context.Context, conversationID, userID string) (*chat.Conversation, error) {
	c, ok := f.conversations[conversationID]
	if !ok {
		return nil, chat.ErrNotFound
	}
	c.UnreadCounts[userID] = 0
	return c, nil
}

func (f *fakeStore) GetMessage(_ context.Context, id string) (*chat.Message, error) {
	m, ok := f.messages[id]
	if !ok {
		return nil, chat.ErrNotFound
	}
	return m, nil
}

func (f *fakeStore) MarkDelivered(_ context.Context, messageID string, at time.Time) (bool, error) {
	f.deliveredCall++
	return f.deliveredOK, nil
}

func (f *fakeStore) MarkSeen(_ context.Context, conversationID, receiverID string, at time.Time) ([]chat.Message, error) {
	f.seenCall++
	return f.seenResults, nil
}

func (f *fakeStore) ListMessages(_ context.Context, conversationID, callerID string) ([]chat.Message, error) {
	var out []chat.Message
	for _, m := range f.messages {
		if m.ConversationID == conversationID {
			out = append(out, *m)
		}
	}
	return out, nil
}

// fakePublisher records channel publishes.
type fakePublisher struct {
	published [][]byte
	subjects  []string
}

func (f *fakePublisher) PublishConversation(conversationID string, data []byte) error {
	f.subjects = append(f.subjects, conversationID)
	f.published = append(f.published, data)
	return nil
}

// fakePresence maps user IDs to connection handles.
type fakePresence struct {
	conns map[string]string
}

func (f *fakePresence) Lookup(userID string) (string, bool) {
	connID, ok := f.conns[userID]
	return connID, ok
}

// fakeSender records pushed events per connection, decoded to maps.
type fakeSender struct {
	sent map[string][]map[string]interface{}
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(map[string][]map[string]interface{})}
}

func (f *fakeSender) SendMessage(connID string, data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	f.sent[connID] = append(f.sent[connID], m)
	return nil
}

func (f *fakeSender) eventsOfType(connID, eventType string) []map[string]interface{} {
	var out []map[string]interface{}
	for _, m := range f.sent[connID] {
		if m["type"] == eventType {
			out = append(out, m)
		}
	}
	return out
}

func newTestPipeline(store *fakeStore, pub *fakePublisher, pres *fakePresence, sender *fakeSender) *Pipeline {
	p := NewPipeline(store, pub, pres)
	p.SetSender(sender)
	return p
}

func directConversation() *chat.Conversation {
	return &chat.Conversation{
		ID:           "conv-1",
		Participants: []string{"alice", "bob"},
		UnreadCounts: map[string]int{"alice": 0, "bob": 0},
	}
}

func TestSend_DirectMessage(t *testing.T) {
	store := newFakeStore()
	store.conversations["conv-1"] = directConversation()
	pub := &fakePublisher{}
	pres := &fakePresence{conns: map[string]string{"alice": "conn-a", "bob": "conn-b"}}
	sender := newFakeSender()
	p := newTestPipeline(store, pub, pres, sender)

	msg, err := p.Send(context.Background(), "alice", "conv-1", "hello bob", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.ID == "" {
		t.Error("message should get an id")
	}
	if msg.Status != chat.StatusSent {
		t.Errorf("new message should be sent, got %q", msg.Status)
	}
	if msg.ReceiverID != "bob" {
		t.Errorf("receiver should be bob, got %q", msg.ReceiverID)
	}
	if msg.ContentType != chat.ContentText {
		t.Errorf("empty content type should default to text, got %q", msg.ContentType)
	}
	if len(store.applied) != 1 {
		t.Fatalf("expected 1 persisted message, got %d", len(store.applied))
	}

	// Channel fan-out.
	if len(pub.published) != 1 || pub.subjects[0] != "conv-1" {
		t.Fatalf("expected 1 channel publish for conv-1, got %v", pub.subjects)
	}
	var event chat.Event
	if err := json.Unmarshal(pub.published[0], &event); err != nil {
		t.Fatalf("channel event not valid JSON: %v", err)
	}
	if event.Type != chat.EventMessage || event.From != "alice" || event.Message == nil {
		t.Errorf("unexpected channel event: %+v", event)
	}

	// Direct push to the receiver.
	if got := sender.eventsOfType("conn-b", "message"); len(got) != 1 {
		t.Errorf("receiver should get 1 direct message event, got %d", len(got))
	}

	// Both participants get a summary refresh with their own unread count.
	aliceUpdates := sender.eventsOfType("conn-a", "conversation_updated")
	bobUpdates := sender.eventsOfType("conn-b", "conversation_updated")
	if len(aliceUpdates) != 1 || len(bobUpdates) != 1 {
		t.Fatalf("each participant should get 1 conversation_updated, got alice=%d bob=%d",
			len(aliceUpdates), len(bobUpdates))
	}
	if got := aliceUpdates[0]["unread_count"].(float64); got != 0 {
		t.Errorf("sender's unread should stay 0, got %v", got)
	}
	if got := bobUpdates[0]["unread_count"].(float64); got != 1 {
		t.Errorf("receiver's unread should be 1, got %v", got)
	}
}

func TestSend_OfflineReceiver(t *testing.T) {
	store := newFakeStore()
	store.conversations["conv-1"] = directConversation()
	pub := &fakePublisher{}
	pres := &fakePresence{conns: map[string]string{"alice": "conn-a"}} // bob offline
	sender := newFakeSender()
	p := newTestPipeline(store, pub, pres, sender)

	if _, err := p.Send(context.Background(), "alice", "conv-1", "hello", chat.ContentText); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Message is still persisted and published to the channel.
	if len(store.applied) != 1 {
		t.Errorf("expected persist despite offline receiver, got %d", len(store.applied))
	}
	if len(pub.published) != 1 {
		t.Errorf("expected channel publish despite offline receiver, got %d", len(pub.published))
	}
	if len(sender.sent["conn-b"]) != 0 {
		t.Errorf("nothing should be pushed to an offline receiver")
	}
}

func TestSend_GroupMessage(t *testing.T) {
	store := newFakeStore()
	store.conversations["grp-1"] = &chat.Conversation{
		ID:           "grp-1",
		Participants: []string{"alice", "bob", "carol"},
		IsGroup:      true,
		UnreadCounts: map[string]int{"alice": 0, "bob": 0, "carol": 0},
	}
	pub := &fakePublisher{}
	pres := &fakePresence{conns: map[string]string{"alice": "conn-a", "bob": "conn-b", "carol": "conn-c"}}
	sender := newFakeSender()
	p := newTestPipeline(store, pub, pres, sender)

	msg, err := p.Send(context.Background(), "alice", "grp-1", "hi all", chat.ContentText)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.ReceiverID != "" {
		t.Errorf("group message should have no receiver, got %q", msg.ReceiverID)
	}

	// No direct message push for groups, only the channel and summary updates.
	if got := sender.eventsOfType("conn-b", "message"); len(got) != 0 {
		t.Errorf("group messages are channel-only, got %d direct pushes", len(got))
	}
	for _, connID := range []string{"conn-a", "conn-b", "conn-c"} {
		if got := sender.eventsOfType(connID, "conversation_updated"); len(got) != 1 {
			t.Errorf("%s should get 1 conversation_updated, got %d", connID, len(got))
		}
	}
}

func TestSend_NotParticipant(t *testing.T) {
	store := newFakeStore()
	store.conversations["conv-1"] = directConversation()
	p := newTestPipeline(store, &fakePublisher{}, &fakePresence{}, newFakeSender())

	_, err := p.Send(context.Background(), "mallory", "conv-1", "hi", chat.ContentText)
	if !errors.Is(err, chat.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if len(store.applied) != 0 {
		t.Error("nothing should be persisted for a forbidden send")
	}
}

func TestSend_InvalidContent(t *testing.T) {
	store := newFakeStore()
	store.conversations["conv-1"] = directConversation()
	p := newTestPipeline(store, &fakePublisher{}, &fakePresence{}, newFakeSender())

	_, err := p.Send(context.Background(), "alice", "conv-1", strings.Repeat("x", chat.MaxContentBytes+1), chat.ContentText)
	if !errors.Is(err, chat.ErrInvalidContent) {
		t.Fatalf("expected ErrInvalidContent, got %v", err)
	}
	if len(store.applied) != 0 {
		t.Error("invalid content must never reach the store")
	}
}

func TestSend_UnknownConversation(t *testing.T) {
	p := newTestPipeline(newFakeStore(), &fakePublisher{}, &fakePresence{}, newFakeSender())

	_, err := p.Send(context.Background(), "alice", "missing", "hi", chat.ContentText)
	if !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkDelivered_NotifiesSender(t *testing.T) {
	store := newFakeStore()
	store.messages["msg-1"] = &chat.Message{
		ID: "msg-1", ConversationID: "conv-1", SenderID: "alice", ReceiverID: "bob",
		Status: chat.StatusSent,
	}
	pres := &fakePresence{conns: map[string]string{"alice": "conn-a"}}
	sender := newFakeSender()
	p := newTestPipeline(store, &fakePublisher{}, pres, sender)

	if err := p.MarkDelivered(context.Background(), "msg-1", "bob"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	updates := sender.eventsOfType("conn-a", "status_updated")
	if len(updates) != 1 {
		t.Fatalf("sender should get 1 status_updated, got %d", len(updates))
	}
	if updates[0]["status"] != chat.StatusDelivered {
		t.Errorf("expected status delivered, got %v", updates[0]["status"])
	}
	if updates[0]["message_id"] != "msg-1" {
		t.Errorf("expected message_id msg-1, got %v", updates[0]["message_id"])
	}
}

func TestMarkDelivered_AlreadyAdvancedIsNoOp(t *testing.T) {
	store := newFakeStore()
	store.deliveredOK = false // the store reports no transition applied
	store.messages["msg-1"] = &chat.Message{
		ID: "msg-1", SenderID: "alice", ReceiverID: "bob", Status: chat.StatusSeen,
	}
	sender := newFakeSender()
	p := newTestPipeline(store, &fakePublisher{}, &fakePresence{conns: map[string]string{"alice": "conn-a"}}, sender)

	if err := p.MarkDelivered(context.Background(), "msg-1", "bob"); err != nil {
		t.Fatalf("repeat ack should be a no-op, got %v", err)
	}
	if len(sender.sent["conn-a"]) != 0 {
		t.Error("no notification for a no-op transition")
	}
}

func TestMarkDelivered_WrongReceiver(t *testing.T) {
	store := newFakeStore()
	store.messages["msg-1"] = &chat.Message{
		ID: "msg-1", SenderID: "alice", ReceiverID: "bob", Status: chat.StatusSent,
	}
	p := newTestPipeline(store, &fakePublisher{}, &fakePresence{}, newFakeSender())

	err := p.MarkDelivered(context.Background(), "msg-1", "mallory")
	if !errors.Is(err, chat.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if store.deliveredCall != 0 {
		t.Error("store transition should not run for a forbidden ack")
	}
}

func TestMarkDelivered_GroupMessageIsNoOp(t *testing.T) {
	store := newFakeStore()
	store.messages["msg-1"] = &chat.Message{
		ID: "msg-1", SenderID: "alice", ReceiverID: "", Status: chat.StatusSent,
	}
	p := newTestPipeline(store, &fakePublisher{}, &fakePresence{}, newFakeSender())

	if err := p.MarkDelivered(context.Background(), "msg-1", "bob"); err != nil {
		t.Fatalf("group ack should be a silent no-op, got %v", err)
	}
	if store.deliveredCall != 0 {
		t.Error("group messages carry no delivery state")
	}
}

func TestMarkDelivered_UnknownMessage(t *testing.T) {
	p := newTestPipeline(newFakeStore(), &fakePublisher{}, &fakePresence{}, newFakeSender())

	err := p.MarkDelivered(context.Background(), "missing", "bob")
	if !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkSeen_NotifiesEachSender(t *testing.T) {
	store := newFakeStore()
	store.conversations["conv-1"] = directConversation()
	store.seenResults = []chat.Message{
		{ID: "msg-1", SenderID: "alice", ReceiverID: "bob", Status: chat.StatusSeen},
		{ID: "msg-2", SenderID: "alice", ReceiverID: "bob", Status: chat.StatusSeen},
	}
	pres := &fakePresence{conns: map[string]string{"alice": "conn-a"}}
	sender := newFakeSender()
	p := newTestPipeline(store, &fakePublisher{}, pres, sender)

	if err := p.MarkSeen(context.Background(), "conv-1", "bob"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	updates := sender.eventsOfType("conn-a", "status_updated")
	if len(updates) != 2 {
		t.Fatalf("sender should get one status_updated per message, got %d", len(updates))
	}
	for _, u := range updates {
		if u["status"] != chat.StatusSeen {
			t.Errorf("expected status seen, got %v", u["status"])
		}
	}
}

func TestMarkSeen_NothingToAdvance(t *testing.T) {
	store := newFakeStore()
	store.conversations["conv-1"] = directConversation()
	sender := newFakeSender()
	p := newTestPipeline(store, &fakePublisher{}, &fakePresence{conns: map[string]string{"alice": "conn-a"}}, sender)

	if err := p.MarkSeen(context.Background(), "conv-1", "bob"); err != nil {
		t.Fatalf("repeat seen should be a no-op, got %v", err)
	}
	if len(sender.sent["conn-a"]) != 0 {
		t.Error("no notifications when nothing advanced")
	}
}

func TestMarkSeen_NotParticipant(t *testing.T) {
	store := newFakeStore()
	store.conversations["conv-1"] = directConversation()
	p := newTestPipeline(store, &fakePublisher{}, &fakePresence{}, newFakeSender())

	err := p.MarkSeen(context.Background(), "conv-1", "mallory")
	if !errors.Is(err, chat.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if store.seenCall != 0 {
		t.Error("store should not be touched for a forbidden caller")
	}
}

func TestHistory_NotParticipant(t *testing.T) {
	store := newFakeStore()
	store.conversations["conv-1"] = directConversation()
	p := newTestPipeline(store, &fakePublisher{}, &fakePresence{}, newFakeSender())

	_, err := p.History(context.Background(), "conv-1", "mallory")
	if !errors.Is(err, chat.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}
