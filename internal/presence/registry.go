// Package presence tracks which users currently have live connections. It is
// a process-wide, in-memory table: one entry per online user holding the
// live-connection count and the most recently registered connection handle
// for direct-delivery routing. Entries live only as long as the process.
package presence

import (
	"context"
	"log"
	"sync"
)

// StatusStore persists the online/offline transitions to the user record.
// Only the first connection and the last disconnection write through.
type StatusStore interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
}

// entry is the per-user presence state. The count covers every open
// authenticated connection (multi-tab, multi-device); connID is the most
// recently registered of them.
type entry struct {
	count  int
	connID string
}

// Registry is the presence table. All operations are serialized per call
// under one mutex; status persistence happens after the lock is released so
// a slow store never blocks unrelated connect/disconnect events.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	status  StatusStore
}

// NewRegistry creates an empty registry that writes online/offline
// transitions through the given status store.
func NewRegistry(status StatusStore) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		status:  status,
	}
}

// Connect increments the user's live-connection count and returns true iff
// this was the first connection. On true it persists online=true with a
// fresh last-seen stamp; no other transition flips a user online.
func (r *Registry) Connect(ctx context.Context, userID string) bool {
	r.mu.Lock()
	e, ok := r.entries[userID]
	if !ok {
		e = &entry{}
		r.entries[userID] = e
	}
	e.count++
	first := e.count == 1
	r.mu.Unlock()

	if first && r.status != nil {
		if err := r.status.SetOnline(ctx, userID); err != nil {
			log.Printf("presence: persist online user=%s: %v", userID, err)
		}
	}
	return first
}

// Disconnect decrements the user's live-connection count and returns true
// iff this was the last connection. On reaching zero the entry is removed
// and online=false is persisted. A decrement for a user with no live
// connections is a logged anomaly, never a negative count.
func (r *Registry) Disconnect(ctx context.Context, userID string) bool {
	r.mu.Lock()
	e, ok := r.entries[userID]
	if !ok {
		r.mu.Unlock()
		log.Printf("presence: disconnect anomaly user=%s has no live connections", userID)
		return false
	}
	e.count--
	last := e.count == 0
	if last {
		delete(r.entries, userID)
	}
	r.mu.Unlock()

	if last && r.status != nil {
		if err := r.status.SetOffline(ctx, userID); err != nil {
			log.Printf("presence: persist offline user=%s: %v", userID, err)
		}
	}
	return last
}

// RegisterConnection records the user's most recent connection handle for
// direct-delivery routing. Later connections for the same user overwrite the
// mapping: direct delivery is best-effort to one of possibly many tabs.
func (r *Registry) RegisterConnection(userID, connID string) {
	r.mu.Lock()
	e, ok := r.entries[userID]
	if ok {
		e.connID = connID
	}
	r.mu.Unlock()

	if !ok {
		log.Printf("presence: register connection for unknown user=%s ignored", userID)
	}
}

// UnregisterConnection clears the user's direct-delivery handle if connID is
// still the registered one. Called when a connection closes so direct pushes
// are not routed to a dead connection while other tabs stay open; a stale or
// unknown handle is ignored.
func (r *Registry) UnregisterConnection(userID, connID string) {
	r.mu.Lock()
	if e, ok := r.entries[userID]; ok && e.connID == connID {
		e.connID = ""
	}
	r.mu.Unlock()
}

// Lookup returns the registered connection handle for a user, if any.
func (r *Registry) Lookup(userID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[userID]
	if !ok || e.connID == "" {
		return "", false
	}
	return e.connID, true
}

// Count returns the number of live connections for a user.
func (r *Registry) Count(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[userID]; ok {
		return e.count
	}
	return 0
}

// OnlineUsers returns the number of users with at least one live connection.
func (r *Registry) OnlineUsers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
