package userstatus

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
)

// newTestStore creates a Store connected to a local Redis instance and cleans
// up test keys afterwards. Tests that call this helper require a running
// Redis on localhost:6379.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	cleanup := func() {
		iter := client.Scan(ctx, 0, StatusPrefix+"test_*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return &Store{client: client}
}

func TestGet_UnknownUserIsOffline(t *testing.T) {
	store := newTestStore(t)

	status, err := store.Get(context.Background(), "test_unknown")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Online {
		t.Error("unknown user should be offline")
	}
	if status.LastSeen != 0 {
		t.Errorf("unknown user should have zero last_seen, got %d", status.LastSeen)
	}
}

func TestSetOnlineThenOffline(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	userID := "test_lifecycle"

	if err := store.SetOnline(ctx, userID); err != nil {
		t.Fatalf("SetOnline: %v", err)
	}
	status, err := store.Get(ctx, userID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !status.Online {
		t.Error("user should be online")
	}
	if status.LastSeen == 0 {
		t.Error("last_seen should be stamped")
	}

	if err := store.SetOffline(ctx, userID); err != nil {
		t.Fatalf("SetOffline: %v", err)
	}
	status, err = store.Get(ctx, userID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if status.Online {
		t.Error("user should be offline")
	}
	if status.LastSeen == 0 {
		t.Error("last_seen should survive going offline")
	}
}
