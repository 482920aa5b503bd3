// Package userstatus persists the presence-derived fields of user records:
// the online flag and the last-seen timestamp. These are the only user
// fields this service ever writes; everything else about a user belongs to
// the account service. Backed by Redis hashes.
package userstatus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// StatusPrefix is the Redis key prefix for user status hashes.
const StatusPrefix = "user_status:"

// Status is a user's presence-derived state.
type Status struct {
	Online   bool  `redis:"online"`
	LastSeen int64 `redis:"last_seen"` // unix timestamp, zero if never seen
}

// Store manages user status records in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a status store connected to Redis.
func NewStore(redisAddr string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("userstatus: redis connection failed: %w", err)
	}

	return &Store{client: client}, nil
}

// SetOnline marks the user online and stamps last_seen.
func (s *Store) SetOnline(ctx context.Context, userID string) error {
	key := StatusPrefix + userID
	return s.client.HSet(ctx, key, "online", "1", "last_seen", time.Now().Unix()).Err()
}

// SetOffline marks the user offline and stamps last_seen.
func (s *Store) SetOffline(ctx context.Context, userID string) error {
	key := StatusPrefix + userID
	return s.client.HSet(ctx, key, "online", "0", "last_seen", time.Now().Unix()).Err()
}

// Get returns a user's status. A user with no record is reported offline
// with a zero last-seen timestamp.
func (s *Store) Get(ctx context.Context, userID string) (*Status, error) {
	key := StatusPrefix + userID
	result, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("userstatus: get %s: %w", userID, err)
	}

	var status Status
	if result["online"] == "1" {
		status.Online = true
	}
	if v := result["last_seen"]; v != "" {
		fmt.Sscanf(v, "%d", &status.LastSeen)
	}
	return &status, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
