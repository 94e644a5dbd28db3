// Package roster tracks which MyLB clients currently hold a live WebSocket
// connection to a bridge instance. Entries are Redis hashes with a TTL so a
// crashed bridge cannot leave clients marked online forever.
package roster

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// EntryPrefix is the Redis key prefix for all roster hashes.
	EntryPrefix = "online:"

	// EntryTTL is the time-to-live for roster keys. Heartbeats refresh it.
	EntryTTL = 2 * time.Minute
)

// Entry is one connected client as stored in Redis.
type Entry struct {
	ClientID    int64  `redis:"client_id"`
	SessionID   string `redis:"session_id"` // bridge connection id (uuid)
	Bridge      string `redis:"bridge"`     // which bridge instance holds the socket
	ConnectedAt int64  `redis:"connected_at"`
	LastSeen    int64  `redis:"last_seen"`
}

// Store manages roster state in Redis.
type Store struct {
	client     *redis.Client
	bridgeName string // identifier for this bridge instance
}

// NewStore connects to Redis and returns a roster store for this bridge.
func NewStore(redisAddr string, bridgeName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("roster: redis connection failed: %w", err)
	}

	return &Store{client: client, bridgeName: bridgeName}, nil
}

func key(clientID int64) string {
	return fmt.Sprintf("%s%d", EntryPrefix, clientID)
}

// Add records a client as online on this bridge.
func (s *Store) Add(ctx context.Context, clientID int64, sessionID string) error {
	now := time.Now().Unix()
	entry := map[string]interface{}{
		"client_id":    clientID,
		"session_id":   sessionID,
		"bridge":       s.bridgeName,
		"connected_at": now,
		"last_seen":    now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key(clientID), entry)
	pipe.Expire(ctx, key(clientID), EntryTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Touch refreshes the TTL and last-seen timestamp. Called from the bridge
// heartbeat.
func (s *Store) Touch(ctx context.Context, clientID int64) error {
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key(clientID), "last_seen", time.Now().Unix())
	pipe.Expire(ctx, key(clientID), EntryTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Remove deletes a client's roster entry.
func (s *Store) Remove(ctx context.Context, clientID int64) error {
	return s.client.Del(ctx, key(clientID)).Err()
}

// Get retrieves a roster entry. Returns nil if the client is not online.
func (s *Store) Get(ctx context.Context, clientID int64) (*Entry, error) {
	var entry Entry
	if err := s.client.HGetAll(ctx, key(clientID)).Scan(&entry); err != nil {
		return nil, err
	}
	if entry.SessionID == "" {
		return nil, nil // not online
	}
	return &entry, nil
}

// IsOnline reports whether a client has a live roster entry.
func (s *Store) IsOnline(ctx context.Context, clientID int64) (bool, error) {
	n, err := s.client.Exists(ctx, key(clientID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
