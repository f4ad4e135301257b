// Package threads remembers the assistant thread of each user per activity instance so a
// conversation survives page reloads when the instance persists conversations.
package threads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type entry struct {
	ThreadID  string    `json:"thread_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Store struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{redis: rdb, ttl: ttl}
}

func (s *Store) key(instanceID, userID int64) string {
	return fmt.Sprintf("coursechat:thread:%d:%d", instanceID, userID)
}

// Get returns "" when nothing is stored.
func (s *Store) Get(ctx context.Context, instanceID, userID int64) (string, error) {
	raw, err := s.redis.Get(ctx, s.key(instanceID, userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get thread: %w", err)
	}
	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return "", fmt.Errorf("decode thread: %w", err)
	}
	return e.ThreadID, nil
}

// Set stores threadID and refreshes the expiry.
func (s *Store) Set(ctx context.Context, instanceID, userID int64, threadID string) error {
	b, err := json.Marshal(entry{ThreadID: threadID, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode thread: %w", err)
	}
	if err := s.redis.Set(ctx, s.key(instanceID, userID), string(b), s.ttl).Err(); err != nil {
		return fmt.Errorf("set thread: %w", err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context, instanceID, userID int64) error {
	if err := s.redis.Del(ctx, s.key(instanceID, userID)).Err(); err != nil {
		return fmt.Errorf("clear thread: %w", err)
	}
	return nil
}
