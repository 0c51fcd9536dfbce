package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// PendingStore queues notifications for users with zero live sockets.
// It is the only gateway state shared across processes, so Drain must be
// an atomic fetch-and-delete: two racing connections for the same user
// must never both deliver the backlog.
type PendingStore interface {
	Append(ctx context.Context, userID string, payload []byte) error
	Drain(ctx context.Context, userID string) ([][]byte, error)
}

// RedisPendingStore keeps one capped, TTL'd list per user. When the cap
// is exceeded the oldest entries are dropped, so a returning user sees
// the most recent history.
type RedisPendingStore struct {
	redis *redis.Client
	cap   int64
	ttl   time.Duration
}

func NewRedisPendingStore(redisClient *redis.Client, cap int, ttl time.Duration) *RedisPendingStore {
	return &RedisPendingStore{
		redis: redisClient,
		cap:   int64(cap),
		ttl:   ttl,
	}
}

// Append pushes a payload onto the user's list and trims to the cap.
func (s *RedisPendingStore) Append(ctx context.Context, userID string, payload []byte) error {
	key := pendingKey(userID)

	pipe := s.redis.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.LTrim(ctx, key, -s.cap, -1)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to queue pending notification: %w", err)
	}
	return nil
}

// Drain fetches and deletes the whole list in one MULTI/EXEC block. The
// delete happens before delivery: a crash between the two loses messages
// but never duplicates them.
func (s *RedisPendingStore) Drain(ctx context.Context, userID string) ([][]byte, error) {
	key := pendingKey(userID)

	var entries *redis.StringSliceCmd
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		entries = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to drain pending notifications: %w", err)
	}

	values := entries.Val()
	out := make([][]byte, 0, len(values))
	for _, v := range values {
		out = append(out, []byte(v))
	}
	return out, nil
}

func pendingKey(userID string) string {
	return fmt.Sprintf("pending:%s", userID)
}
