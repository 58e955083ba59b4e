package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store increments and expires per-key counters. Incr must be atomic:
// concurrent callers for the same key observe distinct counts.
type Store interface {
	// Incr adds one to the key's counter and returns the new count and
	// the moment the bucket resets. The first increment of a key arms
	// the window expiry; later increments never move it.
	Incr(ctx context.Context, key string, window time.Duration) (int64, time.Time, error)
}

// RedisStore counts in Redis. Counters are shared across processes,
// which is the production configuration.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, fmt.Errorf("ratelimit: incr %s: %w", key, err)
	}

	remaining := ttl.Val()
	if remaining < 0 {
		// First hit of the window, or a counter left without expiry by
		// a crash between the increment and the arm. Either way the key
		// must not live forever.
		if err := s.client.PExpire(ctx, key, window).Err(); err != nil {
			return 0, time.Time{}, fmt.Errorf("ratelimit: expire %s: %w", key, err)
		}
		remaining = window
	}
	return incr.Val(), s.now().Add(remaining), nil
}

// MemoryStore counts in-process. It is per-instance state and suits
// development and tests, not multi-replica deployments.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	count   int64
	resetAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*bucket), now: time.Now}
}

func (s *MemoryStore) Incr(_ context.Context, key string, window time.Duration) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	b, ok := s.buckets[key]
	if !ok || now.After(b.resetAt) {
		b = &bucket{resetAt: now.Add(window)}
		s.buckets[key] = b
	}
	b.count++

	// Opportunistic sweep so abandoned keys do not accumulate.
	if len(s.buckets) > 10_000 {
		for k, v := range s.buckets {
			if now.After(v.resetAt) {
				delete(s.buckets, k)
			}
		}
	}
	return b.count, b.resetAt, nil
}

var _ Store = (*RedisStore)(nil)
var _ Store = (*MemoryStore)(nil)
