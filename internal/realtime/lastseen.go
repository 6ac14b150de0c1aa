package realtime

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// LastSeenStore remembers when a user's last session closed.
type LastSeenStore interface {
	Set(ctx context.Context, userID string, at time.Time) error
	Get(ctx context.Context, userID string) (time.Time, bool, error)
}

type MemoryLastSeen struct {
	mu   sync.RWMutex
	seen map[string]time.Time
}

func NewMemoryLastSeen() *MemoryLastSeen {
	return &MemoryLastSeen{seen: make(map[string]time.Time)}
}

func (m *MemoryLastSeen) Set(_ context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[userID] = at
	return nil
}

func (m *MemoryLastSeen) Get(_ context.Context, userID string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.seen[userID]
	return t, ok, nil
}

const lastSeenPrefix = "huddle:lastseen:"

// RedisLastSeen keeps last-seen times across restarts. Values are unix
// milliseconds and expire after ttl.
type RedisLastSeen struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLastSeen(client *redis.Client, ttl time.Duration) *RedisLastSeen {
	return &RedisLastSeen{client: client, ttl: ttl}
}

func (r *RedisLastSeen) Set(ctx context.Context, userID string, at time.Time) error {
	if err := r.client.Set(ctx, lastSeenPrefix+userID, at.UnixMilli(), r.ttl).Err(); err != nil {
		return fmt.Errorf("set last seen: %w", err)
	}
	return nil
}

func (r *RedisLastSeen) Get(ctx context.Context, userID string) (time.Time, bool, error) {
	raw, err := r.client.Get(ctx, lastSeenPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get last seen: %w", err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse last seen %q: %w", raw, err)
	}
	return time.UnixMilli(ms).UTC(), true, nil
}
