package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// VelocityCounter records one observation for a subject and returns how many
// observations fall inside the trailing window, this one included.
type VelocityCounter interface {
	Observe(ctx context.Context, subject string, at time.Time, window time.Duration) (int, error)
}

var velocityScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
redis.call("ZADD", KEYS[1], ARGV[2], ARGV[3])
redis.call("PEXPIRE", KEYS[1], ARGV[4])
return redis.call("ZCARD", KEYS[1])
`)

// RedisVelocityCounter keeps one sorted set per subject, scored by unix millis.
type RedisVelocityCounter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisVelocityCounter(client redis.UniversalClient, prefix string) *RedisVelocityCounter {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "settlement"
	}
	return &RedisVelocityCounter{client: client, prefix: trimmedPrefix + ":fraud:velocity"}
}

func (r *RedisVelocityCounter) Observe(ctx context.Context, subject string, at time.Time, window time.Duration) (int, error) {
	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}
	nowMs := at.UnixMilli()
	key := fmt.Sprintf("%s:%s", r.prefix, strings.TrimSpace(subject))

	raw, err := velocityScript.Run(ctx, r.client, []string{key},
		nowMs-windowMs,
		nowMs,
		uuid.NewString(),
		windowMs,
	).Int64()
	if err != nil {
		return 0, err
	}
	return int(raw), nil
}

// MemoryVelocityCounter is the single-process fallback when Redis is absent.
type MemoryVelocityCounter struct {
	mu     sync.Mutex
	events map[string][]time.Time
	retain time.Duration
}

func NewMemoryVelocityCounter() *MemoryVelocityCounter {
	return &MemoryVelocityCounter{events: make(map[string][]time.Time), retain: 24 * time.Hour}
}

func (m *MemoryVelocityCounter) Observe(ctx context.Context, subject string, at time.Time, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := at.Add(-window)
	kept := m.events[subject][:0]
	for _, ts := range m.events[subject] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, at)
	m.events[subject] = kept
	return len(kept), nil
}

// Prune forgets subjects with no observation inside the retention period.
func (m *MemoryVelocityCounter) Prune(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-m.retain)
	removed := 0
	for subject, events := range m.events {
		if len(events) == 0 || !events[len(events)-1].After(cutoff) {
			delete(m.events, subject)
			removed++
		}
	}
	return removed
}
