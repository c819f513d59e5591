package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const acceptPending = "pending"

// AcceptGuard deduplicates match acceptances for a short window. Begin either
// acquires the key, or reports the value already stored under it: "pending"
// while another acceptance runs, the cycle id once it completed.
type AcceptGuard interface {
	Begin(ctx context.Context, key string, window time.Duration) (existing string, acquired bool, err error)
	Complete(ctx context.Context, key, cycleID string, window time.Duration) error
	Abort(ctx context.Context, key string) error
}

// Pruner is implemented by process-local windows that need periodic cleanup.
type Pruner interface {
	Prune(now time.Time) int
}

var abortAcceptScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisAcceptGuard shares the window across API replicas with SET NX PX.
type RedisAcceptGuard struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisAcceptGuard(client redis.UniversalClient, prefix string) *RedisAcceptGuard {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "settlement"
	}
	return &RedisAcceptGuard{client: client, prefix: trimmedPrefix + ":accept"}
}

func (g *RedisAcceptGuard) key(key string) string {
	return fmt.Sprintf("%s:%s", g.prefix, key)
}

func (g *RedisAcceptGuard) Begin(ctx context.Context, key string, window time.Duration) (string, bool, error) {
	acquired, err := g.client.SetNX(ctx, g.key(key), acceptPending, window).Result()
	if err != nil {
		return "", false, err
	}
	if acquired {
		return "", true, nil
	}
	existing, err := g.client.Get(ctx, g.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET; try once more
		acquired, err = g.client.SetNX(ctx, g.key(key), acceptPending, window).Result()
		if err != nil {
			return "", false, err
		}
		if acquired {
			return "", true, nil
		}
		return acceptPending, false, nil
	}
	if err != nil {
		return "", false, err
	}
	return existing, false, nil
}

func (g *RedisAcceptGuard) Complete(ctx context.Context, key, cycleID string, window time.Duration) error {
	return g.client.Set(ctx, g.key(key), cycleID, window).Err()
}

func (g *RedisAcceptGuard) Abort(ctx context.Context, key string) error {
	return abortAcceptScript.Run(ctx, g.client, []string{g.key(key)}, acceptPending).Err()
}

type guardEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryAcceptGuard is the single-process fallback when Redis is absent.
type MemoryAcceptGuard struct {
	mu      sync.Mutex
	entries map[string]guardEntry
	now     func() time.Time
}

func NewMemoryAcceptGuard() *MemoryAcceptGuard {
	return &MemoryAcceptGuard{entries: make(map[string]guardEntry), now: time.Now}
}

func (g *MemoryAcceptGuard) Begin(ctx context.Context, key string, window time.Duration) (string, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if entry, ok := g.entries[key]; ok && now.Before(entry.expiresAt) {
		return entry.value, false, nil
	}
	g.entries[key] = guardEntry{value: acceptPending, expiresAt: now.Add(window)}
	return "", true, nil
}

func (g *MemoryAcceptGuard) Complete(ctx context.Context, key, cycleID string, window time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries[key] = guardEntry{value: cycleID, expiresAt: g.now().Add(window)}
	return nil
}

func (g *MemoryAcceptGuard) Abort(ctx context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if entry, ok := g.entries[key]; ok && entry.value == acceptPending {
		delete(g.entries, key)
	}
	return nil
}

// Prune drops expired keys and returns how many were removed.
func (g *MemoryAcceptGuard) Prune(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for key, entry := range g.entries {
		if !now.Before(entry.expiresAt) {
			delete(g.entries, key)
			removed++
		}
	}
	return removed
}
