package ballot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const ledgerKeyPrefix = "kiosk:admit"

// Ledger records one-time claims that must hold across kiosk servers.
type Ledger interface {
	// Claim records key and reports false if it was already claimed.
	// A zero ttl keeps the claim forever.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// MemoryLedger is a process-local Ledger.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryLedger creates an empty in-memory ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Claim implements Ledger.
func (l *MemoryLedger) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if expires, ok := l.entries[key]; ok && (expires.IsZero() || now.Before(expires)) {
		return false, nil
	}
	var expires time.Time
	if ttl > 0 {
		expires = now.Add(ttl)
	}
	l.entries[key] = expires
	return true, nil
}

// RedisLedger is a Ledger shared by every kiosk server of a polling station.
type RedisLedger struct {
	redis  *redis.Client
	prefix string
}

// NewRedisLedger wraps an existing client
func NewRedisLedger(client *redis.Client) *RedisLedger {
	return &RedisLedger{
		redis:  client,
		prefix: ledgerKeyPrefix,
	}
}

// NewRedisLedgerFromURL parses a redis:// URL and connects.
func NewRedisLedgerFromURL(ctx context.Context, rawURL string) (*RedisLedger, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewRedisLedger(client), nil
}

func (l *RedisLedger) key(key string) string {
	return l.prefix + ":" + key
}

// Claim implements Ledger with SET NX.
func (l *RedisLedger) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.redis.SetNX(ctx, l.key(key), time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claiming %s: %w", key, err)
	}
	return ok, nil
}

// Close closes the underlying client.
func (l *RedisLedger) Close() error {
	return l.redis.Close()
}
