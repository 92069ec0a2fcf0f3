package builtin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kittynXR/maowbot-sub000/internal/errs"
)

// CooldownStore grants a key at most once per window.
type CooldownStore interface {
	// Acquire reports whether key is free, and if so claims it for window.
	Acquire(ctx context.Context, key string, window time.Duration) (bool, error)
}

// pruneThreshold bounds the memory store before expired keys are swept.
const pruneThreshold = 1000

// MemoryCooldowns keeps cooldowns in process memory.
type MemoryCooldowns struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemoryCooldowns creates an in-process store. A nil clock uses time.Now.
func NewMemoryCooldowns(now func() time.Time) *MemoryCooldowns {
	if now == nil {
		now = time.Now
	}
	return &MemoryCooldowns{expires: make(map[string]time.Time), now: now}
}

func (m *MemoryCooldowns) Acquire(_ context.Context, key string, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if until, ok := m.expires[key]; ok && now.Before(until) {
		return false, nil
	}
	m.expires[key] = now.Add(window)
	if len(m.expires) > pruneThreshold {
		for k, until := range m.expires {
			if !now.Before(until) {
				delete(m.expires, k)
			}
		}
	}
	return true, nil
}

// Len returns the number of tracked keys.
func (m *MemoryCooldowns) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.expires)
}

// RedisCooldowns shares cooldowns between engine instances through Redis.
type RedisCooldowns struct {
	client *redis.Client
	prefix string
}

// NewRedisCooldowns uses client with every key under prefix.
func NewRedisCooldowns(client *redis.Client, prefix string) *RedisCooldowns {
	return &RedisCooldowns{client: client, prefix: prefix}
}

// DialRedis connects and pings, failing fast on a bad address.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

func (r *RedisCooldowns) Acquire(ctx context.Context, key string, window time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+key, time.Now().UnixMilli(), window).Result()
	if err != nil {
		return false, errs.Wrap(errs.ErrStorage, "cooldown acquire", err)
	}
	return ok, nil
}
