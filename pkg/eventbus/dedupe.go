package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper remembers (event, rule) deliveries that already succeeded.
type Deduper interface {
	Seen(ctx context.Context, key string) (bool, error)
	MarkSeen(ctx context.Context, key string) error
}

func deliveryKey(eventID, ruleID string) string {
	return eventID + "/" + ruleID
}

type MemoryDeduper struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
}

func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &MemoryDeduper{
		entries: make(map[string]time.Time),
		ttl:     ttl,
	}
}

func (d *MemoryDeduper) Seen(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	d.cleanupLocked(now)

	_, ok := d.entries[key]
	return ok, nil
}

func (d *MemoryDeduper) MarkSeen(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.entries[key] = time.Now()
	return nil
}

func (d *MemoryDeduper) cleanupLocked(now time.Time) {
	for key, seenAt := range d.entries {
		if now.Sub(seenAt) > d.ttl {
			delete(d.entries, key)
		}
	}
}

// RedisDeduper shares delivery records between bus instances.
type RedisDeduper struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewRedisDeduper(client redis.Cmdable, prefix string, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisDeduper{client: client, prefix: prefix, ttl: ttl}
}

func (d *RedisDeduper) key(key string) string {
	return d.prefix + ":delivered:" + key
}

func (d *RedisDeduper) Seen(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	count, err := d.client.Exists(ctx, d.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %q: %w", key, err)
	}
	return count > 0, nil
}

func (d *RedisDeduper) MarkSeen(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	if err := d.client.Set(ctx, d.key(key), time.Now().UTC().Format(time.RFC3339Nano), d.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}
