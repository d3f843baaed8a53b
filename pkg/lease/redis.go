package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var acquireScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
if current == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
return 0
`)

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLeaser shares leases between orchestrator replicas. Ownership checks and
// updates run as Lua scripts so they are atomic on the server.
type RedisLeaser struct {
	client redis.Cmdable
	prefix string
}

func NewRedisLeaser(client redis.Cmdable, prefix string) *RedisLeaser {
	return &RedisLeaser{client: client, prefix: prefix}
}

func (l *RedisLeaser) key(key string) string {
	return l.prefix + ":lease:" + key
}

func (l *RedisLeaser) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	result, err := acquireScript.Run(ctx, l.client, []string{l.key(key)}, holder, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	return result == 1, nil
}

func (l *RedisLeaser) Renew(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	result, err := renewScript.Run(ctx, l.client, []string{l.key(key)}, holder, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew lease %s: %w", key, err)
	}
	return result == 1, nil
}

func (l *RedisLeaser) Release(ctx context.Context, key, holder string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key(key)}, holder).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	return nil
}

func (l *RedisLeaser) Holder(ctx context.Context, key string) (string, bool, error) {
	holder, err := l.client.Get(ctx, l.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read lease %s: %w", key, err)
	}
	return holder, true, nil
}
