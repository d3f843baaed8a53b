package lease

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisLeaser) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })
	return server, NewRedisLeaser(client, "taskflow")
}

// leaserContract exercises behaviour shared by every backend. expire makes the current
// lease lapse.
func leaserContract(t *testing.T, leaser Leaser, expire func()) {
	ctx := context.Background()

	ok, err := leaser.Acquire(ctx, "task-1", "exec-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first Acquire() = %v, %v", ok, err)
	}
	if ok, _ := leaser.Acquire(ctx, "task-1", "exec-b", time.Minute); ok {
		t.Fatalf("second holder must not acquire a held lease")
	}
	if ok, _ := leaser.Acquire(ctx, "task-1", "exec-a", time.Minute); !ok {
		t.Fatalf("owner re-acquire should extend the lease")
	}
	if ok, _ := leaser.Acquire(ctx, "task-2", "exec-b", time.Minute); !ok {
		t.Fatalf("different keys must not conflict")
	}

	holder, held, err := leaser.Holder(ctx, "task-1")
	if err != nil || !held || holder != "exec-a" {
		t.Fatalf("Holder() = %q, %v, %v", holder, held, err)
	}

	if ok, _ := leaser.Renew(ctx, "task-1", "exec-b", time.Minute); ok {
		t.Fatalf("non-owner must not renew")
	}
	if ok, _ := leaser.Renew(ctx, "task-1", "exec-a", time.Minute); !ok {
		t.Fatalf("owner renew failed")
	}

	if err := leaser.Release(ctx, "task-1", "exec-b"); err != nil {
		t.Fatalf("Release() by non-owner error: %v", err)
	}
	if _, held, _ := leaser.Holder(ctx, "task-1"); !held {
		t.Fatalf("non-owner release must not drop the lease")
	}
	if err := leaser.Release(ctx, "task-1", "exec-a"); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	if ok, _ := leaser.Acquire(ctx, "task-1", "exec-b", time.Minute); !ok {
		t.Fatalf("released lease should be acquirable")
	}

	expire()
	if ok, _ := leaser.Renew(ctx, "task-1", "exec-b", time.Minute); ok {
		t.Fatalf("expired lease must not renew")
	}
	if ok, _ := leaser.Acquire(ctx, "task-1", "exec-c", time.Minute); !ok {
		t.Fatalf("expired lease should be acquirable")
	}
}

func TestMemoryLeaser(t *testing.T) {
	leaser := NewMemoryLeaser()
	now := time.Now()
	leaser.now = func() time.Time { return now }
	leaserContract(t, leaser, func() { now = now.Add(2 * time.Minute) })
}

func TestRedisLeaser(t *testing.T) {
	server, leaser := newTestRedis(t)
	leaserContract(t, leaser, func() { server.FastForward(2 * time.Minute) })

	if !server.Exists("taskflow:lease:task-1") {
		t.Fatalf("expected namespaced lease key")
	}
}

func TestConcurrentAcquireHasOneWinner(t *testing.T) {
	_, redisLeaser := newTestRedis(t)
	for name, leaser := range map[string]Leaser{"memory": NewMemoryLeaser(), "redis": redisLeaser} {
		t.Run(name, func(t *testing.T) {
			var winners atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					ok, err := leaser.Acquire(context.Background(), "contended", string(rune('a'+i)), time.Minute)
					if err != nil {
						t.Errorf("Acquire() error: %v", err)
					}
					if ok {
						winners.Add(1)
					}
				}(i)
			}
			wg.Wait()
			if got := winners.Load(); got != 1 {
				t.Fatalf("expected exactly one winner, got %d", got)
			}
		})
	}
}
