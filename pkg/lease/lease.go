// Package lease provides per-key mutual exclusion with expiry. The workflow engine holds
// one lease per task id for the lifetime of an execution; expiry releases the lease of a
// crashed holder.
package lease

import (
	"context"
	"sync"
	"time"
)

type Leaser interface {
	// Acquire takes the lease for holder, or extends it when holder already owns it. It
	// reports false when another holder owns an unexpired lease.
	Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	// Renew extends a lease owned by holder. It reports false when the lease was lost.
	Renew(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	// Release drops the lease if holder still owns it.
	Release(ctx context.Context, key, holder string) error
	// Holder returns the current owner of key, if any.
	Holder(ctx context.Context, key string) (string, bool, error)
}

type memoryLease struct {
	holder    string
	expiresAt time.Time
}

type MemoryLeaser struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	now    func() time.Time
}

func NewMemoryLeaser() *MemoryLeaser {
	return &MemoryLeaser{
		leases: make(map[string]memoryLease),
		now:    time.Now,
	}
}

func (l *MemoryLeaser) Acquire(_ context.Context, key, holder string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	current, ok := l.leases[key]
	if ok && current.holder != holder && now.Before(current.expiresAt) {
		return false, nil
	}
	l.leases[key] = memoryLease{holder: holder, expiresAt: now.Add(ttl)}
	return true, nil
}

func (l *MemoryLeaser) Renew(_ context.Context, key, holder string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	current, ok := l.leases[key]
	if !ok || current.holder != holder || !now.Before(current.expiresAt) {
		return false, nil
	}
	l.leases[key] = memoryLease{holder: holder, expiresAt: now.Add(ttl)}
	return true, nil
}

func (l *MemoryLeaser) Release(_ context.Context, key, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if current, ok := l.leases[key]; ok && current.holder == holder {
		delete(l.leases, key)
	}
	return nil
}

func (l *MemoryLeaser) Holder(_ context.Context, key string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.leases[key]
	if !ok || !l.now().Before(current.expiresAt) {
		return "", false, nil
	}
	return current.holder, true, nil
}
