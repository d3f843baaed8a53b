package pruner

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/flowforge/taskflow/pkg/model"
	"github.com/flowforge/taskflow/pkg/store"
	"github.com/flowforge/taskflow/pkg/store/memory"
)

type purgingStore struct {
	*memory.Store
	cutoffs []time.Time
}

func (s *purgingStore) PurgeChanges(_ context.Context, cutoff time.Time) (int64, error) {
	s.cutoffs = append(s.cutoffs, cutoff)
	return 3, nil
}

func putExpiring(t *testing.T, tasks store.TaskStore, id string, expireAt time.Time) {
	t.Helper()
	task := model.Task{TaskID: id, CreatedAt: time.Now().UTC(), ExpireAt: &expireAt}
	if _, err := tasks.Put(context.Background(), task); err != nil {
		t.Fatalf("put %s: %v", id, err)
	}
}

func TestRunOnceRemovesExpiredTasks(t *testing.T) {
	tasks := memory.NewStore(zap.NewNop())
	defer tasks.Close()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	putExpiring(t, tasks, "expired", now.Add(-time.Minute))
	putExpiring(t, tasks, "alive", now.Add(time.Hour))

	p := New(tasks, Config{}, zap.NewNop())
	p.now = func() time.Time { return now }

	if removed := p.RunOnce(context.Background()); removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := tasks.Get(context.Background(), "expired"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected expired task gone, got %v", err)
	}
	if _, err := tasks.Get(context.Background(), "alive"); err != nil {
		t.Fatalf("expected live task kept, got %v", err)
	}
}

func TestRunOncePurgesChangeLog(t *testing.T) {
	tasks := &purgingStore{Store: memory.NewStore(zap.NewNop())}
	defer tasks.Close()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	p := New(tasks, Config{ChangeRetention: 24 * time.Hour}, zap.NewNop())
	p.now = func() time.Time { return now }
	p.RunOnce(context.Background())

	if len(tasks.cutoffs) != 1 || !tasks.cutoffs[0].Equal(now.Add(-24*time.Hour)) {
		t.Fatalf("expected one purge at now-24h, got %v", tasks.cutoffs)
	}

	p = New(tasks, Config{}, zap.NewNop())
	p.RunOnce(context.Background())
	if len(tasks.cutoffs) != 1 {
		t.Fatal("expected no purge without a retention")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	tasks := memory.NewStore(zap.NewNop())
	defer tasks.Close()

	putExpiring(t, tasks, "expired", time.Now().Add(-time.Minute))
	p := New(tasks, Config{Interval: 5 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := tasks.Get(context.Background(), "expired"); errors.Is(err, model.ErrNotFound) {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if _, err := tasks.Get(context.Background(), "expired"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected periodic prune, got %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pruner did not stop")
	}
}
