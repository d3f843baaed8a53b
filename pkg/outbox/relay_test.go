package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/flowforge/taskflow/pkg/model"
)

type fakeRepository struct {
	mu      sync.Mutex
	changes []model.TaskChange
	fail    bool
}

func (f *fakeRepository) add(taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, model.TaskChange{ID: int64(len(f.changes) + 1), TaskID: taskID})
}

func (f *fakeRepository) ListAfter(ctx context.Context, sequence int64, limit int) ([]model.TaskChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("database unavailable")
	}
	var out []model.TaskChange
	for _, change := range f.changes {
		if change.ID > sequence && len(out) < limit {
			out = append(out, change)
		}
	}
	return out, nil
}

func (f *fakeRepository) LatestSequence(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.changes)), nil
}

type recordingSink struct {
	mu      sync.Mutex
	records []model.ChangeRecord
}

func (s *recordingSink) Publish(record model.ChangeRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
}

func (s *recordingSink) snapshot() []model.ChangeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ChangeRecord(nil), s.records...)
}

func TestRelaySkipsHistoryAndForwardsInOrder(t *testing.T) {
	repo := &fakeRepository{}
	repo.add("old")
	sink := &recordingSink{}
	relay := NewRelay(repo, sink, zap.NewNop(), 10*time.Millisecond, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	for relay.Cursor() < 1 {
		time.Sleep(time.Millisecond)
	}
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		repo.add(id)
	}

	deadline := time.Now().Add(time.Second)
	for len(sink.snapshot()) < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	records := sink.snapshot()
	if len(records) != 5 {
		t.Fatalf("expected 5 relayed records, got %d", len(records))
	}
	for i, record := range records {
		if record.Sequence != int64(i+2) {
			t.Fatalf("record %d has sequence %d", i, record.Sequence)
		}
	}
}

func TestRelayResumesAfterCursor(t *testing.T) {
	repo := &fakeRepository{}
	repo.add("a")
	repo.add("b")
	sink := &recordingSink{}
	relay := NewRelay(repo, sink, zap.NewNop(), time.Hour, 10)
	relay.StartAfter(1)

	relay.processPending(context.Background())

	records := sink.snapshot()
	if len(records) != 1 || records[0].TaskID != "b" {
		t.Fatalf("expected only change b, got %+v", records)
	}
}

func TestRelayKeepsCursorOnError(t *testing.T) {
	repo := &fakeRepository{fail: true}
	sink := &recordingSink{}
	relay := NewRelay(repo, sink, zap.NewNop(), time.Hour, 10)
	relay.StartAfter(0)

	relay.processPending(context.Background())

	if relay.Cursor() != 0 || len(sink.snapshot()) != 0 {
		t.Fatalf("failed poll must not move the cursor")
	}
}

func TestRelayPrimeFixesStartPosition(t *testing.T) {
	repo := &fakeRepository{}
	repo.add("before-start")
	sink := &recordingSink{}
	relay := NewRelay(repo, sink, zap.NewNop(), time.Hour, 10)

	if err := relay.Prime(context.Background()); err != nil {
		t.Fatalf("Prime() error: %v", err)
	}
	repo.add("accepted-before-run")
	if err := relay.Prime(context.Background()); err != nil {
		t.Fatalf("second Prime() error: %v", err)
	}
	if relay.Cursor() != 1 {
		t.Fatalf("Prime must not move a set cursor, got %d", relay.Cursor())
	}

	relay.processPending(context.Background())

	records := sink.snapshot()
	if len(records) != 1 || records[0].TaskID != "accepted-before-run" {
		t.Fatalf("expected the change committed after Prime, got %+v", records)
	}
}

func TestRelayRunReturnsNilOnCancel(t *testing.T) {
	relay := NewRelay(&fakeRepository{}, &recordingSink{}, zap.NewNop(), time.Hour, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	for relay.Cursor() < 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() after cancel = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}
