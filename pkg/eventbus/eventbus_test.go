package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/flowforge/taskflow/pkg/model"
)

func newTestBus(t *testing.T, cfg Config, opts ...Option) *Bus {
	t.Helper()
	if cfg.BaseBackoff == 0 {
		cfg.BaseBackoff = time.Millisecond
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 5 * time.Millisecond
	}
	bus := NewBus(cfg, zap.NewNop(), opts...)
	ctx, cancel := context.WithCancel(context.Background())
	bus.Start(ctx)
	t.Cleanup(func() {
		bus.Close()
		cancel()
	})
	return bus
}

type recorder struct {
	mu     sync.Mutex
	events []model.Event
	calls  atomic.Int32
}

func (r *recorder) target(id string, fail func(call int32) error) Target {
	return TargetFunc(id, func(ctx context.Context, event model.Event) error {
		call := r.calls.Add(1)
		if fail != nil {
			if err := fail(call); err != nil {
				return err
			}
		}
		r.mu.Lock()
		r.events = append(r.events, event)
		r.mu.Unlock()
		return nil
	})
}

func (r *recorder) received() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Event(nil), r.events...)
}

func eventually(t *testing.T, timeout time.Duration, condition func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, message)
}

func TestPublishValidatesEvent(t *testing.T) {
	bus := newTestBus(t, Config{})
	if _, err := bus.Publish(context.Background(), model.Event{Type: model.EventTaskCreated}); !errors.Is(err, model.ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestPublishFansOutToMatchingRules(t *testing.T) {
	bus := newTestBus(t, Config{Workers: 2})
	all, high, updates := &recorder{}, &recorder{}, &recorder{}

	allID, _ := bus.RegisterRule(Pattern{"type": {model.EventTaskCreated}}, all.target("all", nil))
	highID, _ := bus.RegisterRule(Pattern{"type": {model.EventTaskCreated}, "detail.priority": {"high"}}, high.target("high", nil))
	bus.RegisterRule(Pattern{"type": {model.EventTaskUpdated}}, updates.target("updates", nil))

	receipt, err := bus.Publish(context.Background(), taskEvent(model.EventTaskCreated, model.JSONB{"taskId": "t1", "priority": "high"}))
	if err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if receipt.EventID == "" || len(receipt.RuleIDs) != 2 || receipt.RuleIDs[0] != allID || receipt.RuleIDs[1] != highID {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}

	eventually(t, time.Second, func() bool { return len(all.received()) == 1 && len(high.received()) == 1 }, "both rules delivered")
	if len(updates.received()) != 0 {
		t.Fatalf("non-matching rule received an event")
	}
	if all.received()[0].ID != receipt.EventID {
		t.Fatalf("delivered event id differs from receipt")
	}
}

func TestPublishWithoutMatchIsNoop(t *testing.T) {
	bus := newTestBus(t, Config{})
	receipt, err := bus.Publish(context.Background(), taskEvent(model.EventTaskCreated, nil))
	if err != nil || len(receipt.RuleIDs) != 0 {
		t.Fatalf("expected accepted event with no deliveries, got %+v %v", receipt, err)
	}
}

func TestRetriesTransientFailures(t *testing.T) {
	bus := newTestBus(t, Config{MaxRetries: 3})
	flaky := &recorder{}
	bus.RegisterRule(Pattern{"type": {model.EventTaskCreated}}, flaky.target("flaky", func(call int32) error {
		if call < 3 {
			return errors.New("target unavailable")
		}
		return nil
	}))

	bus.Publish(context.Background(), taskEvent(model.EventTaskCreated, nil))

	eventually(t, time.Second, func() bool { return len(flaky.received()) == 1 }, "delivery after retries")
	letters, _ := bus.DeadLetters(context.Background())
	if len(letters) != 0 {
		t.Fatalf("expected no dead letters, got %d", len(letters))
	}
}

// A rule whose target never recovers ends in the dead-letter store while every other
// matching rule still succeeds.
func TestExhaustedDeliveryIsDeadLetteredIndependently(t *testing.T) {
	bus := newTestBus(t, Config{MaxRetries: 2, Workers: 4})
	healthy, broken, failures := &recorder{}, &recorder{}, &recorder{}

	bus.RegisterRule(Pattern{"type": {model.EventTaskCreated}}, healthy.target("healthy", nil))
	brokenID, _ := bus.RegisterRule(Pattern{"type": {model.EventTaskCreated}}, broken.target("broken", func(int32) error {
		return errors.New("connection refused")
	}))
	bus.RegisterRule(Pattern{"source": {model.SourceEventBus}, "type": {model.EventDeliveryExhausted}}, failures.target("failures", nil))

	receipt, _ := bus.Publish(context.Background(), taskEvent(model.EventTaskCreated, model.JSONB{"taskId": "t1"}))

	eventually(t, time.Second, func() bool { return len(failures.received()) == 1 }, "delivery exhausted event")

	if len(healthy.received()) != 1 {
		t.Fatalf("healthy rule should have received the event once, got %d", len(healthy.received()))
	}
	if got := broken.calls.Load(); got != 3 {
		t.Fatalf("expected 1 attempt + 2 retries, got %d calls", got)
	}

	letters, err := bus.DeadLetters(context.Background())
	if err != nil || len(letters) != 1 {
		t.Fatalf("expected one dead letter, got %d (%v)", len(letters), err)
	}
	letter := letters[0]
	if letter.EventID != receipt.EventID || letter.RuleID != brokenID || letter.Attempts != 3 {
		t.Fatalf("unexpected dead letter: %+v", letter)
	}
	if letter.Status != model.DeadLetterStatusHeld {
		t.Fatalf("expected held dead letter, got %s", letter.Status)
	}

	failure := failures.received()[0]
	if failure.Detail[DetailDeadLetterID] != letter.ID || failure.TaskID() != "t1" {
		t.Fatalf("unexpected failure event detail: %v", failure.Detail)
	}
}

func TestPermanentFailureSkipsRetries(t *testing.T) {
	bus := newTestBus(t, Config{MaxRetries: 5})
	rejecting := &recorder{}
	bus.RegisterRule(Pattern{"type": {model.EventTaskCreated}}, rejecting.target("rejecting", func(int32) error {
		return Permanent(errors.New("malformed"))
	}))

	bus.Publish(context.Background(), taskEvent(model.EventTaskCreated, nil))

	eventually(t, time.Second, func() bool {
		letters, _ := bus.DeadLetters(context.Background())
		return len(letters) == 1
	}, "dead letter")
	if got := rejecting.calls.Load(); got != 1 {
		t.Fatalf("permanent failure must not be retried, got %d calls", got)
	}
}

func TestFailingExhaustionObserverDoesNotLoop(t *testing.T) {
	bus := newTestBus(t, Config{MaxRetries: 0})
	broken := &recorder{}
	bus.RegisterRule(Pattern{"source": {model.SourceTaskManager, model.SourceEventBus}}, broken.target("broken", func(int32) error {
		return errors.New("down")
	}))

	bus.Publish(context.Background(), taskEvent(model.EventTaskCreated, nil))

	eventually(t, time.Second, func() bool {
		letters, _ := bus.DeadLetters(context.Background())
		return len(letters) == 2
	}, "original and failure event dead-lettered")

	time.Sleep(50 * time.Millisecond)
	letters, _ := bus.DeadLetters(context.Background())
	if len(letters) != 2 {
		t.Fatalf("exhaustion events must not cascade, got %d dead letters", len(letters))
	}
}

// Re-publishing an event whose delivery already succeeded does not reach the target
// again.
func TestRepublishedEventIsDeliveredOnce(t *testing.T) {
	bus := newTestBus(t, Config{})
	target := &recorder{}
	bus.RegisterRule(Pattern{"type": {model.EventTaskCreated}}, target.target("once", nil))

	event := taskEvent(model.EventTaskCreated, model.JSONB{"taskId": "t1"})
	event.ID = "event-1"

	bus.Publish(context.Background(), event)
	eventually(t, time.Second, func() bool { return len(target.received()) == 1 }, "first delivery")

	bus.Publish(context.Background(), event)
	time.Sleep(50 * time.Millisecond)
	if got := target.calls.Load(); got != 1 {
		t.Fatalf("expected a single delivery, got %d", got)
	}
}

func TestRedrive(t *testing.T) {
	bus := newTestBus(t, Config{MaxRetries: 0})
	var healthy atomic.Bool
	target := &recorder{}
	bus.RegisterRule(Pattern{"type": {model.EventTaskCreated}}, target.target("recovering", func(int32) error {
		if !healthy.Load() {
			return errors.New("down")
		}
		return nil
	}))

	bus.Publish(context.Background(), taskEvent(model.EventTaskCreated, nil))
	var letters []model.DeadLetter
	eventually(t, time.Second, func() bool {
		letters, _ = bus.DeadLetters(context.Background())
		return len(letters) == 1
	}, "dead letter")

	healthy.Store(true)
	redriven, err := bus.Redrive(context.Background(), letters[0].ID)
	if err != nil {
		t.Fatalf("Redrive() error: %v", err)
	}
	if redriven.Status != model.DeadLetterStatusRedriven {
		t.Fatalf("expected redriven status, got %s", redriven.Status)
	}
	eventually(t, time.Second, func() bool { return len(target.received()) == 1 }, "redriven delivery")

	if _, err := bus.Redrive(context.Background(), letters[0].ID); !errors.Is(err, model.ErrAlreadyRedriven) {
		t.Fatalf("expected ErrAlreadyRedriven, got %v", err)
	}
	if _, err := bus.Redrive(context.Background(), "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRegisterAndUnregisterRules(t *testing.T) {
	bus := newTestBus(t, Config{})
	target := &recorder{}

	if _, err := bus.RegisterRule(Pattern{"bogus": {"x"}}, target.target("t", nil)); !errors.Is(err, model.ErrInvalidPattern) {
		t.Fatalf("expected ErrInvalidPattern, got %v", err)
	}

	id, err := bus.RegisterNamedRule("created", Pattern{"type": {model.EventTaskCreated}}, target.target("t", nil))
	if err != nil {
		t.Fatalf("RegisterNamedRule() error: %v", err)
	}
	rules := bus.Rules()
	if len(rules) != 1 || rules[0].ID != id || rules[0].Name != "created" || rules[0].TargetID != "t" {
		t.Fatalf("unexpected rules: %+v", rules)
	}

	if err := bus.UnregisterRule(id); err != nil {
		t.Fatalf("UnregisterRule() error: %v", err)
	}
	if err := bus.UnregisterRule(id); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	receipt, _ := bus.Publish(context.Background(), taskEvent(model.EventTaskCreated, nil))
	if len(receipt.RuleIDs) != 0 {
		t.Fatalf("unregistered rule still matched")
	}
}

func TestRegisterSpecRequiresKnownTarget(t *testing.T) {
	bus := newTestBus(t, Config{})
	_, err := bus.RegisterSpec(RuleSpec{Name: "x", Target: "nowhere", Pattern: Pattern{"type": {"A"}}})
	if !errors.Is(err, model.ErrUnknownTarget) {
		t.Fatalf("expected ErrUnknownTarget, got %v", err)
	}

	bus.RegisterTarget(NewLogTarget("log", zap.NewNop()))
	if _, err := bus.RegisterSpec(RuleSpec{Name: "x", Target: "log", Pattern: Pattern{"type": {"A"}}}); err != nil {
		t.Fatalf("RegisterSpec() error: %v", err)
	}
}

func TestPublishAfterClose(t *testing.T) {
	bus := NewBus(Config{}, zap.NewNop())
	bus.Start(context.Background())
	bus.Close()
	if _, err := bus.Publish(context.Background(), taskEvent(model.EventTaskCreated, nil)); !errors.Is(err, model.ErrBusClosed) {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
}

func TestRetryDelay(t *testing.T) {
	bus := NewBus(Config{BaseBackoff: time.Second, MaxBackoff: 5 * time.Second}, zap.NewNop())
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}
	for i, expected := range want {
		if got := bus.retryDelay(i + 1); got != expected {
			t.Errorf("retryDelay(%d) = %s, want %s", i+1, got, expected)
		}
	}
}
