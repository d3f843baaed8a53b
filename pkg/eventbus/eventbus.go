package eventbus

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowforge/taskflow/pkg/metrics"
	"github.com/flowforge/taskflow/pkg/model"
)

// Detail keys of DeliveryExhausted events.
const (
	DetailDeadLetterID = "deadLetterId"
	DetailEventID      = "eventId"
	DetailEventType    = "eventType"
	DetailEventSource  = "eventSource"
	DetailRuleID       = "ruleId"
	DetailTargetID     = "targetId"
	DetailAttempts     = "attempts"
	DetailError        = "error"
)

type Config struct {
	Workers     int
	QueueSize   int
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// DeliveryTimeout bounds a single target call. Zero means no bound.
	DeliveryTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	return c
}

// Receipt confirms that the bus accepted an event. Delivery outcomes are observable
// only through dead letters and DeliveryExhausted events.
type Receipt struct {
	EventID    string    `json:"eventId"`
	RuleIDs    []string  `json:"ruleIds"`
	AcceptedAt time.Time `json:"acceptedAt"`
}

type delivery struct {
	event   model.Event
	ruleID  string
	attempt int
}

// Bus routes events to every rule whose pattern matches. Each (event, rule) pair is
// delivered, retried and dead-lettered on its own.
type Bus struct {
	cfg         Config
	logger      *zap.Logger
	deduper     Deduper
	deadLetters DeadLetterStore

	mu      sync.RWMutex
	rules   map[string]*Rule
	order   []string
	targets map[string]Target

	queue   chan delivery
	closeCh chan struct{}

	timersMu sync.Mutex
	timers   map[*time.Timer]struct{}

	workers   sync.WaitGroup
	pending   sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
	now       func() time.Time
}

type Option func(*Bus)

func WithDeduper(deduper Deduper) Option {
	return func(b *Bus) {
		b.deduper = deduper
	}
}

func WithDeadLetterStore(store DeadLetterStore) Option {
	return func(b *Bus) {
		b.deadLetters = store
	}
}

func NewBus(cfg Config, logger *zap.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	b := &Bus{
		cfg:     cfg,
		logger:  logger,
		rules:   make(map[string]*Rule),
		targets: make(map[string]Target),
		queue:   make(chan delivery, cfg.QueueSize),
		closeCh: make(chan struct{}),
		timers:  make(map[*time.Timer]struct{}),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.deduper == nil {
		b.deduper = NewMemoryDeduper(0)
	}
	if b.deadLetters == nil {
		b.deadLetters = NewMemoryDeadLetterStore()
	}
	return b
}

// Start launches the delivery workers. Deliveries run under ctx.
func (b *Bus) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		for i := 0; i < b.cfg.Workers; i++ {
			b.workers.Add(1)
			go b.worker(ctx)
		}
		b.logger.Info("event bus started",
			zap.Int("workers", b.cfg.Workers),
			zap.Int("max_retries", b.cfg.MaxRetries),
		)
	})
}

// Close stops the workers and cancels scheduled retries. Queued deliveries are dropped.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		close(b.closeCh)

		b.timersMu.Lock()
		for timer := range b.timers {
			if timer.Stop() {
				b.pending.Done()
			}
		}
		b.timers = make(map[*time.Timer]struct{})
		b.timersMu.Unlock()

		b.workers.Wait()
		b.pending.Wait()
		b.logger.Info("event bus stopped")
	})
	return nil
}

// Backlog returns deliveries queued for a worker plus retries waiting on their backoff.
func (b *Bus) Backlog() int {
	b.timersMu.Lock()
	scheduled := len(b.timers)
	b.timersMu.Unlock()
	return len(b.queue) + scheduled
}

func (b *Bus) closed() bool {
	select {
	case <-b.closeCh:
		return true
	default:
		return false
	}
}

// RegisterTarget makes a target addressable by ID for rules, rules files and redrives.
func (b *Bus) RegisterTarget(target Target) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.targets[target.ID()] = target
}

func (b *Bus) Target(id string) (Target, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	target, ok := b.targets[id]
	return target, ok
}

func (b *Bus) RegisterRule(pattern Pattern, target Target) (string, error) {
	return b.RegisterNamedRule("", pattern, target)
}

func (b *Bus) RegisterNamedRule(name string, pattern Pattern, target Target) (string, error) {
	if target == nil {
		return "", fmt.Errorf("%w: nil target", model.ErrUnknownTarget)
	}
	matcher, err := Compile(pattern)
	if err != nil {
		return "", err
	}

	rule := &Rule{
		ID:        uuid.NewString(),
		Name:      name,
		Pattern:   matcher.Pattern(),
		TargetID:  target.ID(),
		CreatedAt: b.now().UTC(),
		matcher:   matcher,
		target:    target,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.targets[target.ID()]; !ok {
		b.targets[target.ID()] = target
	}
	b.rules[rule.ID] = rule
	b.order = append(b.order, rule.ID)

	b.logger.Info("rule registered",
		zap.String("rule_id", rule.ID),
		zap.String("name", name),
		zap.String("target", rule.TargetID),
	)
	return rule.ID, nil
}

// RegisterSpec registers a declarative rule bound to a previously registered target.
func (b *Bus) RegisterSpec(spec RuleSpec) (string, error) {
	target, ok := b.Target(spec.Target)
	if !ok {
		return "", fmt.Errorf("%w: %s", model.ErrUnknownTarget, spec.Target)
	}
	return b.RegisterNamedRule(spec.Name, spec.Pattern, target)
}

// UnregisterRule removes a rule. Deliveries already scheduled for it are dropped.
func (b *Bus) UnregisterRule(ruleID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.rules[ruleID]; !ok {
		return fmt.Errorf("rule %s: %w", ruleID, model.ErrNotFound)
	}
	delete(b.rules, ruleID)
	for i, id := range b.order {
		if id == ruleID {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	b.logger.Info("rule unregistered", zap.String("rule_id", ruleID))
	return nil
}

// Rules returns the registered rules in registration order.
func (b *Bus) Rules() []Rule {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rules := make([]Rule, 0, len(b.order))
	for _, id := range b.order {
		rule := *b.rules[id]
		rule.matcher = nil
		rule.target = nil
		rules = append(rules, rule)
	}
	return rules
}

func (b *Bus) rule(id string) (*Rule, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rule, ok := b.rules[id]
	return rule, ok
}

func (b *Bus) match(event model.Event) []string {
	fields := event.Fields()
	b.mu.RLock()
	defer b.mu.RUnlock()
	var matched []string
	for _, id := range b.order {
		if b.rules[id].matcher.MatchFields(fields) {
			matched = append(matched, id)
		}
	}
	return matched
}

// Publish accepts an event and queues one delivery per matching rule. It blocks while
// the delivery queue is full, until ctx ends.
func (b *Bus) Publish(ctx context.Context, event model.Event) (Receipt, error) {
	if event.Source == "" || event.Type == "" {
		return Receipt{}, fmt.Errorf("%w: source and type are required", model.ErrInvalidEvent)
	}
	if b.closed() {
		return Receipt{}, model.ErrBusClosed
	}

	event = event.Clone()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Time.IsZero() {
		event.Time = b.now().UTC()
	}
	if event.Detail == nil {
		event.Detail = model.JSONB{}
	}

	receipt := Receipt{EventID: event.ID, AcceptedAt: b.now().UTC()}
	for _, ruleID := range b.match(event) {
		select {
		case b.queue <- delivery{event: event, ruleID: ruleID, attempt: 1}:
			receipt.RuleIDs = append(receipt.RuleIDs, ruleID)
		case <-ctx.Done():
			return receipt, ctx.Err()
		case <-b.closeCh:
			return receipt, model.ErrBusClosed
		}
	}

	metrics.EventsPublished.WithLabelValues(event.Source, event.Type).Inc()
	b.logger.Debug("event published",
		zap.String("event_id", event.ID),
		zap.String("source", event.Source),
		zap.String("type", event.Type),
		zap.Int("rules", len(receipt.RuleIDs)),
	)
	return receipt, nil
}

func (b *Bus) worker(ctx context.Context) {
	defer b.workers.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.closeCh:
			return
		case d := <-b.queue:
			b.deliver(ctx, d)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, d delivery) {
	rule, ok := b.rule(d.ruleID)
	if !ok {
		b.logger.Debug("dropping delivery for removed rule",
			zap.String("rule_id", d.ruleID),
			zap.String("event_id", d.event.ID),
		)
		return
	}

	key := deliveryKey(d.event.ID, rule.ID)
	seen, err := b.deduper.Seen(ctx, key)
	if err != nil {
		b.logger.Warn("dedupe lookup failed", zap.Error(err), zap.String("event_id", d.event.ID))
	}
	if seen {
		metrics.Deliveries.WithLabelValues(rule.TargetID, "duplicate").Inc()
		return
	}

	deliverCtx := ctx
	if b.cfg.DeliveryTimeout > 0 {
		var cancel context.CancelFunc
		deliverCtx, cancel = context.WithTimeout(ctx, b.cfg.DeliveryTimeout)
		defer cancel()
	}

	err = rule.target.Deliver(deliverCtx, d.event.Clone())
	if err == nil {
		if err := b.deduper.MarkSeen(ctx, key); err != nil {
			b.logger.Warn("failed to record delivery", zap.Error(err), zap.String("event_id", d.event.ID))
		}
		metrics.Deliveries.WithLabelValues(rule.TargetID, "succeeded").Inc()
		return
	}

	logger := b.logger.With(
		zap.String("event_id", d.event.ID),
		zap.String("event_type", d.event.Type),
		zap.String("rule_id", rule.ID),
		zap.String("target", rule.TargetID),
		zap.Int("attempt", d.attempt),
	)

	if IsPermanent(err) || d.attempt > b.cfg.MaxRetries {
		logger.Warn("delivery exhausted", zap.Error(err))
		b.exhaust(ctx, rule, d, err)
		return
	}

	delay := b.retryDelay(d.attempt)
	logger.Info("delivery failed, retrying", zap.Error(err), zap.Duration("delay", delay))
	metrics.Deliveries.WithLabelValues(rule.TargetID, "retried").Inc()
	d.attempt++
	b.schedule(delay, d)
}

func (b *Bus) retryDelay(attempt int) time.Duration {
	delay := float64(b.cfg.BaseBackoff) * math.Pow(2, float64(attempt-1))
	if delay > float64(b.cfg.MaxBackoff) {
		return b.cfg.MaxBackoff
	}
	return time.Duration(delay)
}

// schedule re-queues a delivery after delay without holding a worker.
func (b *Bus) schedule(delay time.Duration, d delivery) {
	b.timersMu.Lock()
	defer b.timersMu.Unlock()
	if b.closed() {
		return
	}

	b.pending.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		defer b.pending.Done()
		b.timersMu.Lock()
		delete(b.timers, timer)
		b.timersMu.Unlock()

		select {
		case b.queue <- d:
		case <-b.closeCh:
		}
	})
	b.timers[timer] = struct{}{}
}

func (b *Bus) exhaust(ctx context.Context, rule *Rule, d delivery, cause error) {
	metrics.Deliveries.WithLabelValues(rule.TargetID, "exhausted").Inc()

	letter := model.DeadLetter{
		ID:          uuid.NewString(),
		EventID:     d.event.ID,
		EventSource: d.event.Source,
		EventType:   d.event.Type,
		EventDetail: d.event.Detail.Clone(),
		EventTime:   d.event.Time,
		RuleID:      rule.ID,
		TargetID:    rule.TargetID,
		Attempts:    d.attempt,
		LastError:   fmt.Errorf("%w: %w", model.ErrDeliveryExhausted, cause).Error(),
		Status:      model.DeadLetterStatusHeld,
		FailedAt:    b.now().UTC(),
	}
	if err := b.deadLetters.Add(ctx, letter); err != nil {
		b.logger.Error("failed to store dead letter",
			zap.Error(err),
			zap.String("event_id", d.event.ID),
			zap.String("rule_id", rule.ID),
		)
	} else {
		metrics.DeadLetters.Inc()
	}

	// Failures of the failure event itself are only dead-lettered.
	if d.event.Source == model.SourceEventBus && d.event.Type == model.EventDeliveryExhausted {
		return
	}

	detail := model.JSONB{
		DetailDeadLetterID: letter.ID,
		DetailEventID:      d.event.ID,
		DetailEventType:    d.event.Type,
		DetailEventSource:  d.event.Source,
		DetailRuleID:       rule.ID,
		DetailTargetID:     rule.TargetID,
		DetailAttempts:     d.attempt,
		DetailError:        cause.Error(),
	}
	if taskID := d.event.TaskID(); taskID != "" {
		detail[model.DetailTaskID] = taskID
	}

	// Publishing from a worker must not wait on the queue the worker drains.
	b.pending.Add(1)
	go func() {
		defer b.pending.Done()
		if _, err := b.Publish(ctx, model.NewEvent(model.SourceEventBus, model.EventDeliveryExhausted, detail)); err != nil {
			b.logger.Warn("failed to publish delivery exhausted event", zap.Error(err), zap.String("event_id", d.event.ID))
		}
	}()
}

func (b *Bus) DeadLetters(ctx context.Context) ([]model.DeadLetter, error) {
	return b.deadLetters.List(ctx)
}

// Redrive re-queues a held dead letter for its original rule with a fresh retry budget.
func (b *Bus) Redrive(ctx context.Context, id string) (model.DeadLetter, error) {
	letter, err := b.deadLetters.Get(ctx, id)
	if err != nil {
		return model.DeadLetter{}, err
	}
	if letter.Status != model.DeadLetterStatusHeld {
		return model.DeadLetter{}, fmt.Errorf("dead letter %s: %w", id, model.ErrAlreadyRedriven)
	}
	if _, ok := b.rule(letter.RuleID); !ok {
		return model.DeadLetter{}, fmt.Errorf("rule %s of dead letter %s: %w", letter.RuleID, id, model.ErrNotFound)
	}
	if b.closed() {
		return model.DeadLetter{}, model.ErrBusClosed
	}

	select {
	case b.queue <- delivery{event: letter.Event(), ruleID: letter.RuleID, attempt: 1}:
	case <-ctx.Done():
		return model.DeadLetter{}, ctx.Err()
	case <-b.closeCh:
		return model.DeadLetter{}, model.ErrBusClosed
	}

	now := b.now().UTC()
	if err := b.deadLetters.MarkRedriven(ctx, id, now); err != nil {
		return model.DeadLetter{}, err
	}
	metrics.DeadLetters.Dec()
	letter.Status = model.DeadLetterStatusRedriven
	letter.RedrivenAt = &now

	b.logger.Info("dead letter redriven",
		zap.String("dead_letter_id", id),
		zap.String("event_id", letter.EventID),
		zap.String("rule_id", letter.RuleID),
	)
	return letter, nil
}
