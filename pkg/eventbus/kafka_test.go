package eventbus

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/flowforge/taskflow/pkg/model"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaTargetDeliver(t *testing.T) {
	writer := &fakeWriter{}
	target := &KafkaTarget{id: "kafka", topic: "taskflow.events", writer: writer}

	event := taskEvent(model.EventTaskApproved, model.JSONB{"taskId": "t1", "status": "approved"})
	event.ID = "event-1"
	if err := target.Deliver(context.Background(), event); err != nil {
		t.Fatalf("Deliver() error: %v", err)
	}

	if len(writer.messages) != 1 {
		t.Fatalf("expected one message, got %d", len(writer.messages))
	}
	message := writer.messages[0]
	if message.Topic != "taskflow.events" || string(message.Key) != "t1" {
		t.Fatalf("unexpected topic/key: %s %s", message.Topic, message.Key)
	}

	decoded, err := DecodeMessage(message)
	if err != nil {
		t.Fatalf("DecodeMessage() error: %v", err)
	}
	if decoded.ID != "event-1" || decoded.Type != model.EventTaskApproved || decoded.TaskID() != "t1" {
		t.Fatalf("unexpected decoded event: %+v", decoded)
	}
}

func TestKafkaTargetErrors(t *testing.T) {
	writer := &fakeWriter{err: errors.New("broker unavailable")}
	target := &KafkaTarget{id: "kafka", topic: "events", writer: writer}
	err := target.Deliver(context.Background(), taskEvent(model.EventTaskCreated, nil))
	if err == nil || IsPermanent(err) {
		t.Fatalf("broker failures should be retryable, got %v", err)
	}

	unconfigured := &KafkaTarget{id: "kafka", writer: writer}
	if err := unconfigured.Deliver(context.Background(), taskEvent(model.EventTaskCreated, nil)); !IsPermanent(err) {
		t.Fatalf("missing topic should be permanent, got %v", err)
	}
}

type fakeReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []kafka.Message
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.messages) > 0 {
		message := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return message, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, io.EOF
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func TestKafkaSourcePublishesIngestedEvents(t *testing.T) {
	bus := newTestBus(t, Config{})
	target := &recorder{}
	bus.RegisterRule(Pattern{"type": {model.EventTaskCreated}}, target.target("observer", nil))

	good, _ := EncodeMessage(taskEvent(model.EventTaskCreated, model.JSONB{"taskId": "t1"}))
	reader := &fakeReader{messages: []kafka.Message{{Value: []byte("not json")}, good}}
	source := &KafkaSource{reader: reader, publisher: bus, logger: zap.NewNop()}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- source.Run(ctx) }()

	eventually(t, time.Second, func() bool { return len(target.received()) == 1 }, "ingested event delivered")
	eventually(t, time.Second, func() bool { return reader.commits() == 2 }, "both messages committed")

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}
