package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/flowforge/taskflow/pkg/model"
)

const (
	headerEventID     = "tf-event-id"
	headerEventType   = "tf-event-type"
	headerEventSource = "tf-event-source"
)

type KafkaConfig struct {
	Brokers  []string
	ClientID string
	Topic    string
	GroupID  string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaTarget forwards routed events to a Kafka topic, keyed by task id so a task's
// events land on one partition.
type KafkaTarget struct {
	id     string
	topic  string
	writer messageWriter
}

func NewKafkaTarget(id string, cfg KafkaConfig) *KafkaTarget {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Transport: &kafka.Transport{
			ClientID: cfg.ClientID,
		},
	}
	return &KafkaTarget{id: id, topic: cfg.Topic, writer: writer}
}

func (t *KafkaTarget) ID() string {
	return t.id
}

func (t *KafkaTarget) Deliver(ctx context.Context, event model.Event) error {
	if t.topic == "" {
		return Permanent(errors.New("kafka topic is not configured"))
	}
	message, err := EncodeMessage(event)
	if err != nil {
		return Permanent(err)
	}
	message.Topic = t.topic
	return t.writer.WriteMessages(ctx, message)
}

func (t *KafkaTarget) Close() error {
	return t.writer.Close()
}

// EncodeMessage renders an event as a Kafka message with identifying headers.
func EncodeMessage(event model.Event) (kafka.Message, error) {
	value, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal event %s: %w", event.ID, err)
	}
	key := event.TaskID()
	if key == "" {
		key = event.ID
	}
	return kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: headerEventID, Value: []byte(event.ID)},
			{Key: headerEventType, Value: []byte(event.Type)},
			{Key: headerEventSource, Value: []byte(event.Source)},
		},
		Time: event.Time,
	}, nil
}

// DecodeMessage parses a message produced by EncodeMessage or by an external producer
// that writes the same JSON envelope. The event id header wins over the body.
func DecodeMessage(message kafka.Message) (model.Event, error) {
	var event model.Event
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return model.Event{}, fmt.Errorf("%w: %v", model.ErrInvalidEvent, err)
	}
	if id := headerValue(message, headerEventID); id != "" {
		event.ID = id
	}
	if event.Time.IsZero() {
		event.Time = message.Time
	}
	return event, nil
}

func headerValue(message kafka.Message, key string) string {
	for _, header := range message.Headers {
		if header.Key == key {
			return string(header.Value)
		}
	}
	return ""
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher is the part of the bus a KafkaSource feeds.
type Publisher interface {
	Publish(ctx context.Context, event model.Event) (Receipt, error)
}

// KafkaSource consumes an ingest topic and publishes every decoded event on the bus.
// Undecodable messages are logged and committed; publish failures stop the loop so the
// message is redelivered after restart.
type KafkaSource struct {
	reader    messageReader
	publisher Publisher
	logger    *zap.Logger
	closeOnce sync.Once
}

func NewKafkaSource(cfg KafkaConfig, publisher Publisher, logger *zap.Logger) *KafkaSource {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		Dialer: &kafka.Dialer{
			ClientID: cfg.ClientID,
			Timeout:  10 * time.Second,
		},
	})
	return &KafkaSource{reader: reader, publisher: publisher, logger: logger}
}

func (s *KafkaSource) Run(ctx context.Context) error {
	defer s.Close()
	for {
		message, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		event, err := DecodeMessage(message)
		if err != nil {
			s.logger.Warn("dropping undecodable kafka message",
				zap.Error(err),
				zap.String("topic", message.Topic),
				zap.Int64("offset", message.Offset),
			)
		} else if _, err := s.publisher.Publish(ctx, event); err != nil {
			return fmt.Errorf("publish ingested event %s: %w", event.ID, err)
		}

		if err := s.reader.CommitMessages(ctx, message); err != nil {
			return err
		}
	}
}

func (s *KafkaSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.reader.Close()
	})
	return err
}
