package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mbd888/covenant/internal/circuitbreaker"
)

const kafkaBreakerKey = "kafka"

// MessageWriter is the subset of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events as JSON to a topic, keyed by entity so one
// escrow's or packet's history stays ordered within a partition. A circuit
// breaker sheds load while the brokers are unreachable.
type KafkaSink struct {
	writer  MessageWriter
	breaker *circuitbreaker.Breaker
	async   bool
	logger  *slog.Logger
}

// NewKafkaSink creates an asynchronous sink writing to topic on brokers.
// Delivery results arrive through the writer's completion callback.
func NewKafkaSink(brokers []string, topic string, logger *slog.Logger) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka sink requires at least one broker")
	}
	if topic == "" {
		return nil, errors.New("kafka sink requires a topic")
	}
	s := &KafkaSink{
		breaker: circuitbreaker.New(5, 30*time.Second),
		async:   true,
		logger:  logger,
	}
	s.writer = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		RequiredAcks: kafka.RequireAll,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
		Completion:   s.complete,
	}
	return s, nil
}

// NewKafkaSinkWithWriter creates a synchronous sink over any writer.
func NewKafkaSinkWithWriter(w MessageWriter, breaker *circuitbreaker.Breaker, logger *slog.Logger) *KafkaSink {
	return &KafkaSink{writer: w, breaker: breaker, logger: logger}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Publish(ctx context.Context, e *Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if !s.breaker.Allow(kafkaBreakerKey) {
		return circuitbreaker.ErrOpen
	}
	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.EntityKind + ":" + e.EntityID),
		Value: payload,
		Time:  e.Timestamp,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(e.Type)},
		},
	})
	if err != nil {
		s.breaker.RecordFailure(kafkaBreakerKey)
		return err
	}
	if !s.async {
		s.breaker.RecordSuccess(kafkaBreakerKey)
	}
	return nil
}

func (s *KafkaSink) complete(msgs []kafka.Message, err error) {
	if err != nil {
		s.breaker.RecordFailure(kafkaBreakerKey)
		s.logger.Warn("kafka audit batch failed", "messages", len(msgs), "error", err)
		return
	}
	s.breaker.RecordSuccess(kafkaBreakerKey)
}

// State exposes the breaker position for health reporting.
func (s *KafkaSink) State() circuitbreaker.State {
	return s.breaker.State(kafkaBreakerKey)
}

// Close flushes pending messages.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
