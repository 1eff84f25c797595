// Package events publishes per-item outcome events to Kafka.
//
// Publishing is best effort: the record store is the source of truth, so a
// lost event is logged and counted but never fails an item.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"enricher/internal/enrichment/metrics"
	"enricher/internal/enrichment/models"
	"enricher/pkg/platform/circuit"
)

// Producer is the subset of *kgo.Client the publisher needs.
type Producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Flush(ctx context.Context) error
}

// KafkaPublisher produces outcome events asynchronously, keyed by item ID so
// all events for one item land on one partition in order.
type KafkaPublisher struct {
	producer Producer
	topic    string
	breaker  *circuit.Breaker
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

type Option func(*KafkaPublisher)

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *KafkaPublisher) {
		p.metrics = m
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *KafkaPublisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithBreaker replaces the delivery breaker. While it is open, events are
// dropped without reaching the producer.
func WithBreaker(b *circuit.Breaker) Option {
	return func(p *KafkaPublisher) {
		if b != nil {
			p.breaker = b
		}
	}
}

func NewKafkaPublisher(producer Producer, topic string, opts ...Option) (*KafkaPublisher, error) {
	if producer == nil {
		return nil, errors.New("kafka producer is required")
	}
	if topic == "" {
		return nil, errors.New("outcome topic is required")
	}
	p := &KafkaPublisher{
		producer: producer,
		topic:    topic,
		breaker:  circuit.New("outcome-events", circuit.WithFailureThreshold(5), circuit.WithSuccessThreshold(1)),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// PublishOutcome enqueues event and returns immediately. The delivery result
// arrives on the producer's callback.
func (p *KafkaPublisher) PublishOutcome(ctx context.Context, event models.OutcomeEvent) {
	ticket, err := p.breaker.Allow()
	if err != nil {
		p.metrics.IncrementEvents("dropped")
		return
	}
	value, err := json.Marshal(event)
	if err != nil {
		p.breaker.Release(ticket)
		p.metrics.IncrementEvents("encode_error")
		p.logger.ErrorContext(ctx, "failed to encode outcome event", "item_id", event.ItemID, "error", err)
		return
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(event.ItemID.String()),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte("work_item.outcome")},
			{Key: "status", Value: []byte(event.Status)},
		},
	}
	// The worker's context may end before delivery; the record must not.
	p.producer.Produce(context.WithoutCancel(ctx), record, func(_ *kgo.Record, err error) {
		if err != nil {
			p.breaker.RecordFailure(ticket)
			p.metrics.IncrementEvents("failed")
			p.logger.Warn("outcome event not delivered", "item_id", event.ItemID, "error", err)
			return
		}
		p.breaker.RecordSuccess(ticket)
		p.metrics.IncrementEvents("delivered")
	})
}

// Close waits for buffered events to be delivered or ctx to end.
func (p *KafkaPublisher) Close(ctx context.Context) error {
	return p.producer.Flush(ctx)
}

// NoopPublisher discards events. Used when no brokers are configured.
type NoopPublisher struct{}

func (NoopPublisher) PublishOutcome(context.Context, models.OutcomeEvent) {}
