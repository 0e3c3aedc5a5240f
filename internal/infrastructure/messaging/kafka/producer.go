// Package kafka publishes batch lifecycle events for downstream consumers
// such as reporting pipelines and the review UI.
package kafka

import (
	"context"
	"encoding/json"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/openradx/exammatch/internal/config"
	"github.com/openradx/exammatch/internal/engine"
	"github.com/openradx/exammatch/internal/infrastructure/monitoring/logging"
	apperrors "github.com/openradx/exammatch/pkg/errors"
)

const (
	eventBatchStarted   = "batch.started"
	eventBatchCompleted = "batch.completed"
)

type batchEvent struct {
	Type      string               `json:"type"`
	BatchID   string               `json:"batch_id"`
	Size      int                  `json:"size,omitempty"`
	Summary   *engine.BatchSummary `json:"summary,omitempty"`
	EmittedAt time.Time            `json:"emitted_at"`
}

// EventProducer implements engine.EventSink on a Kafka topic.  Events are
// keyed by batch ID so one batch's events stay ordered within a partition.
type EventProducer struct {
	writer *kafkago.Writer
	logger logging.Logger
}

// NewEventProducer creates a producer for cfg.Topic.
func NewEventProducer(cfg config.KafkaConfig, logger logging.Logger) *EventProducer {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	writer := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafkago.Hash{},
		BatchSize:    cfg.BatchSize,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafkago.RequireOne,
	}
	return &EventProducer{
		writer: writer,
		logger: logger.Named("kafka"),
	}
}

func (p *EventProducer) BatchStarted(ctx context.Context, batchID string, size int) error {
	return p.publish(ctx, batchID, batchEvent{
		Type:      eventBatchStarted,
		BatchID:   batchID,
		Size:      size,
		EmittedAt: time.Now(),
	})
}

func (p *EventProducer) BatchCompleted(ctx context.Context, summary engine.BatchSummary) error {
	return p.publish(ctx, summary.BatchID, batchEvent{
		Type:      eventBatchCompleted,
		BatchID:   summary.BatchID,
		Summary:   &summary,
		EmittedAt: time.Now(),
	})
}

func (p *EventProducer) publish(ctx context.Context, key string, event batchEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeSerialization, "encode batch event")
	}
	err = p.writer.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(key),
		Value: payload,
	})
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeServiceUnavailable, "publish batch event")
	}
	p.logger.Debug("batch event published",
		logging.String("type", event.Type),
		logging.String("batch_id", event.BatchID))
	return nil
}

// Close flushes and closes the underlying writer.
func (p *EventProducer) Close() error {
	return p.writer.Close()
}
