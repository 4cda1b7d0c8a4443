// Package messaging publishes ledger events for downstream consumers
// (dashboard feeds, analytics).
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EntrySettledEvent is emitted after a ledger entry reaches a terminal
// balance effect (deposits and transfers on commit, withdrawals on payout).
type EntrySettledEvent struct {
	EntryID           uuid.UUID       `json:"entry_id"`
	AccountID         uuid.UUID       `json:"account_id"`
	UserID            uuid.UUID       `json:"user_id"`
	Kind              string          `json:"kind"`
	GrossAmount       decimal.Decimal `json:"gross_amount"`
	FeeAmount         decimal.Decimal `json:"fee_amount"`
	NetAmount         decimal.Decimal `json:"net_amount"`
	ExternalReference string          `json:"external_reference,omitempty"`
	OccurredAt        time.Time       `json:"occurred_at"`
}

// Publisher is the event sink. Publishing is best-effort: the ledger commit
// is the source of truth and has already happened by the time an event is
// emitted.
type Publisher interface {
	PublishEntrySettled(ctx context.Context, event EntrySettledEvent) error
	Close() error
}

// KafkaPublisher writes entry events to a Kafka topic, keyed by account so
// one account's events stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaPublisher creates a publisher for the given brokers and topic.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 10 * time.Millisecond,
		},
		logger: logger,
	}
}

// PublishEntrySettled publishes one event.
func (p *KafkaPublisher) PublishEntrySettled(ctx context.Context, event EntrySettledEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.AccountID.String()),
		Value: data,
	})
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

var _ Publisher = (*KafkaPublisher)(nil)

// NopPublisher discards events; used when Kafka is disabled.
type NopPublisher struct{}

func (NopPublisher) PublishEntrySettled(context.Context, EntrySettledEvent) error { return nil }
func (NopPublisher) Close() error                                                 { return nil }

var _ Publisher = NopPublisher{}
