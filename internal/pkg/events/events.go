// Package events publishes domain events for downstream consumers (alerting,
// analytics). Publishing is best effort and never blocks a ledger transition.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// Type names an event.
type Type string

const (
	TransactionCompleted Type = "transaction.completed"
	TransactionRejected  Type = "transaction.rejected"
	TransactionCancelled Type = "transaction.cancelled"
	AccountProvisioned   Type = "account.provisioned"
	ProvisioningFailed   Type = "account.provisioning_failed"
	AccountMigrated      Type = "account.migrated"
	CleanupQueued        Type = "account.cleanup_queued"
	DriftDetected        Type = "audit.drift_detected"
)

// Event is one domain event. Zero-valued ids are omitted from the payload.
type Event struct {
	ID            string    `json:"id"`
	Type          Type      `json:"type"`
	At            time.Time `json:"at"`
	UserID        int64     `json:"user_id,omitempty"`
	TransactionID int64     `json:"transaction_id,omitempty"`
	AccountID     int64     `json:"account_id,omitempty"`
	ServerID      int64     `json:"server_id,omitempty"`
	Identifier    string    `json:"identifier,omitempty"`
	Reason        string    `json:"reason,omitempty"`
}

func (e *Event) key() []byte {
	switch {
	case e.TransactionID != 0:
		return []byte(strconv.FormatInt(e.TransactionID, 10))
	case e.AccountID != 0:
		return []byte("account-" + strconv.FormatInt(e.AccountID, 10))
	}
	return []byte(e.ID)
}

func (e *Event) stamp() {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// New returns a Kafka publisher, or a log-only publisher when no brokers are configured.
func New(brokers []string, topic string) Publisher {
	if len(brokers) == 0 {
		log.Info().Msg("No Kafka brokers configured, events are logged only")
		return LogPublisher{}
	}
	return NewKafkaPublisher(brokers, topic)
}

// KafkaPublisher writes events to one topic, keyed by transaction id so events
// for the same payment stay ordered.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates an async Kafka writer. Delivery failures are logged.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		Async:        true,
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Error().Err(err).Int("count", len(messages)).Msg("Failed to deliver events")
			}
		},
	}
	return &KafkaPublisher{writer: writer}
}

// Publish enqueues the event for delivery.
func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	e.stamp()
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: e.key(), Value: value}); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	log.Debug().Str("event", string(e.Type)).Str("id", e.ID).Msg("Event published")
	return nil
}

// Close flushes pending messages.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher writes events to the log.
type LogPublisher struct{}

// Publish logs the event.
func (LogPublisher) Publish(_ context.Context, e Event) error {
	e.stamp()
	log.Info().
		Str("event", string(e.Type)).
		Str("id", e.ID).
		Int64("transaction_id", e.TransactionID).
		Int64("account_id", e.AccountID).
		Int64("server_id", e.ServerID).
		Str("identifier", e.Identifier).
		Str("reason", e.Reason).
		Msg("Event")
	return nil
}

// Close is a no-op.
func (LogPublisher) Close() error { return nil }
