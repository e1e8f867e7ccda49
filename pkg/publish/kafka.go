// Package publish emits committed ledger receipts to Kafka for downstream
// consumers (alerting, long-term archival). Publishing is best-effort and
// happens strictly after the ledger append has succeeded.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"apexsentinel/pkg/ledger"
)

// DefaultTopic is where anomaly receipts land unless configured otherwise.
const DefaultTopic = "sentinel.anomalies"

// Publisher writes ledger receipts to a Kafka topic, keyed by entry id.
type Publisher struct {
	writer *kafka.Writer
}

// NewPublisher builds a writer against the given brokers.
func NewPublisher(brokers []string, topic string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			WriteTimeout: 10 * time.Second,
		},
	}, nil
}

type receipt struct {
	EntryID       string            `json:"entry_id"`
	Timestamp     string            `json:"timestamp"`
	EventType     string            `json:"event_type"`
	Severity      string            `json:"severity"`
	IntegrityHash string            `json:"integrity_hash"`
	PreviousHash  string            `json:"previous_hash"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// PublishReceipt emits the chain receipt for one committed entry. The full
// payload stays in the ledger; consumers that need it fetch by entry id.
func (p *Publisher) PublishReceipt(ctx context.Context, e ledger.Entry) error {
	value, err := json.Marshal(receipt{
		EntryID:       e.ID,
		Timestamp:     e.Timestamp,
		EventType:     string(e.Event.Type),
		Severity:      string(e.Event.Severity),
		IntegrityHash: e.IntegrityHash,
		PreviousHash:  e.PreviousHash,
		Metadata:      e.Metadata,
	})
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(e.ID), Value: value}); err != nil {
		return fmt.Errorf("publish receipt %s: %w", e.ID, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error { return p.writer.Close() }
