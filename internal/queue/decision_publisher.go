package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/acme/call-routing/internal/domain"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DecisionPublisher is a recorder sink that emits decisions to Kafka. Messages
// are keyed by call id so one call's decisions stay on one partition in order.
type DecisionPublisher struct {
	writer messageWriter
}

// NewDecisionPublisher constructs a publisher for the given topic.
func NewDecisionPublisher(k *Kafka, topic string) *DecisionPublisher {
	return &DecisionPublisher{writer: k.NewWriter(topic)}
}

// AppendDecision publishes one decision.
func (p *DecisionPublisher) AppendDecision(ctx context.Context, d domain.RoutingDecision) error {
	value, err := json.Marshal(NewDecisionMessage(d))
	if err != nil {
		return fmt.Errorf("decision publisher: marshal message: %w", err)
	}
	record := kafka.Message{
		Key:   []byte(d.CallID),
		Value: value,
		Time:  time.Now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("decision publisher: write message: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *DecisionPublisher) Close() error {
	return p.writer.Close()
}
