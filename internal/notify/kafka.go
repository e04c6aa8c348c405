package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes events as JSON, keyed by user id so one user's
// events stay ordered within a partition.
type KafkaPublisher struct {
	w MessageWriter
}

// NewKafkaWriter builds the writer used in production.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
}

// NewKafkaPublisher wraps w.
func NewKafkaPublisher(w MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{w: w}
}

func (p *KafkaPublisher) TradeUpdate(ctx context.Context, userID string, ev Event) error {
	return p.publish(ctx, userID, ev)
}

// Email publishes an email request for the mail service.
func (p *KafkaPublisher) Email(ctx context.Context, userID, subject, body string) error {
	return p.publish(ctx, userID, Event{
		Type:   EventEmailRequested,
		UserID: userID,
		Data:   map[string]string{"subject": subject, "body": body},
		At:     time.Now().UTC(),
	})
}

func (p *KafkaPublisher) publish(ctx context.Context, userID string, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: marshal %s event: %w", ev.Type, err)
	}
	msg := kafka.Message{
		Key:   []byte(userID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
		},
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("notify: publish %s event: %w", ev.Type, err)
	}
	return nil
}

// Close closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}
