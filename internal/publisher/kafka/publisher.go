// Package kafka publishes webhook events to a Kafka topic with kafka-go.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/JakeFAU/scrapegate/internal/crawler"
)

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes one message per payload. Webhook events are keyed by
// crawl id so a crawl's events stay ordered within a partition.
type Publisher struct {
	writer MessageWriter
	now    func() time.Time
}

// NewWriter builds a writer for topic on brokers.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: false,
		RequiredAcks:           kafka.RequireOne,
	}
}

// New wraps writer.
func New(writer MessageWriter) *Publisher {
	return &Publisher{writer: writer, now: time.Now}
}

// Publish marshals payload to JSON and writes it synchronously. Kafka has no
// message ids, so the returned id is the key.
func (p *Publisher) Publish(ctx context.Context, _ string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := kafka.Message{Value: data, Time: p.now()}
	if evt, ok := payload.(crawler.WebhookEvent); ok {
		msg.Key = []byte(evt.ID)
		msg.Headers = []kafka.Header{{Key: "event_type", Value: []byte(evt.Type)}}
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("write kafka message: %w", err)
	}
	return string(msg.Key), nil
}

// Close closes the writer.
func (p *Publisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}
