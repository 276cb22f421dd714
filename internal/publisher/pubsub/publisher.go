// Package pubsub publishes webhook events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/JakeFAU/scrapegate/internal/crawler"
)

type sendFunc func(ctx context.Context, msg *pubsub.Message) (string, error)

// Publisher wraps a Pub/Sub topic publisher.
type Publisher struct {
	send       sendFunc
	propagator propagation.TextMapPropagator
	stop       func()
}

// New creates a Publisher for the provided topic publisher.
func New(publisher *pubsub.Publisher) *Publisher {
	p := &Publisher{propagator: otel.GetTextMapPropagator()}
	if publisher != nil {
		p.send = func(ctx context.Context, msg *pubsub.Message) (string, error) {
			return publisher.Publish(ctx, msg).Get(ctx)
		}
		p.stop = publisher.Stop
	}
	return p
}

// Dial connects to project and returns a Publisher for topicID together with
// a close function that flushes pending messages.
func Dial(ctx context.Context, project, topicID string) (*Publisher, func() error, error) {
	client, err := pubsub.NewClient(ctx, project)
	if err != nil {
		return nil, nil, fmt.Errorf("create pubsub client: %w", err)
	}
	p := New(client.Publisher(topicID))
	closer := func() error {
		p.Stop()
		if err := client.Close(); err != nil {
			return fmt.Errorf("close pubsub client: %w", err)
		}
		return nil
	}
	return p, closer, nil
}

// Publish marshals payload to JSON and waits for the server id. Webhook
// events are tagged with their type and crawl id, and every message carries
// the caller's trace context.
func (p *Publisher) Publish(ctx context.Context, _ string, payload any) (string, error) {
	if p.send == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: make(map[string]string)}
	if evt, ok := payload.(crawler.WebhookEvent); ok {
		msg.Attributes["event_type"] = evt.Type
		msg.Attributes["crawl_id"] = evt.ID
		msg.Attributes["team_id"] = evt.TeamID
	}
	p.propagator.Inject(ctx, propagation.MapCarrier(msg.Attributes))

	id, err := p.send(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Stop flushes and stops the underlying topic publisher.
func (p *Publisher) Stop() {
	if p.stop != nil {
		p.stop()
	}
}
