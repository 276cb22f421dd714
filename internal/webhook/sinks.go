package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapegate/internal/crawler"
)

// HTTPSink POSTs each event as JSON to the webhook URL carried on the event.
// Events without a destination are skipped.
type HTTPSink struct {
	client    *http.Client
	userAgent string
}

// NewHTTPSink builds an HTTPSink. A nil client gets a 10s timeout client.
func NewHTTPSink(client *http.Client, userAgent string) *HTTPSink {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSink{client: client, userAgent: userAgent}
}

// Consume delivers the batch in order and returns every failure.
func (s *HTTPSink) Consume(ctx context.Context, batch []crawler.WebhookEvent) error {
	var errs []error
	for _, evt := range batch {
		if evt.Webhook == nil || evt.Webhook.URL == "" {
			continue
		}
		if err := s.post(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *HTTPSink) post(ctx context.Context, evt crawler.WebhookEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", evt.Type, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, evt.Webhook.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	for k, v := range evt.Webhook.Headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s webhook: %w", evt.Type, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("post %s webhook: unexpected status %d", evt.Type, resp.StatusCode)
	}
	return nil
}

// Close implements Sink.
func (*HTTPSink) Close(context.Context) error { return nil }

// PublisherSink forwards every event to a message topic, keeping a durable
// copy of the event stream next to direct delivery.
type PublisherSink struct {
	publisher crawler.Publisher
	topic     string
	closer    func() error
}

// NewPublisherSink wraps publisher. closer, when non-nil, runs on Close.
func NewPublisherSink(publisher crawler.Publisher, topic string, closer func() error) *PublisherSink {
	return &PublisherSink{publisher: publisher, topic: topic, closer: closer}
}

// Consume publishes the batch one message per event.
func (s *PublisherSink) Consume(ctx context.Context, batch []crawler.WebhookEvent) error {
	var errs []error
	for _, evt := range batch {
		if _, err := s.publisher.Publish(ctx, s.topic, evt); err != nil {
			errs = append(errs, fmt.Errorf("publish %s event %s: %w", evt.Type, evt.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Close releases the underlying publisher.
func (s *PublisherSink) Close(context.Context) error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the Sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs the batch.
func (s *LogSink) Consume(_ context.Context, batch []crawler.WebhookEvent) error {
	for _, evt := range batch {
		s.logger.Info("webhook event",
			zap.String("type", evt.Type),
			zap.String("crawl_id", evt.ID),
			zap.String("team_id", evt.TeamID),
			zap.Bool("success", evt.Success),
			zap.String("error", evt.Error),
		)
	}
	return nil
}

// Close implements Sink.
func (*LogSink) Close(context.Context) error { return nil }
