package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/propagation"

	"github.com/JakeFAU/scrapegate/internal/crawler"
)

func TestPublishTagsWebhookEvents(t *testing.T) {
	t.Parallel()

	var got *pubsub.Message
	p := &Publisher{
		propagator: propagation.Baggage{},
		send: func(_ context.Context, msg *pubsub.Message) (string, error) {
			got = msg
			return "srv-1", nil
		},
	}

	member, err := baggage.NewMember("tenant", "team-a")
	require.NoError(t, err)
	bag, err := baggage.New(member)
	require.NoError(t, err)
	ctx := baggage.ContextWithBaggage(context.Background(), bag)

	id, err := p.Publish(ctx, "ignored", crawler.WebhookEvent{Type: "crawl.completed", ID: "c1", TeamID: "team-a"})
	require.NoError(t, err)
	require.Equal(t, "srv-1", id)
	require.Equal(t, "crawl.completed", got.Attributes["event_type"])
	require.Equal(t, "c1", got.Attributes["crawl_id"])
	require.Equal(t, "tenant=team-a", got.Attributes["baggage"])

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(got.Data, &decoded))
	require.Equal(t, "crawl.completed", decoded["type"])
}

func TestPublishErrors(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "t", "x")
	require.Error(t, err)

	boom := errors.New("deadline")
	p := &Publisher{
		propagator: propagation.TraceContext{},
		send:       func(context.Context, *pubsub.Message) (string, error) { return "", boom },
	}
	_, err = p.Publish(context.Background(), "t", map[string]string{"k": "v"})
	require.ErrorIs(t, err, boom)

	_, err = p.Publish(context.Background(), "t", func() {})
	require.Error(t, err)
}
