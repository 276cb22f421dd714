package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/scrapegate/internal/crawler"
)

// ErrInvalidEvent is returned for events missing a type or id.
var ErrInvalidEvent = errors.New("invalid webhook event")

// Sink consumes batches of events. Implementations must honour ctx deadlines
// and be safe for repeated calls.
type Sink interface {
	Consume(ctx context.Context, batch []crawler.WebhookEvent) error
	Close(ctx context.Context) error
}

// Validate checks the fields every sink relies on.
func Validate(evt crawler.WebhookEvent) error {
	if evt.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidEvent)
	}
	if evt.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidEvent)
	}
	return nil
}
