// Package webhook delivers crawl lifecycle events. A Hub batches
// fire-and-forget events in the background and fans every batch out to its
// sinks; Send bypasses the batch and waits for delivery.
package webhook
