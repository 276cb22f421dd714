package crawler

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrJobExists is returned by a Submitter when the job id is already known
// to the execution layer.
var ErrJobExists = errors.New("job already exists")

// ErrSubmitterFull is returned by a Submitter that has no room right now.
// The job was not accepted and may be retried later.
var ErrSubmitterFull = errors.New("execution layer full")

// ErrCrawlNotFound signals that a crawl record is missing or expired.
var ErrCrawlNotFound = errors.New("crawl not found")

// CrawlStore persists crawl records and the ongoing-crawls index.
type CrawlStore interface {
	GetCrawl(ctx context.Context, id string) (StoredCrawl, error)
	SaveCrawl(ctx context.Context, crawl StoredCrawl) error
	MarkCrawlActive(ctx context.Context, crawl StoredCrawl) error
	IsCrawlCancelled(ctx context.Context, id string) (bool, error)
	OngoingCrawls(ctx context.Context, teamID string) ([]string, error)
	// MarkCrawlFinished returns true only for the first caller.
	MarkCrawlFinished(ctx context.Context, crawl StoredCrawl) (bool, error)
}

// GroupTracker tracks which children of a job-group are still outstanding.
type GroupTracker interface {
	AddJobs(ctx context.Context, groupID string, jobIDs ...string) error
	MarkJobDone(ctx context.Context, groupID, jobID string, status JobStatus) error
	GroupHasAnyRemainingJob(ctx context.Context, groupID, teamID string) (bool, error)
	GroupCounts(ctx context.Context, groupID string) (GroupCounts, error)
}

// Submitter hands a leased job to the execution layer.
type Submitter interface {
	PromoteOrSubmit(ctx context.Context, job Job) error
}

// WebhookSender delivers crawl events. Send waits for delivery; Emit does not.
type WebhookSender interface {
	Send(ctx context.Context, evt WebhookEvent) error
	Emit(evt WebhookEvent)
}

// JobLogger appends crawl outcome records.
type JobLogger interface {
	LogJob(ctx context.Context, rec JobLogRecord) error
}

// Publisher pushes serialized events to a topic (Pub/Sub, Kafka or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
