package tracker

import (
	"context"
	"io"
	"time"
)

// RecordStore is the append-only record store. Snapshots and failures are
// never updated in place; only Delete removes rows.
type RecordStore interface {
	AppendSnapshot(ctx context.Context, snapshot Snapshot) error
	AppendFailure(ctx context.Context, failure FailureRecord) error
	// Latest returns the newest snapshot for target, matched by key or by
	// name and category. It returns ErrNotFound when none exists.
	Latest(ctx context.Context, target Target) (Snapshot, error)
	ListCurrent(ctx context.Context) ([]Snapshot, error)
	Search(ctx context.Context, filter RecordFilter) (RecordPage, error)
	History(ctx context.Context, key string) ([]HistoryEntry, error)
	// TrackedTargets lists every key with a snapshot or a failure, using the
	// newest known name and category for each.
	TrackedTargets(ctx context.Context) ([]Target, error)
	Delete(ctx context.Context, keys []string) (DeleteResult, error)
	Ping(ctx context.Context) error
}

// Scraper talks to the upstream registry site.
type Scraper interface {
	// FetchStatus loads the status page for target. The result holds either
	// the page or a CAPTCHA challenge guarding it.
	FetchStatus(ctx context.Context, target Target) (FetchResult, error)
	// SubmitCaptcha answers challenge. A wrong answer yields a result with
	// Rejected set and, when the site served one, the next challenge.
	SubmitCaptcha(ctx context.Context, challenge Challenge, answer string) (FetchResult, error)
}

// CaptchaSolver reads the text out of a CAPTCHA image.
type CaptchaSolver interface {
	Solve(ctx context.Context, image []byte) (string, error)
}

// Parser extracts a normalized snapshot from a raw status page.
type Parser interface {
	Parse(page Page) (Snapshot, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, body io.Reader) (string, error)
}

// Publisher pushes record notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for jobs awaiting a worker.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Hasher computes digests used to name diagnostic artifacts.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID     string
	Submitted int64
}

// Page is a raw status page returned by the upstream site.
type Page struct {
	Target      Target
	URL         string
	ContentType string
	Body        []byte
}

// Challenge is one CAPTCHA image served by the upstream site. ID changes
// every time the site issues a new image.
type Challenge struct {
	ID          string
	Target      Target
	Image       []byte
	ContentType string
}

// FetchResult is what the site answered: a page, a challenge, or both
// absent with Rejected set when a CAPTCHA answer was refused.
type FetchResult struct {
	Page      *Page
	Challenge *Challenge
	Rejected  bool
	Reason    string
}
