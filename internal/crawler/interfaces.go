package crawler

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"
)

// TaskStore persists task identities.
type TaskStore interface {
	// RegisterTask inserts the task if it is new and returns its id either way.
	RegisterTask(ctx context.Context, name string, level int) (int64, error)
}

// Store is the management store: URLs, resources, tasks and both work queues.
type Store interface {
	TaskStore

	// Materialize looks up or inserts the URL and its resource in one
	// transaction. On failure it returns a zero id. created reports whether
	// the resource row is new.
	Materialize(ctx context.Context, link Link) (id int64, created bool, err error)
	// MaterializeAndEnqueue materializes the link and, in the same
	// transaction, queues item as a download unless the resource already has
	// a download item for item.TaskID. queued reports whether one was added.
	MaterializeAndEnqueue(ctx context.Context, link Link, item Item) (resourceID int64, queued bool, err error)
	HasURL(ctx context.Context, url string) (bool, error)
	LookupTask(ctx context.Context, id int64) (Task, error)
	LookupResource(ctx context.Context, id int64) (Resource, error)
	LookupURL(ctx context.Context, id int64) (URLRecord, error)
	// SetResourcePage records the page for a resource that has none yet.
	SetResourcePage(ctx context.Context, resourceID, pageID int64) error

	Enqueue(ctx context.Context, kind QueueKind, item Item) (int64, error)
	// Claim atomically marks the best eligible item started and returns it,
	// or ErrNoItem.
	Claim(ctx context.Context, kind QueueKind, now time.Time) (Item, error)
	Finish(ctx context.Context, kind QueueKind, id int64, now time.Time, errText string) error
	// Retry returns a claimed item to the queue with one more attempt.
	Retry(ctx context.Context, kind QueueKind, id int64, notBefore time.Time, errText string) error
	// CompleteDownload finishes a download item and queues next on the
	// schedule queue in one transaction. A positive pageID is recorded on
	// the resource first unless it already has a page.
	CompleteDownload(ctx context.Context, id, pageID int64, now time.Time, next Item) (int64, error)
	// ReleaseStale unclaims items selected by r and finishes the exhausted
	// ones with ErrAttemptsExhausted.
	ReleaseStale(ctx context.Context, kind QueueKind, r StaleRelease) (released, abandoned int64, err error)

	Stats(ctx context.Context) (Stats, error)
	// Reset drops and recreates every table.
	Reset(ctx context.Context) error
	Close() error
}

// PageStore is the content store for compressed pages.
type PageStore interface {
	PutPage(ctx context.Context, content []byte, updated time.Time) (int64, error)
	GetPage(ctx context.Context, id int64) (Page, error)
	CountPages(ctx context.Context) (int64, error)
	Reset(ctx context.Context) error
	Close() error
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Parser extracts raw hyperlinks from page bytes.
type Parser interface {
	Links(body []byte, base string) ([]string, error)
}

// Deduper decides whether a discovered child URL joins the frontier. Seen is
// asked before the URL is queued; Record runs only once the queue write
// succeeded, so a failed enqueue never marks a URL as known.
type Deduper interface {
	Seen(ctx context.Context, url string) (bool, error)
	Record(ctx context.Context, parent, child string) error
}

// Hooks run when every worker is idle at once.
type Hooks interface {
	Finalize(ctx context.Context) error
	Initialize(ctx context.Context) error
}

// BlobStore writes checkpoint artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes page events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// RetryPolicy decides whether a failed fetch is retried and when.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Engine is the surface handed to task callbacks.
type Engine interface {
	// Download materializes the link and queues it for the named task.
	Download(ctx context.Context, link Link, task string, priority, state int) (int64, error)
	// Follow applies normalization, origin, depth and dedup policy to a raw
	// link found on the session's page and queues it under the session's task.
	Follow(ctx context.Context, s *Session, raw string) (FollowOutcome, error)
	Logger() *zap.Logger
}

// Callback is site-specific processing for a task.
type Callback func(ctx context.Context, s *Session, e Engine) error

// FollowOutcome reports what Follow did with a link.
type FollowOutcome string

const (
	// FollowQueued means a new resource was created and a download queued.
	FollowQueued FollowOutcome = "queued"
	// FollowDuplicate means the URL was already known.
	FollowDuplicate FollowOutcome = "duplicate"
	// FollowForeign means the URL failed the same-origin test.
	FollowForeign FollowOutcome = "foreign"
	// FollowLeaf means the parent page is at the depth limit.
	FollowLeaf FollowOutcome = "leaf"
	// FollowMalformed means the link could not be normalized.
	FollowMalformed FollowOutcome = "malformed"
)
