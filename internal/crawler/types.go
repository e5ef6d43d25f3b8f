package crawler

import (
	"net/http"
	"time"
)

// Link describes a URL to materialize. It is never persisted directly.
type Link struct {
	URL     string `json:"url"`
	Referer string `json:"referer,omitempty"`
	Depth   int    `json:"depth"`
}

// URLRecord is a persisted, normalized URL.
type URLRecord struct {
	ID      int64
	URL     string
	Referer string
	Depth   int
}

// Link returns the transient descriptor for the record.
func (u URLRecord) Link() Link {
	return Link{URL: u.URL, Referer: u.Referer, Depth: u.Depth}
}

// Resource pairs a URL with its eventually fetched page. PageID is zero until
// the download phase stores content.
type Resource struct {
	ID     int64
	URLID  int64
	PageID int64
}

// Page holds compressed page content.
type Page struct {
	ID        int64
	Content   []byte
	UpdatedAt time.Time
}

// Task is a named processing step with a durable identity.
type Task struct {
	ID    int64
	Name  string
	Level int
}

// QueueKind selects one of the two work queues.
type QueueKind int

const (
	// DownloadQueue holds "fetch this resource" items.
	DownloadQueue QueueKind = iota
	// ScheduleQueue holds "run the task callback on this resource" items.
	ScheduleQueue
)

// Table returns the persisted table name backing the queue.
func (k QueueKind) Table() string {
	if k == ScheduleQueue {
		return "schedules"
	}
	return "downloads"
}

func (k QueueKind) String() string {
	if k == ScheduleQueue {
		return "schedule"
	}
	return "download"
}

// Item is a download or schedule work item.
// StartedAt nil means claimable; FinishedAt set means done.
type Item struct {
	ID         int64
	ResourceID int64
	TaskID     int64
	Priority   int
	State      int
	Attempts   int
	NotBefore  *time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	Error      string
}

// StaleRelease selects claimed items whose worker is presumed dead: started
// before Before and never finished. Items that already used MaxAttempts
// attempts are finished at Now instead of released; zero disables the cap.
type StaleRelease struct {
	Before      time.Time
	Now         time.Time
	MaxAttempts int
}

// Exhausted reports whether an item with the given attempt count is out of
// attempts once its current claim is counted.
func (r StaleRelease) Exhausted(attempts int) bool {
	return r.MaxAttempts > 0 && attempts+1 >= r.MaxAttempts
}

// Session is the transient context assembled for one claimed item.
type Session struct {
	ItemID     int64
	Kind       QueueKind
	ResourceID int64
	TaskID     int64
	Priority   int
	State      int
	Attempts   int
	TaskName   string
	TaskLevel  int
	Link       Link
	Content    []byte
}

// FetchRequest describes one HTTP fetch.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse captures the outcome of a fetch.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// QueueStats summarizes one work queue.
type QueueStats struct {
	Pending  int64 `json:"pending"`
	InFlight int64 `json:"in_flight"`
	Finished int64 `json:"finished"`
	Failed   int64 `json:"failed"`
}

// Stats summarizes the management and content stores.
type Stats struct {
	URLs      int64      `json:"urls"`
	Resources int64      `json:"resources"`
	Tasks     int64      `json:"tasks"`
	Pages     int64      `json:"pages"`
	Downloads QueueStats `json:"downloads"`
	Schedules QueueStats `json:"schedules"`
}

// Idle reports whether no queue has claimable or in-flight work.
func (s Stats) Idle() bool {
	return s.Downloads.Pending == 0 && s.Downloads.InFlight == 0 &&
		s.Schedules.Pending == 0 && s.Schedules.InFlight == 0
}

// PageEvent is published after a page has been stored.
type PageEvent struct {
	RunID      string    `json:"run_id"`
	ResourceID int64     `json:"resource_id"`
	PageID     int64     `json:"page_id"`
	URL        string    `json:"url"`
	Task       string    `json:"task"`
	StatusCode int       `json:"status_code"`
	Bytes      int       `json:"bytes"`
	Digest     string    `json:"digest"`
	BlobURI    string    `json:"blob_uri,omitempty"`
	FetchedAt  time.Time `json:"fetched_at"`
}
