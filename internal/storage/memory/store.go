package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/recoverable-crawler/internal/crawler"
)

// Store keeps the frontier in process memory. Every operation holds one mutex,
// which makes claims trivially exclusive. Nothing survives a restart.
type Store struct {
	mu        sync.Mutex
	urls      []crawler.URLRecord
	urlIndex  map[string]int64
	resources []crawler.Resource
	byURLID   map[int64]int64
	tasks     []crawler.Task
	taskIndex map[string]int64
	queues    map[crawler.QueueKind][]crawler.Item
}

var _ crawler.Store = (*Store)(nil)

// NewStore creates an empty Store.
func NewStore() *Store {
	s := &Store{}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.urls = nil
	s.urlIndex = make(map[string]int64)
	s.resources = nil
	s.byURLID = make(map[int64]int64)
	s.tasks = nil
	s.taskIndex = make(map[string]int64)
	s.queues = map[crawler.QueueKind][]crawler.Item{
		crawler.DownloadQueue: nil,
		crawler.ScheduleQueue: nil,
	}
}

// Materialize looks up or inserts the URL and its resource.
func (s *Store) Materialize(_ context.Context, link crawler.Link) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, created := s.materialize(link)
	return id, created, nil
}

// MaterializeAndEnqueue materializes the link and queues a download for
// item.TaskID unless the resource already has one.
func (s *Store) MaterializeAndEnqueue(_ context.Context, link crawler.Link, item crawler.Item) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, _ := s.materialize(link)
	for _, it := range s.queues[crawler.DownloadQueue] {
		if it.ResourceID == id && it.TaskID == item.TaskID {
			return id, false, nil
		}
	}
	item.ResourceID = id
	s.enqueue(crawler.DownloadQueue, item)
	return id, true, nil
}

func (s *Store) materialize(link crawler.Link) (int64, bool) {
	urlID, ok := s.urlIndex[link.URL]
	if !ok {
		urlID = int64(len(s.urls) + 1)
		s.urls = append(s.urls, crawler.URLRecord{ID: urlID, URL: link.URL, Referer: link.Referer, Depth: link.Depth})
		s.urlIndex[link.URL] = urlID
	}
	if id, ok := s.byURLID[urlID]; ok {
		return id, false
	}
	id := int64(len(s.resources) + 1)
	s.resources = append(s.resources, crawler.Resource{ID: id, URLID: urlID})
	s.byURLID[urlID] = id
	return id, true
}

// HasURL reports whether the URL is recorded.
func (s *Store) HasURL(_ context.Context, url string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.urlIndex[url]
	return ok, nil
}

// RegisterTask inserts the task if it is new and returns its id.
func (s *Store) RegisterTask(_ context.Context, name string, level int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.taskIndex[name]; ok {
		return id, nil
	}
	id := int64(len(s.tasks) + 1)
	s.tasks = append(s.tasks, crawler.Task{ID: id, Name: name, Level: level})
	s.taskIndex[name] = id
	return id, nil
}

// LookupTask loads a task by id.
func (s *Store) LookupTask(_ context.Context, id int64) (crawler.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 1 || id > int64(len(s.tasks)) {
		return crawler.Task{}, crawler.MissingReference("tasks", id)
	}
	return s.tasks[id-1], nil
}

// LookupResource loads a resource by id.
func (s *Store) LookupResource(_ context.Context, id int64) (crawler.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 1 || id > int64(len(s.resources)) {
		return crawler.Resource{}, crawler.MissingReference("resources", id)
	}
	return s.resources[id-1], nil
}

// LookupURL loads a URL record by id.
func (s *Store) LookupURL(_ context.Context, id int64) (crawler.URLRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 1 || id > int64(len(s.urls)) {
		return crawler.URLRecord{}, crawler.MissingReference("urls", id)
	}
	return s.urls[id-1], nil
}

// SetResourcePage records pageID unless the resource already has a page.
func (s *Store) SetResourcePage(_ context.Context, resourceID, pageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setResourcePage(resourceID, pageID)
}

func (s *Store) setResourcePage(resourceID, pageID int64) error {
	if resourceID < 1 || resourceID > int64(len(s.resources)) {
		return crawler.MissingReference("resources", resourceID)
	}
	if s.resources[resourceID-1].PageID == 0 {
		s.resources[resourceID-1].PageID = pageID
	}
	return nil
}

// Enqueue appends an item to the queue.
func (s *Store) Enqueue(_ context.Context, kind crawler.QueueKind, item crawler.Item) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueue(kind, item), nil
}

func (s *Store) enqueue(kind crawler.QueueKind, item crawler.Item) int64 {
	q := s.queues[kind]
	item.ID = int64(len(q) + 1)
	item.Attempts = 0
	item.StartedAt = nil
	item.FinishedAt = nil
	item.Error = ""
	s.queues[kind] = append(q, item)
	return item.ID
}

// Claim marks the highest-priority eligible item started.
func (s *Store) Claim(_ context.Context, kind crawler.QueueKind, now time.Time) (crawler.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[kind]
	best := -1
	for i := range q {
		it := q[i]
		if it.StartedAt != nil || (it.NotBefore != nil && it.NotBefore.After(now)) {
			continue
		}
		if best < 0 || it.Priority > q[best].Priority {
			best = i
		}
	}
	if best < 0 {
		return crawler.Item{}, crawler.ErrNoItem
	}
	started := now
	q[best].StartedAt = &started
	return q[best], nil
}

// Finish marks an item completed.
func (s *Store) Finish(_ context.Context, kind crawler.QueueKind, id int64, now time.Time, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, err := s.item(kind, id)
	if err != nil {
		return err
	}
	finished := now
	it.FinishedAt = &finished
	it.Error = errText
	return nil
}

// CompleteDownload records the page, finishes the download and queues the
// schedule item under one lock. Nothing changes when any step fails.
func (s *Store) CompleteDownload(_ context.Context, id, pageID int64, now time.Time, next crawler.Item) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, err := s.item(crawler.DownloadQueue, id)
	if err != nil {
		return 0, err
	}
	if pageID > 0 {
		if err := s.setResourcePage(next.ResourceID, pageID); err != nil {
			return 0, err
		}
	}
	finished := now
	it.FinishedAt = &finished
	it.Error = ""
	return s.enqueue(crawler.ScheduleQueue, next), nil
}

// Retry unclaims an unfinished item and counts the failed attempt.
func (s *Store) Retry(_ context.Context, kind crawler.QueueKind, id int64, notBefore time.Time, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, err := s.item(kind, id)
	if err != nil {
		return err
	}
	if it.FinishedAt != nil {
		return crawler.MissingReference(kind.Table(), id)
	}
	nb := notBefore
	it.StartedAt = nil
	it.NotBefore = &nb
	it.Attempts++
	it.Error = errText
	return nil
}

// ReleaseStale unclaims items started before r.Before that never finished,
// finishing the ones out of attempts instead.
func (s *Store) ReleaseStale(_ context.Context, kind crawler.QueueKind, r crawler.StaleRelease) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var released, abandoned int64
	q := s.queues[kind]
	for i := range q {
		it := &q[i]
		if it.StartedAt == nil || it.FinishedAt != nil || !it.StartedAt.Before(r.Before) {
			continue
		}
		if r.Exhausted(it.Attempts) {
			finished := r.Now
			it.FinishedAt = &finished
			it.Error = crawler.ErrAttemptsExhausted.Error()
			abandoned++
		} else {
			it.StartedAt = nil
			released++
		}
		it.Attempts++
	}
	return released, abandoned, nil
}

// Stats counts stored records.
func (s *Store) Stats(_ context.Context) (crawler.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return crawler.Stats{
		URLs:      int64(len(s.urls)),
		Resources: int64(len(s.resources)),
		Tasks:     int64(len(s.tasks)),
		Downloads: queueStats(s.queues[crawler.DownloadQueue]),
		Schedules: queueStats(s.queues[crawler.ScheduleQueue]),
	}, nil
}

// Items returns a copy of a queue ordered by id.
func (s *Store) Items(kind crawler.QueueKind) []crawler.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]crawler.Item(nil), s.queues[kind]...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reset empties the store.
func (s *Store) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

func (s *Store) item(kind crawler.QueueKind, id int64) (*crawler.Item, error) {
	q := s.queues[kind]
	if id < 1 || id > int64(len(q)) {
		return nil, crawler.MissingReference(kind.Table(), id)
	}
	return &q[id-1], nil
}

func queueStats(items []crawler.Item) crawler.QueueStats {
	var qs crawler.QueueStats
	for _, it := range items {
		switch {
		case it.StartedAt == nil:
			qs.Pending++
		case it.FinishedAt == nil:
			qs.InFlight++
		default:
			qs.Finished++
			if it.Error != "" {
				qs.Failed++
			}
		}
	}
	return qs
}
