// Package linkcrawler is the built-in task: it follows every same-origin link
// on a page until the depth or page limit is reached.
package linkcrawler

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/recoverable-crawler/internal/crawler"
)

// Name is the registered task name.
const Name = "linkcrawler_page"

// Task holds the parser and the page budget shared by every invocation. The
// budget counts resources in the store, so a restarted crawl that calls
// Resume continues where the previous run stopped instead of starting a
// fresh allowance.
type Task struct {
	parser   crawler.Parser
	maxPages int64
	queued   atomic.Int64
	known    atomic.Int64
}

// New builds the task. maxPages <= 0 means no limit.
func New(parser crawler.Parser, maxPages int) *Task {
	return &Task{parser: parser, maxPages: int64(maxPages)}
}

// Register binds the task's callback in the registry.
func (t *Task) Register(ctx context.Context, reg *crawler.Registry) (int64, error) {
	return reg.Register(ctx, Name, 0, t.Handle)
}

// Handle extracts links from the session's page and follows them.
func (t *Task) Handle(ctx context.Context, s *crawler.Session, e crawler.Engine) error {
	links, err := t.parser.Links(s.Content, s.Link.URL)
	if err != nil {
		return fmt.Errorf("extract links from %s: %w", s.Link.URL, err)
	}
	counts := make(map[crawler.FollowOutcome]int)
	var firstErr error
	for _, raw := range links {
		if t.exhausted() {
			counts["limited"]++
			continue
		}
		outcome, err := e.Follow(ctx, s, raw)
		if err != nil {
			e.Logger().Warn("follow failed",
				zap.String("url", s.Link.URL), zap.String("link", raw), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			counts["failed"]++
			continue
		}
		if outcome == crawler.FollowQueued {
			t.queued.Add(1)
			t.known.Add(1)
		}
		counts[outcome]++
	}
	e.Logger().Debug("links followed",
		zap.String("url", s.Link.URL),
		zap.Int("found", len(links)),
		zap.Int("queued", counts[crawler.FollowQueued]),
		zap.Int("duplicate", counts[crawler.FollowDuplicate]),
		zap.Int("foreign", counts[crawler.FollowForeign]),
		zap.Int("limited", counts["limited"]),
		zap.Int("failed", counts["failed"]),
	)
	if firstErr != nil {
		return fmt.Errorf("%d of %d links failed, first: %w", counts["failed"], len(links), firstErr)
	}
	return nil
}

// Queued reports how many new pages this task has queued.
func (t *Task) Queued() int64 {
	return t.queued.Load()
}

// Resume counts n existing resources against the page budget.
func (t *Task) Resume(n int64) {
	t.known.Store(n)
}

func (t *Task) exhausted() bool {
	return t.maxPages > 0 && t.known.Load() >= t.maxPages
}
