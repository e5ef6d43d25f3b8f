// Package frontier grows the crawl: it materializes links into resources and
// queues their downloads, applying origin, depth and dedup policy to links
// discovered by task callbacks.
package frontier

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/recoverable-crawler/internal/crawler"
	"github.com/JakeFAU/recoverable-crawler/internal/metrics"
)

// ErrNotAbsolute is returned for seeds that are not absolute http(s) URLs.
var ErrNotAbsolute = errors.New("seed must be an absolute http or https url")

// Frontier implements crawler.Engine.
type Frontier struct {
	store    crawler.Store
	registry *crawler.Registry
	dedup    crawler.Deduper
	logger   *zap.Logger
}

var _ crawler.Engine = (*Frontier)(nil)

// New builds a Frontier.
func New(store crawler.Store, registry *crawler.Registry, dedup crawler.Deduper, logger *zap.Logger) *Frontier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Frontier{
		store:    store,
		registry: registry,
		dedup:    dedup,
		logger:   logger,
	}
}

// Logger returns the frontier's logger for use by callbacks.
func (f *Frontier) Logger() *zap.Logger {
	return f.logger
}

// Seed normalizes rawURL and queues it for task. Seeding a URL that already
// has a download for task is a no-op, so restarting a crawl with the same
// seed resumes instead of starting over.
func (f *Frontier) Seed(ctx context.Context, rawURL, task string, depth, priority int) (int64, error) {
	u, err := crawler.Normalize(rawURL, "")
	if err != nil {
		return 0, fmt.Errorf("normalize seed %q: %w", rawURL, err)
	}
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return 0, fmt.Errorf("seed %q: %w", rawURL, ErrNotAbsolute)
	}
	id, queued, err := f.download(ctx, crawler.Link{URL: u, Depth: depth}, task, priority, 0)
	if err != nil {
		return 0, err
	}
	if err := f.dedup.Record(ctx, "", u); err != nil {
		return 0, fmt.Errorf("record seed: %w", err)
	}
	f.logger.Info("seeded", zap.String("url", u), zap.String("task", task),
		zap.Int64("resource_id", id), zap.Bool("queued", queued))
	return id, nil
}

// Download materializes link and queues a download for task unless the
// resource already has one for that task.
func (f *Frontier) Download(ctx context.Context, link crawler.Link, task string, priority, state int) (int64, error) {
	id, _, err := f.download(ctx, link, task, priority, state)
	return id, err
}

func (f *Frontier) download(ctx context.Context, link crawler.Link, task string, priority, state int) (int64, bool, error) {
	taskID, err := f.registry.Resolve(task)
	if err != nil {
		return 0, false, err
	}
	id, queued, err := f.store.MaterializeAndEnqueue(ctx, link, crawler.Item{
		TaskID:   taskID,
		Priority: priority,
		State:    state,
	})
	if err != nil {
		return 0, false, fmt.Errorf("queue download for %s: %w", link.URL, err)
	}
	return id, queued, nil
}

// Follow queues a link found on the session's page under the session's task,
// priority and state. Depth <= 0 is unbounded; a page at depth 1 is a leaf.
func (f *Frontier) Follow(ctx context.Context, s *crawler.Session, raw string) (crawler.FollowOutcome, error) {
	outcome, err := f.follow(ctx, s, raw)
	if err == nil {
		metrics.ObserveFollow(string(outcome))
	}
	return outcome, err
}

func (f *Frontier) follow(ctx context.Context, s *crawler.Session, raw string) (crawler.FollowOutcome, error) {
	if s.Link.Depth == 1 {
		return crawler.FollowLeaf, nil
	}
	u, err := crawler.Normalize(raw, s.Link.URL)
	if err != nil {
		f.logger.Warn("dropping malformed link",
			zap.String("link", raw), zap.String("page", s.Link.URL), zap.Error(err))
		return crawler.FollowMalformed, nil
	}
	if !crawler.SameOrigin(u, s.Link.URL) {
		return crawler.FollowForeign, nil
	}
	seen, err := f.dedup.Seen(ctx, u)
	if err != nil {
		return "", fmt.Errorf("dedup %s: %w", u, err)
	}
	if seen {
		if err := f.dedup.Record(ctx, s.Link.URL, u); err != nil {
			return "", fmt.Errorf("record %s: %w", u, err)
		}
		return crawler.FollowDuplicate, nil
	}

	depth := 0
	if s.Link.Depth > 0 {
		depth = s.Link.Depth - 1
	}
	_, queued, err := f.download(ctx, crawler.Link{URL: u, Referer: s.Link.URL, Depth: depth}, s.TaskName, s.Priority, s.State)
	if err != nil {
		return "", err
	}
	if err := f.dedup.Record(ctx, s.Link.URL, u); err != nil {
		return "", fmt.Errorf("record %s: %w", u, err)
	}
	if !queued {
		return crawler.FollowDuplicate, nil
	}
	f.logger.Debug("queued link", zap.String("url", u), zap.Int("depth", depth))
	return crawler.FollowQueued, nil
}
