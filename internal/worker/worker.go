// Package worker implements one iteration of the crawl engine: claim an item,
// assemble its session, and run the download or schedule path.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/recoverable-crawler/internal/crawler"
	"github.com/JakeFAU/recoverable-crawler/internal/metrics"
)

// DefaultUserAgent mimics a desktop browser.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// Config controls Worker behavior.
type Config struct {
	UserAgent string
	RunID     string
	Topic     string
	// ArchivePrefix, when set, stores each raw page in the blob store under
	// prefix/run/digest.html.
	ArchivePrefix string
	ContentType   string
}

// Deps are the collaborators a Worker needs. BlobStore and Publisher are optional.
type Deps struct {
	Store     crawler.Store
	Pages     crawler.PageStore
	Registry  *crawler.Registry
	Engine    crawler.Engine
	Fetcher   crawler.Fetcher
	Retry     crawler.RetryPolicy
	BlobStore crawler.BlobStore
	Publisher crawler.Publisher
	Hasher    crawler.Hasher
	Clock     crawler.Clock
}

// Worker executes queue items. A Worker is safe for concurrent use as long as
// its dependencies are.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	return &Worker{deps: deps, cfg: cfg, logger: logger}
}

// Step claims and processes at most one item, draining downloads before
// schedules. worked is false when neither queue had an eligible item.
// Errors returned are store failures; item-level failures are recorded on
// the item and logged.
func (w *Worker) Step(ctx context.Context) (bool, error) {
	for _, kind := range []crawler.QueueKind{crawler.DownloadQueue, crawler.ScheduleQueue} {
		item, err := w.deps.Store.Claim(ctx, kind, w.deps.Clock.Now())
		if errors.Is(err, crawler.ErrNoItem) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("claim %s: %w", kind, err)
		}
		metrics.IncActiveWorkers()
		err = w.process(ctx, kind, item)
		metrics.DecActiveWorkers()
		return true, err
	}
	return false, nil
}

func (w *Worker) process(ctx context.Context, kind crawler.QueueKind, item crawler.Item) error {
	s, err := w.assemble(ctx, kind, item)
	if err != nil {
		if errors.Is(err, crawler.ErrMissingReference) || errors.Is(err, crawler.ErrCorruptContent) {
			w.logger.Error("abandoning item",
				zap.Stringer("queue", kind), zap.Int64("item_id", item.ID), zap.Error(err))
			return w.finish(ctx, kind, item.ID, err)
		}
		return w.retryOrFail(ctx, w.logger, kind, item.ID, item.Attempts, err)
	}
	if kind == crawler.DownloadQueue {
		return w.download(ctx, s)
	}
	return w.schedule(ctx, s)
}

// assemble builds the session for a claimed item.
func (w *Worker) assemble(ctx context.Context, kind crawler.QueueKind, item crawler.Item) (*crawler.Session, error) {
	task, err := w.deps.Store.LookupTask(ctx, item.TaskID)
	if err != nil {
		return nil, fmt.Errorf("lookup task: %w", err)
	}
	res, err := w.deps.Store.LookupResource(ctx, item.ResourceID)
	if err != nil {
		return nil, fmt.Errorf("lookup resource: %w", err)
	}
	rec, err := w.deps.Store.LookupURL(ctx, res.URLID)
	if err != nil {
		return nil, fmt.Errorf("lookup url: %w", err)
	}
	s := &crawler.Session{
		ItemID:     item.ID,
		Kind:       kind,
		ResourceID: res.ID,
		TaskID:     task.ID,
		Priority:   item.Priority,
		State:      item.State,
		Attempts:   item.Attempts,
		TaskName:   task.Name,
		TaskLevel:  task.Level,
		Link:       rec.Link(),
	}
	if res.PageID == 0 {
		return s, nil
	}
	page, err := w.deps.Pages.GetPage(ctx, res.PageID)
	if err != nil {
		return nil, fmt.Errorf("get page: %w", err)
	}
	content, err := crawler.Decompress(page.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: page %d: %v", crawler.ErrCorruptContent, page.ID, err)
	}
	s.Content = content
	return s, nil
}

func (w *Worker) download(ctx context.Context, s *crawler.Session) error {
	log := w.logger.With(zap.Int64("item_id", s.ItemID), zap.String("url", s.Link.URL))
	if len(s.Content) > 0 {
		log.Debug("content already stored, skipping fetch")
		return w.complete(ctx, log, s, 0)
	}

	resp, err := w.deps.Fetcher.Fetch(ctx, crawler.FetchRequest{
		URL:     s.Link.URL,
		Headers: http.Header{"User-Agent": []string{w.cfg.UserAgent}},
	})
	if err == nil && len(resp.Body) == 0 {
		err = crawler.ErrEmptyContent
	}
	if err != nil {
		metrics.ObserveFetch(s.Link.URL, fetchStatus(err), 0, resp.Duration)
		return w.retryOrFail(ctx, log, crawler.DownloadQueue, s.ItemID, s.Attempts, err)
	}
	metrics.ObserveFetch(s.Link.URL, strconv.Itoa(resp.StatusCode), len(resp.Body), resp.Duration)

	compressed, err := crawler.Compress(resp.Body)
	if err != nil {
		return w.finish(ctx, crawler.DownloadQueue, s.ItemID, err)
	}
	now := w.deps.Clock.Now()
	pageID, err := w.deps.Pages.PutPage(ctx, compressed, now)
	if err != nil {
		return w.retryOrFail(ctx, log, crawler.DownloadQueue, s.ItemID, s.Attempts, fmt.Errorf("put page: %w", err))
	}
	if err := w.complete(ctx, log, s, pageID); err != nil {
		return err
	}
	log.Info("page stored", zap.Int64("page_id", pageID), zap.Int("bytes", len(resp.Body)))

	w.announce(ctx, s, pageID, resp, now)
	return nil
}

// complete finishes the download and queues its schedule item atomically.
// A failure leaves the item unfinished for retry; an orphaned page row is the
// only residue.
func (w *Worker) complete(ctx context.Context, log *zap.Logger, s *crawler.Session, pageID int64) error {
	_, err := w.deps.Store.CompleteDownload(ctx, s.ItemID, pageID, w.deps.Clock.Now(), crawler.Item{
		ResourceID: s.ResourceID,
		TaskID:     s.TaskID,
		Priority:   s.Priority,
		State:      s.State,
	})
	if errors.Is(err, crawler.ErrMissingReference) {
		log.Error("abandoning item", zap.Error(err))
		return w.finish(ctx, crawler.DownloadQueue, s.ItemID, err)
	}
	if err != nil {
		return w.retryOrFail(ctx, log, crawler.DownloadQueue, s.ItemID, s.Attempts, fmt.Errorf("complete download: %w", err))
	}
	metrics.ObserveItem(crawler.DownloadQueue.String(), "finished")
	return nil
}

// retryOrFail returns a failed item to its queue with backoff while the retry
// policy allows, and finishes it with cause otherwise.
func (w *Worker) retryOrFail(ctx context.Context, log *zap.Logger, kind crawler.QueueKind, id int64, attempts int, cause error) error {
	if ctx.Err() != nil {
		// Left claimed; the next startup releases it.
		return fmt.Errorf("%s %d: %w", kind, id, ctx.Err())
	}
	attempt := attempts + 1
	if w.deps.Retry != nil && w.deps.Retry.ShouldRetry(cause, attempt) {
		delay := w.deps.Retry.Backoff(attempt)
		log.Warn("item failed, will retry",
			zap.Stringer("queue", kind), zap.Int("attempt", attempt),
			zap.Duration("backoff", delay), zap.Error(cause))
		if rerr := w.deps.Store.Retry(ctx, kind, id, w.deps.Clock.Now().Add(delay), cause.Error()); rerr != nil {
			return fmt.Errorf("retry %s %d: %w", kind, id, rerr)
		}
		metrics.ObserveItem(kind.String(), "retried")
		return nil
	}
	log.Error("item failed",
		zap.Stringer("queue", kind), zap.Int("attempt", attempt), zap.Error(cause))
	return w.finish(ctx, kind, id, cause)
}

// announce archives the raw page and publishes a page event. Failures are
// logged; the page is already durable.
func (w *Worker) announce(ctx context.Context, s *crawler.Session, pageID int64, resp crawler.FetchResponse, fetchedAt time.Time) {
	if w.deps.Publisher == nil && (w.deps.BlobStore == nil || w.cfg.ArchivePrefix == "") {
		return
	}
	digest := ""
	if w.deps.Hasher != nil {
		d, err := w.deps.Hasher.Hash(resp.Body)
		if err != nil {
			w.logger.Warn("hash page failed", zap.Int64("page_id", pageID), zap.Error(err))
		}
		digest = d
	}

	uri := ""
	if w.deps.BlobStore != nil && w.cfg.ArchivePrefix != "" && digest != "" {
		var err error
		uri, err = w.deps.BlobStore.PutObject(ctx, w.archivePath(digest), w.cfg.ContentType, bytes.NewReader(resp.Body))
		if err != nil {
			w.logger.Warn("archive page failed", zap.Int64("page_id", pageID), zap.Error(err))
		}
	}

	if w.deps.Publisher == nil || w.cfg.Topic == "" {
		return
	}
	event := crawler.PageEvent{
		RunID:      w.cfg.RunID,
		ResourceID: s.ResourceID,
		PageID:     pageID,
		URL:        s.Link.URL,
		Task:       s.TaskName,
		StatusCode: resp.StatusCode,
		Bytes:      len(resp.Body),
		Digest:     digest,
		BlobURI:    uri,
		FetchedAt:  fetchedAt,
	}
	if _, err := w.deps.Publisher.Publish(ctx, w.cfg.Topic, event); err != nil {
		w.logger.Warn("publish page event failed", zap.Int64("page_id", pageID), zap.Error(err))
		return
	}
	w.logger.Debug("page event published", zap.Int64("page_id", pageID), zap.String("digest", digest))
}

func (w *Worker) archivePath(digest string) string {
	prefix := strings.Trim(w.cfg.ArchivePrefix, "/")
	if w.cfg.RunID == "" {
		return fmt.Sprintf("%s/%s.html", prefix, digest)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, w.cfg.RunID, digest)
}

func (w *Worker) schedule(ctx context.Context, s *crawler.Session) error {
	log := w.logger.With(zap.Int64("item_id", s.ItemID), zap.String("url", s.Link.URL), zap.String("task", s.TaskName))
	if len(s.Content) == 0 {
		log.Error("no content to process")
		return w.finish(ctx, crawler.ScheduleQueue, s.ItemID, crawler.ErrEmptyContent)
	}
	cb, ok := w.deps.Registry.Lookup(s.TaskName)
	if !ok {
		err := fmt.Errorf("%w: %q", crawler.ErrUnknownTask, s.TaskName)
		log.Error("no callback registered", zap.Error(err))
		return w.finish(ctx, crawler.ScheduleQueue, s.ItemID, err)
	}
	if err := invoke(ctx, cb, s, w.deps.Engine); err != nil {
		log.Error("callback failed", zap.Error(err))
		return w.finish(ctx, crawler.ScheduleQueue, s.ItemID, err)
	}
	return w.finish(ctx, crawler.ScheduleQueue, s.ItemID, nil)
}

// invoke runs a callback, converting a panic into an error.
func invoke(ctx context.Context, cb crawler.Callback, s *crawler.Session, e crawler.Engine) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panic: %v", r)
		}
	}()
	return cb(ctx, s, e)
}

func (w *Worker) finish(ctx context.Context, kind crawler.QueueKind, id int64, cause error) error {
	errText, status := "", "finished"
	if cause != nil {
		errText, status = cause.Error(), "failed"
	}
	if err := w.deps.Store.Finish(ctx, kind, id, w.deps.Clock.Now(), errText); err != nil {
		return fmt.Errorf("finish %s %d: %w", kind, id, err)
	}
	metrics.ObserveItem(kind.String(), status)
	return nil
}

func fetchStatus(err error) string {
	var fe *crawler.FetchError
	switch {
	case errors.As(err, &fe) && fe.StatusCode > 0:
		return strconv.Itoa(fe.StatusCode)
	case errors.Is(err, crawler.ErrEmptyContent):
		return "empty"
	default:
		return "error"
	}
}
