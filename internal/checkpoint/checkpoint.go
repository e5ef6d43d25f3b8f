// Package checkpoint implements the quiescence hooks: Finalize writes a
// snapshot of crawl state to a blob store and Initialize returns items
// abandoned by a dead or cancelled worker to their queues.
package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/recoverable-crawler/internal/crawler"
)

// StatsSource reports combined store counts.
type StatsSource interface {
	Stats(ctx context.Context) (crawler.Stats, error)
}

// Releaser returns stale claims to a queue.
type Releaser interface {
	ReleaseStale(ctx context.Context, kind crawler.QueueKind, r crawler.StaleRelease) (released, abandoned int64, err error)
}

// Config controls checkpoint output and stale-claim recovery.
type Config struct {
	Prefix string
	RunID  string
	// ClaimTimeout is how long an item may stay claimed before Initialize
	// releases it. Zero releases every claim older than now, which is right
	// when a single process owns the store.
	ClaimTimeout time.Duration
	// MaxAttempts finishes, instead of releasing, stale items that already
	// used this many attempts. Zero releases them unconditionally.
	MaxAttempts int
}

// Snapshot is the JSON document written on every Finalize.
type Snapshot struct {
	RunID    string                 `json:"run_id"`
	Sequence int                    `json:"sequence"`
	TakenAt  time.Time              `json:"taken_at"`
	Stats    crawler.Stats          `json:"stats"`
	Graph    *crawler.GraphSnapshot `json:"graph,omitempty"`
}

// Hooks implements crawler.Hooks.
type Hooks struct {
	stats    StatsSource
	releaser Releaser
	graph    *crawler.VisitedGraph
	blobs    crawler.BlobStore
	clock    crawler.Clock
	cfg      Config
	logger   *zap.Logger

	mu       sync.Mutex
	sequence int
	lastURI  string
}

var _ crawler.Hooks = (*Hooks)(nil)

// New builds Hooks. graph and blobs may be nil: without a blob store the
// snapshot is only logged.
func New(
	stats StatsSource,
	releaser Releaser,
	graph *crawler.VisitedGraph,
	blobs crawler.BlobStore,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Hooks {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "checkpoints"
	}
	return &Hooks{
		stats:    stats,
		releaser: releaser,
		graph:    graph,
		blobs:    blobs,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// Finalize records the crawl state.
func (h *Hooks) Finalize(ctx context.Context) error {
	stats, err := h.stats.Stats(ctx)
	if err != nil {
		return fmt.Errorf("collect stats: %w", err)
	}
	h.mu.Lock()
	h.sequence++
	snap := Snapshot{
		RunID:    h.cfg.RunID,
		Sequence: h.sequence,
		TakenAt:  h.clock.Now(),
		Stats:    stats,
	}
	h.mu.Unlock()
	if h.graph != nil {
		g := h.graph.Snapshot()
		snap.Graph = &g
	}

	h.logger.Info("crawl checkpoint",
		zap.Int("sequence", snap.Sequence),
		zap.Int64("urls", stats.URLs),
		zap.Int64("resources", stats.Resources),
		zap.Int64("pages", stats.Pages),
		zap.Int64("downloads_pending", stats.Downloads.Pending),
		zap.Int64("downloads_failed", stats.Downloads.Failed),
		zap.Int64("schedules_pending", stats.Schedules.Pending),
		zap.Int64("schedules_failed", stats.Schedules.Failed),
	)
	if h.blobs == nil {
		return nil
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	uri, err := h.blobs.PutObject(ctx, h.path(snap), "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	h.mu.Lock()
	h.lastURI = uri
	h.mu.Unlock()
	h.logger.Info("checkpoint written", zap.String("uri", uri))
	return nil
}

// Initialize releases stale claims on both queues.
func (h *Hooks) Initialize(ctx context.Context) error {
	now := h.clock.Now()
	release := crawler.StaleRelease{
		Before:      now.Add(-h.cfg.ClaimTimeout),
		Now:         now,
		MaxAttempts: h.cfg.MaxAttempts,
	}
	for _, kind := range []crawler.QueueKind{crawler.DownloadQueue, crawler.ScheduleQueue} {
		released, abandoned, err := h.releaser.ReleaseStale(ctx, kind, release)
		if err != nil {
			return fmt.Errorf("release stale %s items: %w", kind, err)
		}
		if released > 0 {
			h.logger.Warn("released stale claims", zap.Stringer("queue", kind), zap.Int64("count", released))
		}
		if abandoned > 0 {
			h.logger.Error("abandoned items out of attempts", zap.Stringer("queue", kind), zap.Int64("count", abandoned))
		}
	}
	return nil
}

// LastURI returns where the most recent checkpoint was written.
func (h *Hooks) LastURI() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastURI
}

func (h *Hooks) path(s Snapshot) string {
	parts := []string{strings.Trim(h.cfg.Prefix, "/")}
	if s.RunID != "" {
		parts = append(parts, s.RunID)
	}
	parts = append(parts, fmt.Sprintf("%06d-%s.json", s.Sequence, s.TakenAt.UTC().Format("20060102T150405Z")))
	return strings.Join(parts, "/")
}
