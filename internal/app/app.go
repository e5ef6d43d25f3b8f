// Package app builds the crawler's long-lived services from configuration
// and runs a crawl.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/recoverable-crawler/internal/api"
	"github.com/JakeFAU/recoverable-crawler/internal/checkpoint"
	"github.com/JakeFAU/recoverable-crawler/internal/clock/system"
	"github.com/JakeFAU/recoverable-crawler/internal/config"
	"github.com/JakeFAU/recoverable-crawler/internal/crawler"
	"github.com/JakeFAU/recoverable-crawler/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/recoverable-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/recoverable-crawler/internal/frontier"
	"github.com/JakeFAU/recoverable-crawler/internal/hash/sha256"
	"github.com/JakeFAU/recoverable-crawler/internal/id/uuid"
	"github.com/JakeFAU/recoverable-crawler/internal/logging"
	"github.com/JakeFAU/recoverable-crawler/internal/metrics"
	"github.com/JakeFAU/recoverable-crawler/internal/parser"
	memorypublisher "github.com/JakeFAU/recoverable-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/recoverable-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/recoverable-crawler/internal/storage"
	"github.com/JakeFAU/recoverable-crawler/internal/storage/local"
	"github.com/JakeFAU/recoverable-crawler/internal/storage/postgres"
	"github.com/JakeFAU/recoverable-crawler/internal/tasks/linkcrawler"
	"github.com/JakeFAU/recoverable-crawler/internal/worker"
)

// App holds the services shared by every command.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	runID  string
	clock  crawler.Clock

	store     crawler.Store
	pages     crawler.PageStore
	blobs     crawler.BlobStore
	closeBlob func() error
	publisher crawler.Publisher
	closePub  func() error

	registry *crawler.Registry
	graph    *crawler.VisitedGraph
	frontier *frontier.Frontier
	linkTask *linkcrawler.Task
	hooks    *checkpoint.Hooks
	fetcher  crawler.Fetcher
	retry    *crawler.ExponentialRetryPolicy
}

// Option customizes Build.
type Option func(*App)

// WithFetcher replaces the Colly fetcher.
func WithFetcher(f crawler.Fetcher) Option {
	return func(a *App) { a.fetcher = f }
}

// WithLogger replaces the configured logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithClock replaces the system clock.
func WithClock(c crawler.Clock) Option {
	return func(a *App) { a.clock = c }
}

// CrawlOptions are per-invocation overrides for Crawl.
type CrawlOptions struct {
	Reset bool
	// Seeds replaces crawler.seeds when non-empty.
	Seeds []string
	Task  string
	// Depth replaces crawler.seed_depth when non-nil.
	Depth     *int
	Workers   int
	UntilIdle bool
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	app := &App{cfg: cfg}
	for _, opt := range opts {
		opt(app)
	}
	if app.logger == nil {
		logger, err := logging.New(logging.Config{
			Development: cfg.Logging.Development,
			Level:       cfg.Logging.Level,
		})
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
		app.logger = logger
	}
	if app.clock == nil {
		app.clock = system.New()
	}
	metrics.Init()

	runID, err := uuid.New().NewID()
	if err != nil {
		return nil, fmt.Errorf("run id: %w", err)
	}
	app.runID = runID
	app.logger.Info("building application dependencies",
		zap.String("run_id", runID),
		zap.String("driver", cfg.Storage.Driver),
	)

	if err := setupStorage(ctx, app); err != nil {
		return nil, err
	}
	if err := setupCheckpointSink(ctx, app); err != nil {
		app.Close()
		return nil, err
	}
	if err := setupPublisher(ctx, app); err != nil {
		app.Close()
		return nil, err
	}
	setupEngine(app)
	return app, nil
}

func setupStorage(ctx context.Context, app *App) error {
	pg := app.cfg.Storage.Postgres
	store, pages, err := storage.Open(ctx, storage.Options{
		Driver:          app.cfg.Storage.Driver,
		SQLiteDir:       app.cfg.Storage.SQLite.Dir,
		Postgres:        postgres.Config{DSN: pg.DSN, MaxConns: pg.MaxConns},
		ContentPostgres: postgres.Config{DSN: pg.ContentDSN, MaxConns: pg.MaxConns},
	})
	if err != nil {
		return fmt.Errorf("storage init failed: %w", err)
	}
	app.store = store
	app.pages = pages
	app.logger.Info("crawl store opened", zap.String("driver", app.cfg.Storage.Driver))
	return nil
}

func setupCheckpointSink(ctx context.Context, app *App) error {
	cp := app.cfg.Checkpoint
	if cp.Provider == "none" {
		app.logger.Info("checkpoint sink disabled")
		return nil
	}
	blobs, closeFn, err := storage.OpenBlobStore(ctx, storage.BlobOptions{
		Provider: cp.Provider,
		Local:    local.Config{BaseDir: cp.Local.BaseDir},
		Bucket:   cp.GCS.Bucket,
	})
	if err != nil {
		return err
	}
	app.blobs = blobs
	app.closeBlob = closeFn
	app.logger.Info("checkpoint sink ready", zap.String("provider", cp.Provider))
	return nil
}

func setupPublisher(ctx context.Context, app *App) error {
	pc := app.cfg.Publisher
	switch pc.Provider {
	case "memory":
		app.publisher = memorypublisher.New()
	case "pubsub":
		pub, err := gcppublisher.New(ctx, pc.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		app.publisher = pub
		app.closePub = pub.Close
		app.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", pc.ProjectID),
			zap.String("topic", pc.Topic),
		)
	default:
		app.logger.Info("page events disabled")
	}
	return nil
}

func setupEngine(app *App) {
	app.registry = crawler.NewRegistry(app.store)
	app.graph = crawler.NewVisitedGraph()
	var dedup crawler.Deduper = app.graph
	if app.cfg.Crawler.Dedup == "store" {
		dedup = crawler.NewStoreDeduper(app.store)
	}
	app.frontier = frontier.New(app.store, app.registry, dedup, app.logger.Named("frontier"))
	app.linkTask = linkcrawler.New(parser.New(), app.cfg.Crawler.MaxPages)

	var graph *crawler.VisitedGraph
	if app.cfg.Crawler.Dedup == "graph" {
		graph = app.graph
	}
	backoff, maxBackoff := app.cfg.Backoff()
	app.retry = crawler.NewExponentialRetryPolicy(app.cfg.HTTP.MaxRetries, backoff, maxBackoff)
	app.hooks = checkpoint.New(app, app.store, graph, app.blobs, app.clock, checkpoint.Config{
		Prefix:       app.cfg.Checkpoint.Prefix,
		RunID:        app.runID,
		ClaimTimeout: app.cfg.Crawler.ClaimTimeout,
		MaxAttempts:  app.retry.MaxAttempts(),
	}, app.logger.Named("checkpoint"))

	if app.fetcher == nil {
		app.fetcher = collyfetcher.New(collyfetcher.Config{
			UserAgent:   app.userAgent(),
			Timeout:     app.cfg.FetchTimeout(),
			MaxBodySize: app.cfg.HTTP.MaxBodyBytes,
		})
	}
}

// RunID identifies this process's checkpoints and page events.
func (a *App) RunID() string {
	return a.runID
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Stats combines management store counts with the page count.
func (a *App) Stats(ctx context.Context) (crawler.Stats, error) {
	stats, err := a.store.Stats(ctx)
	if err != nil {
		return crawler.Stats{}, fmt.Errorf("store stats: %w", err)
	}
	pages, err := a.pages.CountPages(ctx)
	if err != nil {
		return crawler.Stats{}, fmt.Errorf("count pages: %w", err)
	}
	stats.Pages = pages
	return stats, nil
}

// Reset drops and recreates both stores.
func (a *App) Reset(ctx context.Context) error {
	if err := a.store.Reset(ctx); err != nil {
		return fmt.Errorf("reset store: %w", err)
	}
	if err := a.pages.Reset(ctx); err != nil {
		return fmt.Errorf("reset pages: %w", err)
	}
	a.logger.Info("crawl state reset")
	return nil
}

// Crawl registers tasks, seeds the frontier and runs workers until the
// context is canceled or, with UntilIdle, until the first quiescence.
func (a *App) Crawl(ctx context.Context, opts CrawlOptions) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.Reset {
		if err := a.Reset(ctx); err != nil {
			return err
		}
	}
	if _, err := a.linkTask.Register(ctx, a.registry); err != nil {
		return fmt.Errorf("register tasks: %w", err)
	}
	if err := a.seed(ctx, opts); err != nil {
		return err
	}
	if a.cfg.Crawler.MaxPages > 0 {
		stats, err := a.store.Stats(ctx)
		if err != nil {
			return fmt.Errorf("count resources: %w", err)
		}
		a.linkTask.Resume(stats.Resources)
	}

	n := opts.Workers
	if n <= 0 {
		n = a.cfg.Crawler.Workers
	}
	workers := make([]dispatcher.Stepper, 0, n)
	for i := range n {
		workers = append(workers, worker.New(worker.Deps{
			Store:     a.store,
			Pages:     a.pages,
			Registry:  a.registry,
			Engine:    a.frontier,
			Fetcher:   a.fetcher,
			Retry:     a.retry,
			BlobStore: a.blobs,
			Publisher: a.publisher,
			Hasher:    sha256.New(),
			Clock:     a.clock,
		}, worker.Config{
			UserAgent:     a.userAgent(),
			RunID:         a.runID,
			Topic:         a.cfg.Publisher.Topic,
			ArchivePrefix: a.cfg.Crawler.ArchivePrefix,
		}, a.logger.Named("worker").With(zap.Int("worker", i))))
	}

	d := dispatcher.New(workers, a.hooks, a.registry, dispatcher.Config{
		IdleShort:        a.cfg.Crawler.IdleShort,
		IdleLong:         a.cfg.Crawler.IdleLong,
		QuiescencePause:  a.cfg.Crawler.QuiescencePause,
		StopOnQuiescence: a.cfg.Crawler.StopOnQuiescence || opts.UntilIdle,
	}, a.logger.Named("dispatcher"))

	srv := a.startServer(ctx, stop, opts)
	a.logger.Info("crawl started", zap.Int("workers", n), zap.String("run_id", a.runID))
	runErr := d.Run(ctx)
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("run dispatcher: %w", runErr)
	}
	a.logger.Info("crawl stopped", zap.Int64("links_queued", a.linkTask.Queued()))
	return nil
}

func (a *App) seed(ctx context.Context, opts CrawlOptions) error {
	seeds := opts.Seeds
	if len(seeds) == 0 {
		seeds = a.cfg.Crawler.Seeds
	}
	task := opts.Task
	if task == "" {
		task = a.cfg.Crawler.Task
	}
	depth := a.cfg.Crawler.SeedDepth
	if opts.Depth != nil {
		depth = *opts.Depth
	}
	for _, raw := range seeds {
		id, err := a.frontier.Seed(ctx, raw, task, depth, a.cfg.Crawler.Priority)
		if err != nil {
			return fmt.Errorf("seed %s: %w", raw, err)
		}
		a.logger.Info("seeded", zap.String("url", raw), zap.Int64("resource_id", id))
	}
	return nil
}

func (a *App) startServer(ctx context.Context, stop context.CancelFunc, opts CrawlOptions) *http.Server {
	if !a.cfg.Server.Enabled {
		return nil
	}
	depth := a.cfg.Crawler.SeedDepth
	if opts.Depth != nil {
		depth = *opts.Depth
	}
	task := opts.Task
	if task == "" {
		task = a.cfg.Crawler.Task
	}
	server := api.NewServer(a, a.frontier, a.registry, api.Config{
		DefaultTask:     task,
		DefaultDepth:    depth,
		DefaultPriority: a.cfg.Crawler.Priority,
	}, a.logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()
	return srv
}

func (a *App) userAgent() string {
	if a.cfg.Crawler.UserAgent != "" {
		return a.cfg.Crawler.UserAgent
	}
	return worker.DefaultUserAgent
}

// Close releases stores and clients. It is safe to call on a partially
// built App.
func (a *App) Close() {
	if a.closePub != nil {
		if err := a.closePub(); err != nil {
			a.logger.Warn("publisher close failed", zap.Error(err))
		}
	}
	if a.closeBlob != nil {
		if err := a.closeBlob(); err != nil {
			a.logger.Warn("checkpoint sink close failed", zap.Error(err))
		}
	}
	if a.pages != nil {
		if err := a.pages.Close(); err != nil {
			a.logger.Warn("page store close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("crawl store close failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
