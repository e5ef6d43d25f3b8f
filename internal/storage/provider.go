// Package storage opens the configured crawl, page and checkpoint backends.
package storage

import (
	"context"
	"fmt"

	gcsclient "cloud.google.com/go/storage"

	"github.com/JakeFAU/recoverable-crawler/internal/crawler"
	"github.com/JakeFAU/recoverable-crawler/internal/storage/gcs"
	"github.com/JakeFAU/recoverable-crawler/internal/storage/local"
	"github.com/JakeFAU/recoverable-crawler/internal/storage/memory"
	"github.com/JakeFAU/recoverable-crawler/internal/storage/postgres"
	"github.com/JakeFAU/recoverable-crawler/internal/storage/sqlite"
)

// Options selects and configures the crawl store backend.
type Options struct {
	// Driver is one of "sqlite", "postgres" or "memory".
	Driver          string
	SQLiteDir       string
	Postgres        postgres.Config
	ContentPostgres postgres.Config
}

// Open returns the management store and the page store for the driver.
func Open(ctx context.Context, opts Options) (crawler.Store, crawler.PageStore, error) {
	switch opts.Driver {
	case "", "sqlite":
		store, err := sqlite.Open(opts.SQLiteDir)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		pages, err := sqlite.OpenPages(opts.SQLiteDir)
		if err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("open sqlite page store: %w", err)
		}
		return store, pages, nil
	case "postgres":
		store, err := postgres.NewStore(ctx, opts.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		contentCfg := opts.ContentPostgres
		if contentCfg.DSN == "" {
			contentCfg = opts.Postgres
		}
		pages, err := postgres.NewPageStore(ctx, contentCfg)
		if err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("open postgres page store: %w", err)
		}
		return store, pages, nil
	case "memory":
		return memory.NewStore(), memory.NewPageStore(), nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver: %s", opts.Driver)
	}
}

// BlobOptions selects where checkpoints are written.
type BlobOptions struct {
	// Provider is one of "memory", "local" or "gcs".
	Provider string
	Local    local.Config
	Bucket   string
}

// OpenBlobStore returns the checkpoint sink. The returned close function
// releases any client the sink owns.
func OpenBlobStore(ctx context.Context, opts BlobOptions) (crawler.BlobStore, func() error, error) {
	noop := func() error { return nil }
	switch opts.Provider {
	case "", "memory":
		return memory.NewBlobStore(), noop, nil
	case "local":
		store, err := local.New(opts.Local)
		if err != nil {
			return nil, nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return store, noop, nil
	case "gcs":
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		store, err := gcs.New(client, gcs.Config{Bucket: opts.Bucket})
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return store, client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown checkpoint provider: %s", opts.Provider)
	}
}
