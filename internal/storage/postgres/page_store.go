package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/recoverable-crawler/internal/crawler"
)

var contentSchema = []string{
	`CREATE TABLE IF NOT EXISTS pages (
	id BIGSERIAL PRIMARY KEY,
	content BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`,
}

// PageStore implements crawler.PageStore on Postgres. It may point at a
// different database than Store.
type PageStore struct {
	pool pool
}

var _ crawler.PageStore = (*PageStore)(nil)

// NewPageStore connects to Postgres and ensures the pages table exists.
func NewPageStore(ctx context.Context, cfg Config) (*PageStore, error) {
	p, err := connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := execAll(ctx, p, contentSchema); err != nil {
		p.Close()
		return nil, fmt.Errorf("create content schema: %w", err)
	}
	return &PageStore{pool: p}, nil
}

// NewPageStoreWithPool constructs a page store from an existing pool (primarily for testing).
func NewPageStoreWithPool(p pool) (*PageStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &PageStore{pool: p}, nil
}

// Close releases the underlying pool resources.
func (s *PageStore) Close() error {
	s.pool.Close()
	return nil
}

// PutPage stores already-compressed content.
func (s *PageStore) PutPage(ctx context.Context, content []byte, updated time.Time) (int64, error) {
	var id int64
	if err := s.pool.QueryRow(ctx,
		`INSERT INTO pages (content, updated_at) VALUES ($1, $2) RETURNING id`, content, updated,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert page: %w", err)
	}
	return id, nil
}

// GetPage loads a page by id.
func (s *PageStore) GetPage(ctx context.Context, id int64) (crawler.Page, error) {
	p := crawler.Page{ID: id}
	err := s.pool.QueryRow(ctx, `SELECT content, updated_at FROM pages WHERE id = $1`, id).Scan(&p.Content, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Page{}, crawler.MissingReference("pages", id)
	}
	if err != nil {
		return crawler.Page{}, fmt.Errorf("select page: %w", err)
	}
	return p, nil
}

// CountPages returns the number of stored pages.
func (s *PageStore) CountPages(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM pages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pages: %w", err)
	}
	return n, nil
}

// Reset drops and recreates the pages table.
func (s *PageStore) Reset(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DROP TABLE IF EXISTS pages`); err != nil {
		return fmt.Errorf("drop pages: %w", err)
	}
	if err := execAll(ctx, s.pool, contentSchema); err != nil {
		return fmt.Errorf("create content schema: %w", err)
	}
	return nil
}
