package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/JakeFAU/recoverable-crawler/internal/crawler"
)

const contentSchema = `
CREATE TABLE IF NOT EXISTS pages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	content BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// PageStore implements crawler.PageStore on content.db.
type PageStore struct {
	db *sql.DB
}

var _ crawler.PageStore = (*PageStore)(nil)

// OpenPages opens or creates content.db under dir.
func OpenPages(dir string) (*PageStore, error) {
	db, err := open(dir, contentFile)
	if err != nil {
		return nil, err
	}
	s := &PageStore{db: db}
	if err := s.createTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PageStore) createTables(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, contentSchema); err != nil {
		return fmt.Errorf("create content tables: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *PageStore) Close() error {
	return s.db.Close()
}

// PutPage stores already-compressed content.
func (s *PageStore) PutPage(ctx context.Context, content []byte, updated time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pages (content, updated_at) VALUES (?, ?)`, content, nanos(updated))
	if err != nil {
		return 0, fmt.Errorf("insert page: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert page: %w", err)
	}
	return id, nil
}

// GetPage loads a page by id.
func (s *PageStore) GetPage(ctx context.Context, id int64) (crawler.Page, error) {
	p := crawler.Page{ID: id}
	var updated int64
	err := s.db.QueryRowContext(ctx, `SELECT content, updated_at FROM pages WHERE id = ?`, id).Scan(&p.Content, &updated)
	if isNoRows(err) {
		return crawler.Page{}, crawler.MissingReference("pages", id)
	}
	if err != nil {
		return crawler.Page{}, fmt.Errorf("select page: %w", err)
	}
	p.UpdatedAt = time.Unix(0, updated).UTC()
	return p, nil
}

// CountPages returns the number of stored pages.
func (s *PageStore) CountPages(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pages: %w", err)
	}
	return n, nil
}

// Reset drops and recreates the pages table.
func (s *PageStore) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS pages`); err != nil {
		return fmt.Errorf("drop pages: %w", err)
	}
	return s.createTables(ctx)
}
