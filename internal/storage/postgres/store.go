package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/recoverable-crawler/internal/crawler"
)

var managerSchema = []string{
	`CREATE TABLE IF NOT EXISTS urls (
	id BIGSERIAL PRIMARY KEY,
	url TEXT NOT NULL UNIQUE,
	referer TEXT NOT NULL DEFAULT '',
	depth INTEGER NOT NULL DEFAULT 0
)`,
	`CREATE TABLE IF NOT EXISTS tasks (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	level INTEGER NOT NULL DEFAULT 0
)`,
	`CREATE TABLE IF NOT EXISTS resources (
	id BIGSERIAL PRIMARY KEY,
	url_id BIGINT NOT NULL UNIQUE REFERENCES urls(id),
	page_id BIGINT NOT NULL DEFAULT 0
)`,
	queueDDL("downloads"),
	`CREATE INDEX IF NOT EXISTS idx_downloads_claim ON downloads (priority DESC, id) WHERE started_at IS NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_downloads_resource_task ON downloads (resource_id, task_id)`,
	queueDDL("schedules"),
	`CREATE INDEX IF NOT EXISTS idx_schedules_claim ON schedules (priority DESC, id) WHERE started_at IS NULL`,
}

var dropManager = []string{
	`DROP TABLE IF EXISTS downloads`,
	`DROP TABLE IF EXISTS schedules`,
	`DROP TABLE IF EXISTS resources`,
	`DROP TABLE IF EXISTS tasks`,
	`DROP TABLE IF EXISTS urls`,
}

func queueDDL(table string) string {
	return `CREATE TABLE IF NOT EXISTS ` + table + ` (
	id BIGSERIAL PRIMARY KEY,
	resource_id BIGINT NOT NULL,
	task_id BIGINT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	state INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	not_before TIMESTAMPTZ,
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	error TEXT NOT NULL DEFAULT ''
)`
}

const itemColumns = `id, resource_id, task_id, priority, state, attempts, not_before, started_at, finished_at, error`

// Store implements crawler.Store on Postgres.
type Store struct {
	pool pool
}

var _ crawler.Store = (*Store)(nil)

// NewStore connects to Postgres and ensures the management schema exists.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	p, err := connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := &Store{pool: p}
	if err := execAll(ctx, p, managerSchema); err != nil {
		p.Close()
		return nil, fmt.Errorf("create manager schema: %w", err)
	}
	return s, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Reset drops and recreates every management table.
func (s *Store) Reset(ctx context.Context) error {
	if err := execAll(ctx, s.pool, dropManager); err != nil {
		return fmt.Errorf("drop manager schema: %w", err)
	}
	if err := execAll(ctx, s.pool, managerSchema); err != nil {
		return fmt.Errorf("create manager schema: %w", err)
	}
	return nil
}

// querier is what both the pool and an open transaction offer.
type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// Materialize looks up or inserts the URL and its resource in one transaction.
func (s *Store) Materialize(ctx context.Context, link crawler.Link) (int64, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("begin materialize: %w", err)
	}
	fail := func(err error) (int64, bool, error) {
		_ = tx.Rollback(ctx)
		return 0, false, err
	}

	resourceID, created, err := materialize(ctx, tx, link)
	if err != nil {
		return fail(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, false, fmt.Errorf("commit materialize: %w", err)
	}
	return resourceID, created, nil
}

// MaterializeAndEnqueue materializes the link and queues a download for
// item.TaskID unless one already exists, all in one transaction.
func (s *Store) MaterializeAndEnqueue(ctx context.Context, link crawler.Link, item crawler.Item) (int64, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("begin materialize: %w", err)
	}
	fail := func(err error) (int64, bool, error) {
		_ = tx.Rollback(ctx)
		return 0, false, err
	}

	resourceID, _, err := materialize(ctx, tx, link)
	if err != nil {
		return fail(err)
	}
	queued := true
	var downloadID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO downloads (resource_id, task_id, priority, state, not_before)
VALUES ($1, $2, $3, $4, $5) ON CONFLICT (resource_id, task_id) DO NOTHING RETURNING id`,
		resourceID, item.TaskID, item.Priority, item.State, item.NotBefore,
	).Scan(&downloadID)
	if errors.Is(err, pgx.ErrNoRows) {
		queued, err = false, nil
	}
	if err != nil {
		return fail(fmt.Errorf("enqueue download: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, false, fmt.Errorf("commit materialize: %w", err)
	}
	return resourceID, queued, nil
}

func materialize(ctx context.Context, q querier, link crawler.Link) (int64, bool, error) {
	if _, err := q.Exec(ctx,
		`INSERT INTO urls (url, referer, depth) VALUES ($1, $2, $3) ON CONFLICT (url) DO NOTHING`,
		link.URL, link.Referer, link.Depth,
	); err != nil {
		return 0, false, fmt.Errorf("insert url: %w", err)
	}
	var urlID int64
	if err := q.QueryRow(ctx, `SELECT id FROM urls WHERE url = $1`, link.URL).Scan(&urlID); err != nil {
		return 0, false, fmt.Errorf("select url: %w", err)
	}

	created := true
	var resourceID int64
	err := q.QueryRow(ctx,
		`INSERT INTO resources (url_id) VALUES ($1) ON CONFLICT (url_id) DO NOTHING RETURNING id`, urlID,
	).Scan(&resourceID)
	if errors.Is(err, pgx.ErrNoRows) {
		created = false
		err = q.QueryRow(ctx, `SELECT id FROM resources WHERE url_id = $1`, urlID).Scan(&resourceID)
	}
	if err != nil {
		return 0, false, fmt.Errorf("materialize resource: %w", err)
	}
	return resourceID, created, nil
}

// HasURL reports whether the normalized URL is recorded.
func (s *Store) HasURL(ctx context.Context, url string) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM urls WHERE url = $1)`, url).Scan(&exists); err != nil {
		return false, fmt.Errorf("lookup url: %w", err)
	}
	return exists, nil
}

// RegisterTask inserts the task if it is new and returns its id.
func (s *Store) RegisterTask(ctx context.Context, name string, level int) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
WITH ins AS (
	INSERT INTO tasks (name, level) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING RETURNING id
)
SELECT id FROM ins UNION ALL SELECT id FROM tasks WHERE name = $1 LIMIT 1`, name, level).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("register task: %w", err)
	}
	return id, nil
}

// LookupTask loads a task by id.
func (s *Store) LookupTask(ctx context.Context, id int64) (crawler.Task, error) {
	t := crawler.Task{ID: id}
	err := s.pool.QueryRow(ctx, `SELECT name, level FROM tasks WHERE id = $1`, id).Scan(&t.Name, &t.Level)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Task{}, crawler.MissingReference("tasks", id)
	}
	if err != nil {
		return crawler.Task{}, fmt.Errorf("select task: %w", err)
	}
	return t, nil
}

// LookupResource loads a resource by id.
func (s *Store) LookupResource(ctx context.Context, id int64) (crawler.Resource, error) {
	r := crawler.Resource{ID: id}
	err := s.pool.QueryRow(ctx, `SELECT url_id, page_id FROM resources WHERE id = $1`, id).Scan(&r.URLID, &r.PageID)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Resource{}, crawler.MissingReference("resources", id)
	}
	if err != nil {
		return crawler.Resource{}, fmt.Errorf("select resource: %w", err)
	}
	return r, nil
}

// LookupURL loads a URL record by id.
func (s *Store) LookupURL(ctx context.Context, id int64) (crawler.URLRecord, error) {
	u := crawler.URLRecord{ID: id}
	err := s.pool.QueryRow(ctx, `SELECT url, referer, depth FROM urls WHERE id = $1`, id).
		Scan(&u.URL, &u.Referer, &u.Depth)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.URLRecord{}, crawler.MissingReference("urls", id)
	}
	if err != nil {
		return crawler.URLRecord{}, fmt.Errorf("select url: %w", err)
	}
	return u, nil
}

// SetResourcePage records pageID unless the resource already has a page.
func (s *Store) SetResourcePage(ctx context.Context, resourceID, pageID int64) error {
	return setResourcePage(ctx, s.pool, resourceID, pageID)
}

func setResourcePage(ctx context.Context, q querier, resourceID, pageID int64) error {
	tag, err := q.Exec(ctx,
		`UPDATE resources SET page_id = $1 WHERE id = $2 AND page_id = 0`, pageID, resourceID)
	if err != nil {
		return fmt.Errorf("update resource page: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var urlID, existing int64
	err = q.QueryRow(ctx, `SELECT url_id, page_id FROM resources WHERE id = $1`, resourceID).Scan(&urlID, &existing)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.MissingReference("resources", resourceID)
	}
	if err != nil {
		return fmt.Errorf("select resource: %w", err)
	}
	return nil
}

// Enqueue appends an item to the queue.
func (s *Store) Enqueue(ctx context.Context, kind crawler.QueueKind, item crawler.Item) (int64, error) {
	return enqueue(ctx, s.pool, kind, item)
}

func enqueue(ctx context.Context, q querier, kind crawler.QueueKind, item crawler.Item) (int64, error) {
	var id int64
	err := q.QueryRow(ctx,
		`INSERT INTO `+kind.Table()+` (resource_id, task_id, priority, state, not_before)
VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		item.ResourceID, item.TaskID, item.Priority, item.State, item.NotBefore,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", kind, err)
	}
	return id, nil
}

// Claim marks the highest-priority eligible item started. The row lock taken
// by FOR UPDATE SKIP LOCKED keeps concurrent claimers on distinct rows.
func (s *Store) Claim(ctx context.Context, kind crawler.QueueKind, now time.Time) (crawler.Item, error) {
	table := kind.Table()
	row := s.pool.QueryRow(ctx, `UPDATE `+table+` SET started_at = $1
WHERE id = (
	SELECT id FROM `+table+`
	WHERE started_at IS NULL AND (not_before IS NULL OR not_before <= $1)
	ORDER BY priority DESC, id ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING `+itemColumns, now)
	var item crawler.Item
	err := row.Scan(
		&item.ID, &item.ResourceID, &item.TaskID, &item.Priority, &item.State, &item.Attempts,
		&item.NotBefore, &item.StartedAt, &item.FinishedAt, &item.Error,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Item{}, crawler.ErrNoItem
	}
	if err != nil {
		return crawler.Item{}, fmt.Errorf("claim %s: %w", kind, err)
	}
	return item, nil
}

// Finish marks an item completed, recording errText if it failed.
func (s *Store) Finish(ctx context.Context, kind crawler.QueueKind, id int64, now time.Time, errText string) error {
	return finish(ctx, s.pool, kind, id, now, errText)
}

func finish(ctx context.Context, q querier, kind crawler.QueueKind, id int64, now time.Time, errText string) error {
	tag, err := q.Exec(ctx,
		`UPDATE `+kind.Table()+` SET finished_at = $1, error = $2 WHERE id = $3`, now, errText, id)
	if err != nil {
		return fmt.Errorf("finish %s: %w", kind, err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.MissingReference(kind.Table(), id)
	}
	return nil
}

// CompleteDownload records the page, finishes the download and queues the
// schedule item in one transaction.
func (s *Store) CompleteDownload(ctx context.Context, id, pageID int64, now time.Time, next crawler.Item) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin complete download: %w", err)
	}
	fail := func(err error) (int64, error) {
		_ = tx.Rollback(ctx)
		return 0, err
	}

	if pageID > 0 {
		if err := setResourcePage(ctx, tx, next.ResourceID, pageID); err != nil {
			return fail(err)
		}
	}
	if err := finish(ctx, tx, crawler.DownloadQueue, id, now, ""); err != nil {
		return fail(err)
	}
	scheduleID, err := enqueue(ctx, tx, crawler.ScheduleQueue, next)
	if err != nil {
		return fail(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit complete download: %w", err)
	}
	return scheduleID, nil
}

// Retry unclaims an unfinished item and counts the failed attempt.
func (s *Store) Retry(ctx context.Context, kind crawler.QueueKind, id int64, notBefore time.Time, errText string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+kind.Table()+` SET started_at = NULL, attempts = attempts + 1, not_before = $1, error = $2
WHERE id = $3 AND finished_at IS NULL`, notBefore, errText, id)
	if err != nil {
		return fmt.Errorf("retry %s: %w", kind, err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.MissingReference(kind.Table(), id)
	}
	return nil
}

// ReleaseStale unclaims items started before r.Before that never finished.
// Items out of attempts are finished with ErrAttemptsExhausted instead.
func (s *Store) ReleaseStale(ctx context.Context, kind crawler.QueueKind, r crawler.StaleRelease) (int64, int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("begin release stale %s: %w", kind, err)
	}
	fail := func(err error) (int64, int64, error) {
		_ = tx.Rollback(ctx)
		return 0, 0, err
	}

	var abandoned int64
	if r.MaxAttempts > 0 {
		tag, err := tx.Exec(ctx,
			`UPDATE `+kind.Table()+` SET attempts = attempts + 1, finished_at = $1, error = $2
WHERE started_at IS NOT NULL AND finished_at IS NULL AND started_at < $3 AND attempts + 1 >= $4`,
			r.Now, crawler.ErrAttemptsExhausted.Error(), r.Before, r.MaxAttempts)
		if err != nil {
			return fail(fmt.Errorf("abandon stale %s: %w", kind, err))
		}
		abandoned = tag.RowsAffected()
	}
	tag, err := tx.Exec(ctx,
		`UPDATE `+kind.Table()+` SET started_at = NULL, attempts = attempts + 1
WHERE started_at IS NOT NULL AND finished_at IS NULL AND started_at < $1`, r.Before)
	if err != nil {
		return fail(fmt.Errorf("release stale %s: %w", kind, err))
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("commit release stale %s: %w", kind, err)
	}
	return tag.RowsAffected(), abandoned, nil
}

// Stats counts rows in every management table.
func (s *Store) Stats(ctx context.Context) (crawler.Stats, error) {
	var st crawler.Stats
	err := s.pool.QueryRow(ctx,
		`SELECT (SELECT COUNT(*) FROM urls), (SELECT COUNT(*) FROM resources), (SELECT COUNT(*) FROM tasks)`,
	).Scan(&st.URLs, &st.Resources, &st.Tasks)
	if err != nil {
		return crawler.Stats{}, fmt.Errorf("count manager tables: %w", err)
	}
	if st.Downloads, err = s.queueStats(ctx, crawler.DownloadQueue); err != nil {
		return crawler.Stats{}, err
	}
	if st.Schedules, err = s.queueStats(ctx, crawler.ScheduleQueue); err != nil {
		return crawler.Stats{}, err
	}
	return st, nil
}

func (s *Store) queueStats(ctx context.Context, kind crawler.QueueKind) (crawler.QueueStats, error) {
	var qs crawler.QueueStats
	err := s.pool.QueryRow(ctx, `SELECT
	COUNT(*) FILTER (WHERE started_at IS NULL),
	COUNT(*) FILTER (WHERE started_at IS NOT NULL AND finished_at IS NULL),
	COUNT(*) FILTER (WHERE finished_at IS NOT NULL),
	COUNT(*) FILTER (WHERE finished_at IS NOT NULL AND error <> '')
FROM `+kind.Table()).Scan(&qs.Pending, &qs.InFlight, &qs.Finished, &qs.Failed)
	if err != nil {
		return crawler.QueueStats{}, fmt.Errorf("count %s: %w", kind.Table(), err)
	}
	return qs, nil
}
