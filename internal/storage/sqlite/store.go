package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/JakeFAU/recoverable-crawler/internal/crawler"
)

const managerSchema = `
CREATE TABLE IF NOT EXISTS urls (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	url TEXT NOT NULL UNIQUE,
	referer TEXT NOT NULL DEFAULT '',
	depth INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	level INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS resources (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	url_id INTEGER NOT NULL UNIQUE REFERENCES urls(id),
	page_id INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS downloads (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	resource_id INTEGER NOT NULL,
	task_id INTEGER NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	state INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	not_before INTEGER,
	started_at INTEGER,
	finished_at INTEGER,
	error TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_downloads_claim ON downloads(started_at, priority DESC, id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_downloads_resource_task ON downloads(resource_id, task_id);

CREATE TABLE IF NOT EXISTS schedules (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	resource_id INTEGER NOT NULL,
	task_id INTEGER NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	state INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	not_before INTEGER,
	started_at INTEGER,
	finished_at INTEGER,
	error TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_schedules_claim ON schedules(started_at, priority DESC, id);
`

var managerTables = []string{"downloads", "schedules", "resources", "tasks", "urls"}

const itemColumns = `id, resource_id, task_id, priority, state, attempts, not_before, started_at, finished_at, error`

// Store implements crawler.Store on manager.db.
type Store struct {
	db *sql.DB
}

var _ crawler.Store = (*Store)(nil)

// Open opens or creates manager.db under dir.
func Open(dir string) (*Store, error) {
	db, err := open(dir, managerFile)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.createTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, managerSchema); err != nil {
		return fmt.Errorf("create manager tables: %w", err)
	}
	return nil
}

// Reset drops and recreates every management table.
func (s *Store) Reset(ctx context.Context) error {
	for _, table := range managerTables {
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return fmt.Errorf("drop %s: %w", table, err)
		}
	}
	return s.createTables(ctx)
}

// Materialize looks up or inserts the URL and its resource in one transaction.
func (s *Store) Materialize(ctx context.Context, link crawler.Link) (int64, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin materialize: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	id, created, err := materialize(ctx, tx, link)
	if err != nil {
		return 0, false, err
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit materialize: %w", err)
	}
	return id, created, nil
}

// MaterializeAndEnqueue materializes the link and queues a download for
// item.TaskID unless one already exists, all in one transaction.
func (s *Store) MaterializeAndEnqueue(ctx context.Context, link crawler.Link, item crawler.Item) (int64, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin materialize: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	id, _, err := materialize(ctx, tx, link)
	if err != nil {
		return 0, false, err
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO downloads (resource_id, task_id, priority, state, not_before) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(resource_id, task_id) DO NOTHING`,
		id, item.TaskID, item.Priority, item.State, nullTime(item.NotBefore),
	)
	if err != nil {
		return 0, false, fmt.Errorf("enqueue download: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("enqueue download: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit materialize: %w", err)
	}
	return id, affected == 1, nil
}

func materialize(ctx context.Context, tx *sql.Tx, link crawler.Link) (int64, bool, error) {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO urls (url, referer, depth) VALUES (?, ?, ?) ON CONFLICT(url) DO NOTHING`,
		link.URL, link.Referer, link.Depth,
	); err != nil {
		return 0, false, fmt.Errorf("insert url: %w", err)
	}
	var urlID int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM urls WHERE url = ?`, link.URL).Scan(&urlID); err != nil {
		return 0, false, fmt.Errorf("select url: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO resources (url_id, page_id) VALUES (?, 0) ON CONFLICT(url_id) DO NOTHING`, urlID)
	if err != nil {
		return 0, false, fmt.Errorf("insert resource: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("insert resource: %w", err)
	}
	var resourceID int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM resources WHERE url_id = ?`, urlID).Scan(&resourceID); err != nil {
		return 0, false, fmt.Errorf("select resource: %w", err)
	}
	return resourceID, affected == 1, nil
}

// HasURL reports whether the normalized URL is recorded.
func (s *Store) HasURL(ctx context.Context, url string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM urls WHERE url = ?`, url).Scan(&one)
	if isNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup url: %w", err)
	}
	return true, nil
}

// RegisterTask inserts the task if it is new and returns its id.
func (s *Store) RegisterTask(ctx context.Context, name string, level int) (int64, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (name, level) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`, name, level,
	); err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM tasks WHERE name = ?`, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("select task: %w", err)
	}
	return id, nil
}

// LookupTask loads a task by id.
func (s *Store) LookupTask(ctx context.Context, id int64) (crawler.Task, error) {
	t := crawler.Task{ID: id}
	err := s.db.QueryRowContext(ctx, `SELECT name, level FROM tasks WHERE id = ?`, id).Scan(&t.Name, &t.Level)
	if isNoRows(err) {
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
	err := s.db.QueryRowContext(ctx, `SELECT url_id, page_id FROM resources WHERE id = ?`, id).Scan(&r.URLID, &r.PageID)
	if isNoRows(err) {
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
	err := s.db.QueryRowContext(ctx, `SELECT url, referer, depth FROM urls WHERE id = ?`, id).
		Scan(&u.URL, &u.Referer, &u.Depth)
	if isNoRows(err) {
		return crawler.URLRecord{}, crawler.MissingReference("urls", id)
	}
	if err != nil {
		return crawler.URLRecord{}, fmt.Errorf("select url: %w", err)
	}
	return u, nil
}

// SetResourcePage records pageID unless the resource already has a page.
func (s *Store) SetResourcePage(ctx context.Context, resourceID, pageID int64) error {
	return setResourcePage(ctx, s.db, resourceID, pageID)
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func setResourcePage(ctx context.Context, db execQuerier, resourceID, pageID int64) error {
	res, err := db.ExecContext(ctx,
		`UPDATE resources SET page_id = ? WHERE id = ? AND page_id = 0`, pageID, resourceID)
	if err != nil {
		return fmt.Errorf("update resource page: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var one int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM resources WHERE id = ?`, resourceID).Scan(&one)
		if isNoRows(err) {
			return crawler.MissingReference("resources", resourceID)
		}
		if err != nil {
			return fmt.Errorf("select resource: %w", err)
		}
	}
	return nil
}

// Enqueue appends an item to the queue.
func (s *Store) Enqueue(ctx context.Context, kind crawler.QueueKind, item crawler.Item) (int64, error) {
	return enqueue(ctx, s.db, kind, item)
}

func enqueue(ctx context.Context, db execQuerier, kind crawler.QueueKind, item crawler.Item) (int64, error) {
	res, err := db.ExecContext(ctx,
		`INSERT INTO `+kind.Table()+` (resource_id, task_id, priority, state, not_before) VALUES (?, ?, ?, ?, ?)`,
		item.ResourceID, item.TaskID, item.Priority, item.State, nullTime(item.NotBefore),
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", kind, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", kind, err)
	}
	return id, nil
}

// Claim marks the highest-priority eligible item started in a single
// UPDATE ... RETURNING statement, so no two callers receive the same row.
func (s *Store) Claim(ctx context.Context, kind crawler.QueueKind, now time.Time) (crawler.Item, error) {
	table := kind.Table()
	query := `UPDATE ` + table + ` SET started_at = ?
WHERE started_at IS NULL AND id = (
	SELECT id FROM ` + table + `
	WHERE started_at IS NULL AND (not_before IS NULL OR not_before <= ?)
	ORDER BY priority DESC, id ASC
	LIMIT 1
)
RETURNING ` + itemColumns
	item, err := scanItem(s.db.QueryRowContext(ctx, query, nanos(now), nanos(now)))
	if isNoRows(err) {
		return crawler.Item{}, crawler.ErrNoItem
	}
	if err != nil {
		return crawler.Item{}, fmt.Errorf("claim %s: %w", kind, err)
	}
	return item, nil
}

// Finish marks an item completed, recording errText if it failed.
func (s *Store) Finish(ctx context.Context, kind crawler.QueueKind, id int64, now time.Time, errText string) error {
	return finish(ctx, s.db, kind, id, now, errText)
}

func finish(ctx context.Context, db execQuerier, kind crawler.QueueKind, id int64, now time.Time, errText string) error {
	res, err := db.ExecContext(ctx,
		`UPDATE `+kind.Table()+` SET finished_at = ?, error = ? WHERE id = ?`, nanos(now), errText, id)
	if err != nil {
		return fmt.Errorf("finish %s: %w", kind, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return crawler.MissingReference(kind.Table(), id)
	}
	return nil
}

// CompleteDownload records the page, finishes the download and queues the
// schedule item in one transaction.
func (s *Store) CompleteDownload(ctx context.Context, id, pageID int64, now time.Time, next crawler.Item) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin complete download: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if pageID > 0 {
		if err := setResourcePage(ctx, tx, next.ResourceID, pageID); err != nil {
			return 0, err
		}
	}
	if err := finish(ctx, tx, crawler.DownloadQueue, id, now, ""); err != nil {
		return 0, err
	}
	scheduleID, err := enqueue(ctx, tx, crawler.ScheduleQueue, next)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit complete download: %w", err)
	}
	return scheduleID, nil
}

// Retry unclaims an unfinished item and counts the failed attempt.
func (s *Store) Retry(ctx context.Context, kind crawler.QueueKind, id int64, notBefore time.Time, errText string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+kind.Table()+` SET started_at = NULL, attempts = attempts + 1, not_before = ?, error = ?
WHERE id = ? AND finished_at IS NULL`, nanos(notBefore), errText, id)
	if err != nil {
		return fmt.Errorf("retry %s: %w", kind, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return crawler.MissingReference(kind.Table(), id)
	}
	return nil
}

// ReleaseStale unclaims items started before r.Before that never finished.
// Items out of attempts are finished with ErrAttemptsExhausted instead.
func (s *Store) ReleaseStale(ctx context.Context, kind crawler.QueueKind, r crawler.StaleRelease) (int64, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin release stale %s: %w", kind, err)
	}
	defer func() { _ = tx.Rollback() }()

	const stale = ` WHERE started_at IS NOT NULL AND finished_at IS NULL AND started_at < ?`
	var abandoned int64
	if r.MaxAttempts > 0 {
		res, err := tx.ExecContext(ctx,
			`UPDATE `+kind.Table()+` SET attempts = attempts + 1, finished_at = ?, error = ?`+stale+` AND attempts + 1 >= ?`,
			nanos(r.Now), crawler.ErrAttemptsExhausted.Error(), nanos(r.Before), r.MaxAttempts)
		if err != nil {
			return 0, 0, fmt.Errorf("abandon stale %s: %w", kind, err)
		}
		if abandoned, err = res.RowsAffected(); err != nil {
			return 0, 0, fmt.Errorf("abandon stale %s: %w", kind, err)
		}
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE `+kind.Table()+` SET started_at = NULL, attempts = attempts + 1`+stale, nanos(r.Before))
	if err != nil {
		return 0, 0, fmt.Errorf("release stale %s: %w", kind, err)
	}
	released, err := res.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("release stale %s: %w", kind, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit release stale %s: %w", kind, err)
	}
	return released, abandoned, nil
}

// Stats counts rows in every management table.
func (s *Store) Stats(ctx context.Context) (crawler.Stats, error) {
	var st crawler.Stats
	counts := []struct {
		table string
		dst   *int64
	}{
		{"urls", &st.URLs},
		{"resources", &st.Resources},
		{"tasks", &st.Tasks},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+c.table).Scan(c.dst); err != nil {
			return crawler.Stats{}, fmt.Errorf("count %s: %w", c.table, err)
		}
	}
	var err error
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
	err := s.db.QueryRowContext(ctx, `SELECT
	COALESCE(SUM(CASE WHEN started_at IS NULL THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN started_at IS NOT NULL AND finished_at IS NULL THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN finished_at IS NOT NULL THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN finished_at IS NOT NULL AND error <> '' THEN 1 ELSE 0 END), 0)
FROM `+kind.Table()).Scan(&qs.Pending, &qs.InFlight, &qs.Finished, &qs.Failed)
	if err != nil {
		return crawler.QueueStats{}, fmt.Errorf("count %s: %w", kind.Table(), err)
	}
	return qs, nil
}

func scanItem(row *sql.Row) (crawler.Item, error) {
	var item crawler.Item
	var notBefore, started, finished sql.NullInt64
	if err := row.Scan(
		&item.ID, &item.ResourceID, &item.TaskID, &item.Priority, &item.State, &item.Attempts,
		&notBefore, &started, &finished, &item.Error,
	); err != nil {
		return crawler.Item{}, err
	}
	item.NotBefore = timePtr(notBefore)
	item.StartedAt = timePtr(started)
	item.FinishedAt = timePtr(finished)
	return item, nil
}
