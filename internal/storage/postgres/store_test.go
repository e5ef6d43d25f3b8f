package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/recoverable-crawler/internal/crawler"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func TestNewStoreWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewStoreWithPool(nil)
	require.Error(t, err)
	_, err = NewPageStoreWithPool(nil)
	require.Error(t, err)
}

func TestMaterializeCreatesResource(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	link := crawler.Link{URL: "https://example.com/", Referer: "", Depth: 2}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO urls").
		WithArgs(link.URL, link.Referer, link.Depth).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT id FROM urls").
		WithArgs(link.URL).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(11)))
	mock.ExpectQuery("INSERT INTO resources").
		WithArgs(int64(11)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectCommit()

	id, created, err := store.Materialize(context.Background(), link)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, int64(7), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMaterializeFindsExistingResource(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	link := crawler.Link{URL: "https://example.com/"}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO urls").
		WithArgs(link.URL, link.Referer, link.Depth).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("SELECT id FROM urls").
		WithArgs(link.URL).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(11)))
	mock.ExpectQuery("INSERT INTO resources").
		WithArgs(int64(11)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT id FROM resources").
		WithArgs(int64(11)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectCommit()

	id, created, err := store.Materialize(context.Background(), link)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, int64(7), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMaterializeRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	link := crawler.Link{URL: "https://example.com/"}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO urls").
		WithArgs(link.URL, link.Referer, link.Depth).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	id, created, err := store.Materialize(context.Background(), link)
	require.ErrorContains(t, err, "disk full")
	require.Zero(t, id)
	require.False(t, created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimReturnsItem(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	started := now

	mock.ExpectQuery("UPDATE downloads SET started_at").
		WithArgs(now).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "resource_id", "task_id", "priority", "state", "attempts",
			"not_before", "started_at", "finished_at", "error",
		}).AddRow(int64(3), int64(9), int64(1), 5, 0, 1, (*time.Time)(nil), &started, (*time.Time)(nil), "timeout"))

	item, err := store.Claim(context.Background(), crawler.DownloadQueue, now)
	require.NoError(t, err)
	require.Equal(t, int64(3), item.ID)
	require.Equal(t, int64(9), item.ResourceID)
	require.Equal(t, 5, item.Priority)
	require.Equal(t, 1, item.Attempts)
	require.NotNil(t, item.StartedAt)
	require.Nil(t, item.FinishedAt)
	require.Equal(t, "timeout", item.Error)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimEmptyQueue(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("UPDATE schedules SET started_at").
		WithArgs(now).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	_, err := store.Claim(context.Background(), crawler.ScheduleQueue, now)
	require.ErrorIs(t, err, crawler.ErrNoItem)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishRetryRelease(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("UPDATE downloads SET finished_at").
		WithArgs(now, "", int64(4)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE schedules SET finished_at").
		WithArgs(now, "boom", int64(5)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec("UPDATE downloads SET started_at = NULL, attempts = attempts").
		WithArgs(now, "timeout", int64(4)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE downloads SET started_at = NULL, attempts = attempts").
		WithArgs(now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))
	mock.ExpectCommit()

	require.NoError(t, store.Finish(ctx, crawler.DownloadQueue, 4, now, ""))
	require.ErrorIs(t, store.Finish(ctx, crawler.ScheduleQueue, 5, now, "boom"), crawler.ErrMissingReference)
	require.NoError(t, store.Retry(ctx, crawler.DownloadQueue, 4, now, "timeout"))
	released, abandoned, err := store.ReleaseStale(ctx, crawler.DownloadQueue, crawler.StaleRelease{Before: now, Now: now})
	require.NoError(t, err)
	require.Equal(t, int64(3), released)
	require.Zero(t, abandoned)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseStaleAbandonsExhaustedItems(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	before := time.Unix(1700000000, 0).UTC()
	now := before.Add(time.Minute)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE schedules SET attempts = attempts \\+ 1, finished_at").
		WithArgs(now, crawler.ErrAttemptsExhausted.Error(), before, 3).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE schedules SET started_at = NULL").
		WithArgs(before).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectCommit()

	released, abandoned, err := store.ReleaseStale(context.Background(), crawler.ScheduleQueue,
		crawler.StaleRelease{Before: before, Now: now, MaxAttempts: 3})
	require.NoError(t, err)
	require.Equal(t, int64(2), released)
	require.Equal(t, int64(1), abandoned)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseStaleRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE downloads SET attempts").
		WithArgs(now, crawler.ErrAttemptsExhausted.Error(), now, 2).
		WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	_, _, err := store.ReleaseStale(context.Background(), crawler.DownloadQueue,
		crawler.StaleRelease{Before: now, Now: now, MaxAttempts: 2})
	require.ErrorContains(t, err, "deadlock detected")
	require.NoError(t, mock.ExpectationsWereMet())
}

func expectMaterialize(mock pgxmock.PgxPoolIface, link crawler.Link, urlID, resourceID int64) {
	mock.ExpectExec("INSERT INTO urls").
		WithArgs(link.URL, link.Referer, link.Depth).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT id FROM urls").
		WithArgs(link.URL).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(urlID))
	mock.ExpectQuery("INSERT INTO resources").
		WithArgs(urlID).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(resourceID))
}

func TestMaterializeAndEnqueueQueuesDownload(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	link := crawler.Link{URL: "https://example.com/a", Depth: 1}

	mock.ExpectBegin()
	expectMaterialize(mock, link, 11, 7)
	mock.ExpectQuery("INSERT INTO downloads").
		WithArgs(int64(7), int64(2), 4, 0, (*time.Time)(nil)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(30)))
	mock.ExpectCommit()

	id, queued, err := store.MaterializeAndEnqueue(context.Background(), link, crawler.Item{TaskID: 2, Priority: 4})
	require.NoError(t, err)
	require.True(t, queued)
	require.Equal(t, int64(7), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMaterializeAndEnqueueSkipsExistingDownload(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	link := crawler.Link{URL: "https://example.com/a"}

	mock.ExpectBegin()
	expectMaterialize(mock, link, 11, 7)
	mock.ExpectQuery("INSERT INTO downloads").
		WithArgs(int64(7), int64(2), 0, 0, (*time.Time)(nil)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	id, queued, err := store.MaterializeAndEnqueue(context.Background(), link, crawler.Item{TaskID: 2})
	require.NoError(t, err)
	require.False(t, queued)
	require.Equal(t, int64(7), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMaterializeAndEnqueueRollsBackWhenEnqueueFails(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	link := crawler.Link{URL: "https://example.com/a"}

	mock.ExpectBegin()
	expectMaterialize(mock, link, 11, 7)
	mock.ExpectQuery("INSERT INTO downloads").
		WithArgs(int64(7), int64(2), 0, 0, (*time.Time)(nil)).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	id, queued, err := store.MaterializeAndEnqueue(context.Background(), link, crawler.Item{TaskID: 2})
	require.ErrorContains(t, err, "connection reset")
	require.False(t, queued)
	require.Zero(t, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteDownloadIsOneTransaction(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	next := crawler.Item{ResourceID: 7, TaskID: 2, Priority: 1}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE resources SET page_id").
		WithArgs(int64(9), int64(7)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE downloads SET finished_at").
		WithArgs(now, "", int64(30)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery("INSERT INTO schedules").
		WithArgs(int64(7), int64(2), 1, 0, (*time.Time)(nil)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(40)))
	mock.ExpectCommit()

	id, err := store.CompleteDownload(context.Background(), 30, 9, now, next)
	require.NoError(t, err)
	require.Equal(t, int64(40), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteDownloadRollsBackWhenScheduleFails(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	next := crawler.Item{ResourceID: 7, TaskID: 2}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE downloads SET finished_at").
		WithArgs(now, "", int64(30)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery("INSERT INTO schedules").
		WithArgs(int64(7), int64(2), 0, 0, (*time.Time)(nil)).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := store.CompleteDownload(context.Background(), 30, 0, now, next)
	require.ErrorContains(t, err, "connection reset")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterTaskAndLookup(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery("INSERT INTO tasks").
		WithArgs("page", 1).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(2)))
	mock.ExpectQuery("SELECT name, level FROM tasks").
		WithArgs(int64(2)).
		WillReturnRows(pgxmock.NewRows([]string{"name", "level"}).AddRow("page", 1))
	mock.ExpectQuery("SELECT name, level FROM tasks").
		WithArgs(int64(3)).
		WillReturnRows(pgxmock.NewRows([]string{"name", "level"}))

	id, err := store.RegisterTask(ctx, "page", 1)
	require.NoError(t, err)
	require.Equal(t, int64(2), id)

	task, err := store.LookupTask(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, crawler.Task{ID: 2, Name: "page", Level: 1}, task)

	_, err = store.LookupTask(ctx, 3)
	require.ErrorIs(t, err, crawler.ErrMissingReference)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetResourcePageOnlyOnce(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec("UPDATE resources SET page_id").
		WithArgs(int64(8), int64(1)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT url_id, page_id FROM resources").
		WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{"url_id", "page_id"}).AddRow(int64(1), int64(7)))

	require.NoError(t, store.SetResourcePage(ctx, 1, 8))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueAndStats(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery("INSERT INTO schedules").
		WithArgs(int64(1), int64(2), 3, 0, (*time.Time)(nil)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(12)))
	mock.ExpectQuery("SELECT \\(SELECT COUNT").
		WillReturnRows(pgxmock.NewRows([]string{"urls", "resources", "tasks"}).AddRow(int64(3), int64(3), int64(1)))
	mock.ExpectQuery("FROM downloads").
		WillReturnRows(pgxmock.NewRows([]string{"p", "i", "f", "x"}).AddRow(int64(2), int64(0), int64(1), int64(0)))
	mock.ExpectQuery("FROM schedules").
		WillReturnRows(pgxmock.NewRows([]string{"p", "i", "f", "x"}).AddRow(int64(0), int64(0), int64(1), int64(0)))

	id, err := store.Enqueue(ctx, crawler.ScheduleQueue, crawler.Item{ResourceID: 1, TaskID: 2, Priority: 3})
	require.NoError(t, err)
	require.Equal(t, int64(12), id)

	st, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, crawler.Stats{
		URLs: 3, Resources: 3, Tasks: 1,
		Downloads: crawler.QueueStats{Pending: 2, Finished: 1},
		Schedules: crawler.QueueStats{Finished: 1},
	}, st)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResetDropsAndRecreates(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	for range dropManager {
		mock.ExpectExec("DROP TABLE IF EXISTS").WillReturnResult(pgxmock.NewResult("DROP", 0))
	}
	for range managerSchema {
		mock.ExpectExec("CREATE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}
	require.NoError(t, store.Reset(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPageStorePutAndGet(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store, err := NewPageStoreWithPool(mock)
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()
	content := []byte{0x78, 0x9c, 0x01}

	mock.ExpectQuery("INSERT INTO pages").
		WithArgs(content, now).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectQuery("SELECT content, updated_at FROM pages").
		WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{"content", "updated_at"}).AddRow(content, now))
	mock.ExpectQuery("SELECT content, updated_at FROM pages").
		WithArgs(int64(2)).
		WillReturnRows(pgxmock.NewRows([]string{"content", "updated_at"}))

	id, err := store.PutPage(ctx, content, now)
	require.NoError(t, err)
	require.Equal(t, int64(1), id)

	page, err := store.GetPage(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, content, page.Content)
	require.True(t, page.UpdatedAt.Equal(now))

	_, err = store.GetPage(ctx, 2)
	require.ErrorIs(t, err, crawler.ErrMissingReference)
	require.NoError(t, mock.ExpectationsWereMet())
}
