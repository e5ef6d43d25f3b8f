package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/recoverable-crawler/internal/crawler"
)

func TestStoreMaterializeIdempotent(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	id1, created, err := s.Materialize(ctx, crawler.Link{URL: "https://example.com/"})
	require.NoError(t, err)
	require.True(t, created)
	id2, created, err := s.Materialize(ctx, crawler.Link{URL: "https://example.com/"})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, id1, id2)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), st.URLs)
	require.Equal(t, int64(1), st.Resources)
}

func TestStoreClaimOrderAndExclusivity(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	for i := 0; i < 40; i++ {
		_, err := s.Enqueue(ctx, crawler.DownloadQueue, crawler.Item{ResourceID: int64(i + 1), Priority: i % 4})
		require.NoError(t, err)
	}

	first, err := s.Claim(ctx, crawler.DownloadQueue, time.Now())
	require.NoError(t, err)
	require.Equal(t, 3, first.Priority)
	require.Equal(t, int64(4), first.ID)

	var (
		mu   sync.Mutex
		seen = map[int64]int{first.ID: 1}
		wg   sync.WaitGroup
	)
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				it, err := s.Claim(ctx, crawler.DownloadQueue, time.Now())
				if err != nil {
					return
				}
				mu.Lock()
				seen[it.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, 40)
	for _, n := range seen {
		require.Equal(t, 1, n)
	}
}

func TestStoreRetryAndStale(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	now := time.Unix(100, 0)
	id, err := s.Enqueue(ctx, crawler.ScheduleQueue, crawler.Item{ResourceID: 1, TaskID: 1})
	require.NoError(t, err)
	_, err = s.Claim(ctx, crawler.ScheduleQueue, now)
	require.NoError(t, err)

	require.NoError(t, s.Retry(ctx, crawler.ScheduleQueue, id, now.Add(time.Minute), "boom"))
	_, err = s.Claim(ctx, crawler.ScheduleQueue, now)
	require.ErrorIs(t, err, crawler.ErrNoItem)

	_, err = s.Claim(ctx, crawler.ScheduleQueue, now.Add(time.Minute))
	require.NoError(t, err)
	n, abandoned, err := s.ReleaseStale(ctx, crawler.ScheduleQueue, crawler.StaleRelease{Before: now.Add(time.Hour)})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	require.Zero(t, abandoned)

	items := s.Items(crawler.ScheduleQueue)
	require.Len(t, items, 1)
	require.Equal(t, 2, items[0].Attempts)

	require.NoError(t, s.Finish(ctx, crawler.ScheduleQueue, id, now, "failed"))
	require.ErrorIs(t, s.Retry(ctx, crawler.ScheduleQueue, id, now, ""), crawler.ErrMissingReference)
	st, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, crawler.QueueStats{Finished: 1, Failed: 1}, st.Schedules)
}

func TestStoreReleaseStaleAbandonsLastAttempt(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	now := time.Unix(100, 0)
	release := crawler.StaleRelease{Before: now.Add(time.Hour), Now: now.Add(time.Hour), MaxAttempts: 2}

	id, err := s.Enqueue(ctx, crawler.DownloadQueue, crawler.Item{ResourceID: 1, TaskID: 1})
	require.NoError(t, err)

	_, err = s.Claim(ctx, crawler.DownloadQueue, now)
	require.NoError(t, err)
	released, abandoned, err := s.ReleaseStale(ctx, crawler.DownloadQueue, release)
	require.NoError(t, err)
	require.Equal(t, int64(1), released)
	require.Zero(t, abandoned)

	_, err = s.Claim(ctx, crawler.DownloadQueue, now)
	require.NoError(t, err)
	released, abandoned, err = s.ReleaseStale(ctx, crawler.DownloadQueue, release)
	require.NoError(t, err)
	require.Zero(t, released)
	require.Equal(t, int64(1), abandoned)

	items := s.Items(crawler.DownloadQueue)
	require.Equal(t, id, items[0].ID)
	require.Equal(t, 2, items[0].Attempts)
	require.Equal(t, crawler.ErrAttemptsExhausted.Error(), items[0].Error)
	require.NotNil(t, items[0].FinishedAt)
	_, err = s.Claim(ctx, crawler.DownloadQueue, now)
	require.ErrorIs(t, err, crawler.ErrNoItem)
}

func TestStoreMaterializeAndEnqueue(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	link := crawler.Link{URL: "https://example.com/"}

	id, queued, err := s.MaterializeAndEnqueue(ctx, link, crawler.Item{TaskID: 1, Priority: 4})
	require.NoError(t, err)
	require.True(t, queued)
	_, queued, err = s.MaterializeAndEnqueue(ctx, link, crawler.Item{TaskID: 1})
	require.NoError(t, err)
	require.False(t, queued)
	_, queued, err = s.MaterializeAndEnqueue(ctx, link, crawler.Item{TaskID: 2})
	require.NoError(t, err)
	require.True(t, queued)

	items := s.Items(crawler.DownloadQueue)
	require.Len(t, items, 2)
	require.Equal(t, id, items[0].ResourceID)
	require.Equal(t, 4, items[0].Priority)
}

func TestStoreCompleteDownload(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	now := time.Unix(100, 0)

	resID, _, err := s.MaterializeAndEnqueue(ctx, crawler.Link{URL: "https://example.com/"}, crawler.Item{TaskID: 1})
	require.NoError(t, err)
	item, err := s.Claim(ctx, crawler.DownloadQueue, now)
	require.NoError(t, err)

	_, err = s.CompleteDownload(ctx, item.ID, 3, now, crawler.Item{ResourceID: 99, TaskID: 1})
	require.ErrorIs(t, err, crawler.ErrMissingReference)
	require.Empty(t, s.Items(crawler.ScheduleQueue))
	require.Nil(t, s.Items(crawler.DownloadQueue)[0].FinishedAt)

	schedID, err := s.CompleteDownload(ctx, item.ID, 3, now, crawler.Item{ResourceID: resID, TaskID: 1})
	require.NoError(t, err)
	res, err := s.LookupResource(ctx, resID)
	require.NoError(t, err)
	require.Equal(t, int64(3), res.PageID)
	sched := s.Items(crawler.ScheduleQueue)
	require.Len(t, sched, 1)
	require.Equal(t, schedID, sched[0].ID)
	require.NotNil(t, s.Items(crawler.DownloadQueue)[0].FinishedAt)
}

func TestStoreLookupsAndReset(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	_, err := s.LookupTask(ctx, 1)
	require.ErrorIs(t, err, crawler.ErrMissingReference)
	_, err = s.LookupURL(ctx, 1)
	require.ErrorIs(t, err, crawler.ErrMissingReference)
	require.ErrorIs(t, s.SetResourcePage(ctx, 1, 1), crawler.ErrMissingReference)

	taskID, err := s.RegisterTask(ctx, "page", 2)
	require.NoError(t, err)
	again, err := s.RegisterTask(ctx, "page", 2)
	require.NoError(t, err)
	require.Equal(t, taskID, again)

	id, _, err := s.Materialize(ctx, crawler.Link{URL: "https://example.com/", Depth: 3})
	require.NoError(t, err)
	require.NoError(t, s.SetResourcePage(ctx, id, 5))
	require.NoError(t, s.SetResourcePage(ctx, id, 6))
	res, err := s.LookupResource(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(5), res.PageID)

	require.NoError(t, s.Reset(ctx))
	st, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, crawler.Stats{}, st)
}

func TestPageStore(t *testing.T) {
	t.Parallel()

	ps := NewPageStore()
	ctx := context.Background()
	content := []byte{1, 2, 3}
	id, err := ps.PutPage(ctx, content, time.Unix(1, 0))
	require.NoError(t, err)
	content[0] = 9

	page, err := ps.GetPage(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, page.Content)

	n, err := ps.CountPages(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	require.NoError(t, ps.Reset(ctx))
	_, err = ps.GetPage(ctx, id)
	require.ErrorIs(t, err, crawler.ErrMissingReference)
}
