package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/recoverable-crawler/internal/crawler"
	"github.com/JakeFAU/recoverable-crawler/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type stubStats struct {
	stats crawler.Stats
	err   error
}

func (s stubStats) Stats(context.Context) (crawler.Stats, error) { return s.stats, s.err }

func TestFinalizeWritesSnapshot(t *testing.T) {
	t.Parallel()
	blobs := memory.NewBlobStore()
	graph := crawler.NewVisitedGraph()
	graph.AddEdge("http://a.test/", "http://a.test/b")
	now := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	stats := stubStats{stats: crawler.Stats{URLs: 2, Pages: 1}}

	h := New(stats, memory.NewStore(), graph, blobs, fixedClock{now}, Config{Prefix: "/ckpt/", RunID: "run-9"}, zap.NewNop())
	require.NoError(t, h.Finalize(context.Background()))
	require.NoError(t, h.Finalize(context.Background()))

	require.Equal(t, []string{
		"ckpt/run-9/000001-20240501T123000Z.json",
		"ckpt/run-9/000002-20240501T123000Z.json",
	}, blobs.Paths())
	require.Equal(t, "memory://ckpt/run-9/000002-20240501T123000Z.json", h.LastURI())

	raw, ok := blobs.Object("ckpt/run-9/000001-20240501T123000Z.json")
	require.True(t, ok)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	require.Equal(t, "run-9", snap.RunID)
	require.EqualValues(t, 2, snap.Stats.URLs)
	require.NotNil(t, snap.Graph)
	require.Len(t, snap.Graph.Nodes, 2)
	require.Equal(t, 1, snap.Graph.Edges[0].Count)
}

func TestFinalizeWithoutBlobStore(t *testing.T) {
	t.Parallel()
	h := New(stubStats{}, memory.NewStore(), nil, nil, fixedClock{time.Now()}, Config{}, nil)
	require.NoError(t, h.Finalize(context.Background()))
	require.Empty(t, h.LastURI())
}

func TestFinalizeStatsError(t *testing.T) {
	t.Parallel()
	h := New(stubStats{err: errors.New("db gone")}, memory.NewStore(), nil, memory.NewBlobStore(), fixedClock{time.Now()}, Config{}, nil)
	require.ErrorContains(t, h.Finalize(context.Background()), "db gone")
}

func TestInitializeReleasesStaleClaims(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	start := time.Unix(1_000, 0)
	for _, kind := range []crawler.QueueKind{crawler.DownloadQueue, crawler.ScheduleQueue} {
		_, err := store.Enqueue(ctx, kind, crawler.Item{ResourceID: 1, TaskID: 1})
		require.NoError(t, err)
		_, err = store.Enqueue(ctx, kind, crawler.Item{ResourceID: 2, TaskID: 1})
		require.NoError(t, err)
		_, err = store.Claim(ctx, kind, start)
		require.NoError(t, err)
		_, err = store.Claim(ctx, kind, start.Add(10*time.Minute))
		require.NoError(t, err)
	}

	h := New(stubStats{}, store, nil, nil, fixedClock{start.Add(12 * time.Minute)}, Config{ClaimTimeout: 5 * time.Minute}, nil)
	require.NoError(t, h.Initialize(ctx))

	for _, kind := range []crawler.QueueKind{crawler.DownloadQueue, crawler.ScheduleQueue} {
		items := store.Items(kind)
		require.Nil(t, items[0].StartedAt, "claim older than the timeout is released")
		require.Equal(t, 1, items[0].Attempts)
		require.NotNil(t, items[1].StartedAt, "recent claim is kept")
	}
}

func TestInitializeAbandonsItemsOutOfAttempts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	start := time.Unix(1_000, 0)
	_, err := store.Enqueue(ctx, crawler.ScheduleQueue, crawler.Item{ResourceID: 1, TaskID: 1})
	require.NoError(t, err)

	clock := fixedClock{start.Add(time.Hour)}
	h := New(stubStats{}, store, nil, nil, clock, Config{MaxAttempts: 3}, nil)
	for round := 0; round < 10; round++ {
		if _, err := store.Claim(ctx, crawler.ScheduleQueue, start); err != nil {
			require.ErrorIs(t, err, crawler.ErrNoItem)
			break
		}
		require.NoError(t, h.Initialize(ctx))
	}

	items := store.Items(crawler.ScheduleQueue)
	require.Equal(t, 3, items[0].Attempts)
	require.NotNil(t, items[0].FinishedAt)
	require.Equal(t, crawler.ErrAttemptsExhausted.Error(), items[0].Error)
	st, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, crawler.QueueStats{Finished: 1, Failed: 1}, st.Schedules)
}
