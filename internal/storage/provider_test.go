package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/recoverable-crawler/internal/crawler"
	"github.com/JakeFAU/recoverable-crawler/internal/storage/local"
)

func TestOpenSQLite(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, pages, err := Open(context.Background(), Options{Driver: "sqlite", SQLiteDir: dir})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, store.Close())
		require.NoError(t, pages.Close())
	}()

	require.FileExists(t, filepath.Join(dir, "manager.db"))
	require.FileExists(t, filepath.Join(dir, "content.db"))

	_, created, err := store.Materialize(context.Background(), crawler.Link{URL: "https://example.com/"})
	require.NoError(t, err)
	require.True(t, created)
}

func TestOpenMemoryAndUnknown(t *testing.T) {
	t.Parallel()

	store, pages, err := Open(context.Background(), Options{Driver: "memory"})
	require.NoError(t, err)
	require.NotNil(t, store)
	require.NotNil(t, pages)

	_, _, err = Open(context.Background(), Options{Driver: "mongo"})
	require.ErrorContains(t, err, "unknown storage driver")

	_, _, err = Open(context.Background(), Options{Driver: "postgres"})
	require.ErrorContains(t, err, "dsn is required")
}

func TestOpenBlobStore(t *testing.T) {
	t.Parallel()

	blob, closeFn, err := OpenBlobStore(context.Background(), BlobOptions{Provider: "memory"})
	require.NoError(t, err)
	require.NotNil(t, blob)
	require.NoError(t, closeFn())

	blob, closeFn, err = OpenBlobStore(context.Background(), BlobOptions{
		Provider: "local",
		Local:    local.Config{BaseDir: t.TempDir()},
	})
	require.NoError(t, err)
	require.NotNil(t, blob)
	require.NoError(t, closeFn())

	_, _, err = OpenBlobStore(context.Background(), BlobOptions{Provider: "s3"})
	require.Error(t, err)
}
