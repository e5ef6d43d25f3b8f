package crawler

import (
	"context"
	"fmt"
)

// URLChecker answers persisted URL membership.
type URLChecker interface {
	HasURL(ctx context.Context, url string) (bool, error)
}

// StoreDeduper treats a URL as seen once the store has recorded it. The
// store's unique URL and download constraints settle races between workers.
type StoreDeduper struct {
	store URLChecker
}

// NewStoreDeduper wraps a store as a Deduper.
func NewStoreDeduper(store URLChecker) *StoreDeduper {
	return &StoreDeduper{store: store}
}

// Seen implements Deduper.
func (d *StoreDeduper) Seen(ctx context.Context, url string) (bool, error) {
	seen, err := d.store.HasURL(ctx, stripFragment(url))
	if err != nil {
		return false, fmt.Errorf("lookup url: %w", err)
	}
	return seen, nil
}

// Record is a no-op; the enqueue that preceded it already persisted the URL.
func (d *StoreDeduper) Record(context.Context, string, string) error {
	return nil
}
