package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/recoverable-crawler/internal/crawler"
)

// PageStore keeps compressed pages in memory.
type PageStore struct {
	mu    sync.RWMutex
	pages []crawler.Page
}

var _ crawler.PageStore = (*PageStore)(nil)

// NewPageStore creates an empty PageStore.
func NewPageStore() *PageStore {
	return &PageStore{}
}

// PutPage stores a copy of content.
func (s *PageStore) PutPage(_ context.Context, content []byte, updated time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := int64(len(s.pages) + 1)
	s.pages = append(s.pages, crawler.Page{ID: id, Content: append([]byte(nil), content...), UpdatedAt: updated})
	return id, nil
}

// GetPage loads a page by id.
func (s *PageStore) GetPage(_ context.Context, id int64) (crawler.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id < 1 || id > int64(len(s.pages)) {
		return crawler.Page{}, crawler.MissingReference("pages", id)
	}
	return s.pages[id-1], nil
}

// CountPages returns the number of stored pages.
func (s *PageStore) CountPages(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.pages)), nil
}

// Reset drops every page.
func (s *PageStore) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages = nil
	return nil
}

// Close is a no-op.
func (s *PageStore) Close() error {
	return nil
}
