package catalog

import (
	"context"
	"sync"

	"github.com/streamcoord/coordinator/types"
)

// Static implements an item source with a fixed list of items.
type Static struct {
	mu    sync.RWMutex
	items []types.Item
}

var _ Source = (*Static)(nil)

// NewStatic creates a new static item source.
//
// The source returns a fixed list of items that never changes unless Update
// is called. Useful for testing and deployments where the catalog is known
// at startup.
//
// Parameters:
//   - items: Fixed list of items
//
// Returns:
//   - *Static: Initialized static source
//
// Example:
//
//	items := []types.Item{
//	    {ID: "1", Name: "stream-1", Locator: "rtmp://origin/stream-1"},
//	    {ID: "2", Name: "stream-2", Locator: "rtmp://origin/stream-2"},
//	}
//	src := catalog.NewStatic(items)
func NewStatic(items []types.Item) *Static {
	return &Static{items: items}
}

// ListItems returns the static list of items.
func (s *Static) ListItems(_ context.Context) ([]types.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]types.Item, len(s.items))
	copy(result, s.items)

	return result, nil
}

// Update replaces the item list.
//
// This allows the static source to simulate catalog changes, which is useful
// for testing pool refresh scenarios.
//
// Parameters:
//   - items: New list of items
func (s *Static) Update(items []types.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make([]types.Item, len(items))
	copy(s.items, items)
}
