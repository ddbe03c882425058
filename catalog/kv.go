package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/streamcoord/coordinator/types"
)

// KV implements an item source backed by a NATS JetStream KeyValue bucket.
//
// Keys are item ids; values are JSON documents carrying name and locator.
// The bucket is owned and written by an external catalog system; this source
// only reads it.
type KV struct {
	kv jetstream.KeyValue
}

var _ Source = (*KV)(nil)

// kvItem is the stored catalog document. The id lives in the key, not the value.
type kvItem struct {
	Name    string `json:"name"`
	Locator string `json:"locator"`
}

// NewKV creates an item source reading from the given KV bucket.
//
// Parameters:
//   - kv: Catalog bucket (read-only from the coordinator's perspective)
//
// Returns:
//   - *KV: Initialized source
func NewKV(kv jetstream.KeyValue) *KV {
	return &KV{kv: kv}
}

// ListItems reads every catalog entry from the bucket.
//
// Items are returned in ascending id order so callers see a stable,
// deterministic catalog.
func (s *KV) ListItems(ctx context.Context) ([]types.Item, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if types.IsNoKeysFoundError(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to list catalog keys: %w", err)
	}

	sort.Strings(keys)

	items := make([]types.Item, 0, len(keys))
	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to read catalog item %s: %w", key, err)
		}

		var doc kvItem
		if err := json.Unmarshal(entry.Value(), &doc); err != nil {
			return nil, fmt.Errorf("malformed catalog item %s: %w", key, err)
		}

		items = append(items, types.Item{ID: key, Name: doc.Name, Locator: doc.Locator})
	}

	return items, nil
}
