// Package catalog provides read-only access to the external item catalog.
//
// The coordinator never creates or mutates catalog entries; it only reads the
// identity set of items to distribute. Two sources are provided: Static for
// fixed fleets and tests, and KV for catalogs maintained in a NATS JetStream
// KeyValue bucket by an external system.
package catalog

import (
	"context"

	"github.com/streamcoord/coordinator/types"
)

// Source lists the items available for assignment.
//
// Implementations must be safe for concurrent use. Returning an empty list is
// valid: it simply means nothing can be assigned.
type Source interface {
	// ListItems returns the full catalog of items.
	//
	// Parameters:
	//   - ctx: Context for cancellation
	//
	// Returns:
	//   - []types.Item: All catalog items
	//   - error: Nil on success, store access error otherwise
	ListItems(ctx context.Context) ([]types.Item, error)
}
