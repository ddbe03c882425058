// Package ledger implements the authoritative assignment store mapping items
// to owning instances.
//
// Assignments live in a KV bucket keyed by item id, so the store can never
// hold two rows for one item. Ownership changes are release-then-create:
// the released row is overwritten in place with status "released" and the
// bucket's per-key revision history preserves the audit trail. Every grant
// goes through the lease manager first - the ledger only records ownership
// the lock manager has already serialized.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/streamcoord/coordinator/catalog"
	"github.com/streamcoord/coordinator/internal/lock"
	"github.com/streamcoord/coordinator/internal/logging"
	"github.com/streamcoord/coordinator/internal/metrics"
	"github.com/streamcoord/coordinator/internal/retry"
	"github.com/streamcoord/coordinator/types"
)

// Store owns the assignment bucket.
type Store struct {
	kv     jetstream.KeyValue
	exec   *retry.Executor
	locks  *lock.Manager
	source catalog.Source

	// prune controls released-row handling: false (default) keeps released
	// rows for audit history, true hard-deletes them.
	prune bool

	logger  types.Logger
	metrics types.MetricsCollector
}

// New creates an assignment store.
//
// Parameters:
//   - kv: Assignment bucket (one key per item)
//   - exec: Resilient executor wrapping every KV call
//   - locks: Lease manager; every grant is serialized through it
//   - source: Read-only item catalog
//   - pruneReleased: Hard-delete released rows instead of retaining them
//   - logger: Logger (nil for no-op)
//   - collector: Metrics collector (nil for no-op)
func New(kv jetstream.KeyValue, exec *retry.Executor, locks *lock.Manager, source catalog.Source, pruneReleased bool, logger types.Logger, collector types.MetricsCollector) *Store {
	if logger == nil {
		logger = logging.NewNop()
	}
	if collector == nil {
		collector = metrics.NewNop()
	}

	return &Store{kv: kv, exec: exec, locks: locks, source: source, prune: pruneReleased, logger: logger, metrics: collector}
}

// RequestBatch grants up to requested items to an instance.
//
// The batch is truncated to min(requested, capacity - active count); zero
// availability returns an empty list, not an error - capacity exhaustion is a
// normal condition. Candidates are the catalog items with no live lease and
// no active row, tried in ascending id order so outcomes are reproducible.
// Lease contention on a candidate is a normal branch: the item is skipped and
// the next one tried. Ties between concurrently requesting instances are
// resolved by lease-acquisition order, never by request arrival order.
//
// Parameters:
//   - ctx: Context for cancellation
//   - serverID: Requesting instance
//   - requested: Number of items asked for
//   - capacity: The instance's capacity (from the registry)
//
// Returns:
//   - []string: Item ids actually granted (may be fewer than requested)
//   - error: Store failure; the granted list is valid even on error
func (s *Store) RequestBatch(ctx context.Context, serverID string, requested, capacity int) ([]string, error) {
	if requested <= 0 {
		return nil, nil
	}

	activeCount, err := s.ActiveCountFor(ctx, serverID)
	if err != nil {
		return nil, err
	}

	available := min(requested, capacity-activeCount)
	if available <= 0 {
		return nil, nil
	}

	items, err := s.source.ListItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list catalog items: %w", err)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })

	live, err := s.locks.LiveLeases(ctx)
	if err != nil {
		return nil, err
	}

	actives, err := s.ActiveAssignments(ctx)
	if err != nil {
		return nil, err
	}

	granted := make([]string, 0, available)
	for _, item := range items {
		if len(granted) == available {
			break
		}
		if _, held := live[item.ID]; held {
			continue
		}
		// An active row without a live lease is divergence for the
		// reconciler to heal, not a grant candidate.
		if _, assigned := actives[item.ID]; assigned {
			continue
		}

		if err := s.grant(ctx, item.ID, serverID); err != nil {
			if _, contended := types.IsAlreadyHeld(err); contended {
				continue
			}

			return granted, err
		}
		granted = append(granted, item.ID)
	}

	if len(granted) > 0 {
		s.logger.Info("assignment batch granted", "server_id", serverID, "requested", requested, "granted", len(granted))
	}

	return granted, nil
}

// Assign grants a single item to an instance, serialized through the lease
// manager. Used by the load balancer's migration path; contention surfaces as
// *types.AlreadyHeldError and means the item stays in the unassigned pool.
func (s *Store) Assign(ctx context.Context, itemID, serverID string) error {
	return s.grant(ctx, itemID, serverID)
}

// grant acquires the lease and records the active row. If recording fails the
// lease is released again so no lease exists without its ledger row.
func (s *Store) grant(ctx context.Context, itemID, serverID string) error {
	if err := s.locks.Acquire(ctx, itemID, serverID); err != nil {
		return err
	}

	row := types.Assignment{
		ItemID:     itemID,
		ServerID:   serverID,
		Status:     types.AssignmentActive,
		AssignedAt: time.Now().UTC(),
	}
	if err := s.put(ctx, row); err != nil {
		if releaseErr := s.locks.Release(ctx, itemID, serverID); releaseErr != nil {
			s.logger.Error("failed to roll back lease after ledger write failure",
				"item_id", itemID, "server_id", serverID, "error", releaseErr)
		}

		return err
	}

	return nil
}

// Release marks the active row released and releases the corresponding lease.
//
// Safe to call redundantly during recovery: a missing or foreign row is
// logged and skipped, and the lease release is attempted regardless so a
// half-released item cannot stay stuck.
func (s *Store) Release(ctx context.Context, itemID, serverID string) error {
	row, found, err := s.Get(ctx, itemID)
	if err != nil {
		return err
	}

	switch {
	case !found || row.Status != types.AssignmentActive:
		s.logger.Debug("release without matching active row", "item_id", itemID, "server_id", serverID)
	case row.ServerID != serverID:
		s.logger.Debug("release for row owned by another instance",
			"item_id", itemID, "caller", serverID, "owner", row.ServerID)
	default:
		row.Status = types.AssignmentReleased
		row.ReleasedAt = time.Now().UTC()

		if s.prune {
			err = s.exec.Do(ctx, "ledger.delete", func(ctx context.Context) error {
				return s.kv.Delete(ctx, itemID)
			})
			if err != nil {
				return fmt.Errorf("failed to delete assignment for item %s: %w", itemID, err)
			}
		} else if err := s.put(ctx, row); err != nil {
			return err
		}
	}

	return s.locks.Release(ctx, itemID, serverID)
}

// ActiveCountFor counts active rows owned by the instance. This count, never
// the instance's self-reported load, drives all capacity math.
func (s *Store) ActiveCountFor(ctx context.Context, serverID string) (int, error) {
	actives, err := s.ActiveAssignments(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, row := range actives {
		if row.ServerID == serverID {
			count++
		}
	}

	return count, nil
}

// ActiveAssignments returns all active rows keyed by item id.
func (s *Store) ActiveAssignments(ctx context.Context) (map[string]types.Assignment, error) {
	var keys []string
	err := s.exec.Do(ctx, "ledger.keys", func(ctx context.Context) error {
		var err error
		keys, err = s.kv.Keys(ctx)
		if err != nil && types.IsNoKeysFoundError(err) {
			keys = nil
			return nil
		}

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list assignment keys: %w", err)
	}

	actives := make(map[string]types.Assignment, len(keys))
	for _, key := range keys {
		row, found, err := s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if found && row.Status == types.AssignmentActive {
			actives[key] = row
		}
	}

	return actives, nil
}

// CountsPerServer returns active-row counts grouped by owning instance.
func (s *Store) CountsPerServer(ctx context.Context) (map[string]int, error) {
	actives, err := s.ActiveAssignments(ctx)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	for _, row := range actives {
		counts[row.ServerID]++
	}

	return counts, nil
}

// Counts returns the assigned and unassigned item counts, recomputed from the
// ledger and catalog on every call.
func (s *Store) Counts(ctx context.Context) (assigned, unassigned int, err error) {
	actives, err := s.ActiveAssignments(ctx)
	if err != nil {
		return 0, 0, err
	}

	items, err := s.source.ListItems(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list catalog items: %w", err)
	}

	assigned = len(actives)
	unassigned = len(items) - assigned
	if unassigned < 0 {
		// Catalog shrank under active assignments; reconciliation will catch
		// up, report zero rather than a negative pool.
		unassigned = 0
	}

	s.metrics.RecordAssignedItems(assigned)

	return assigned, unassigned, nil
}

// Get reads one assignment row.
//
// Returns:
//   - types.Assignment: The row (zero value when absent)
//   - bool: Whether a row exists
//   - error: Store access error
func (s *Store) Get(ctx context.Context, itemID string) (types.Assignment, bool, error) {
	var row types.Assignment
	err := s.exec.Do(ctx, "ledger.get", func(ctx context.Context) error {
		entry, err := s.kv.Get(ctx, itemID)
		if err != nil {
			return err
		}

		return json.Unmarshal(entry.Value(), &row)
	})
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return types.Assignment{}, false, nil
		}

		return types.Assignment{}, false, fmt.Errorf("failed to read assignment for item %s: %w", itemID, err)
	}

	return row, true, nil
}

// put writes one assignment row.
func (s *Store) put(ctx context.Context, row types.Assignment) error {
	payload, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to encode assignment for item %s: %w", row.ItemID, err)
	}

	err = s.exec.Do(ctx, "ledger.put", func(ctx context.Context) error {
		_, err := s.kv.Put(ctx, row.ItemID, payload)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to store assignment for item %s: %w", row.ItemID, err)
	}

	return nil
}
