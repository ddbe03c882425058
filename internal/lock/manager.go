// Package lock implements the per-item lease table preventing double
// assignment.
//
// A lease is a KV entry keyed by item id. Acquisition uses the KV Create
// operation, which fails atomically if the key exists - this is the single
// serialization point in the system. Expiry is logical: a lease whose
// heartbeat timestamp is older than the expiry window is treated as absent
// and may be taken over or reclaimed.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/streamcoord/coordinator/internal/logging"
	"github.com/streamcoord/coordinator/internal/metrics"
	"github.com/streamcoord/coordinator/internal/retry"
	"github.com/streamcoord/coordinator/types"
)

// Manager owns the lease bucket. All assignment grants must pass through
// Acquire before the ledger records ownership.
type Manager struct {
	kv      jetstream.KeyValue
	exec    *retry.Executor
	expiry  time.Duration
	logger  types.Logger
	metrics types.MetricsCollector
}

// New creates a lease manager over the given bucket.
//
// Parameters:
//   - kv: Lease bucket (one key per item)
//   - exec: Resilient executor wrapping every KV call
//   - expiry: Window after which an unrenewed lease is logically absent
//   - logger: Logger (nil for no-op)
//   - collector: Metrics collector (nil for no-op)
//
// Returns:
//   - *Manager: Initialized lease manager
func New(kv jetstream.KeyValue, exec *retry.Executor, expiry time.Duration, logger types.Logger, collector types.MetricsCollector) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	if collector == nil {
		collector = metrics.NewNop()
	}

	return &Manager{kv: kv, exec: exec, expiry: expiry, logger: logger, metrics: collector}
}

// Acquire attempts to take the lease for an item.
//
// Succeeds only if no live lease exists. An existing expired lease is taken
// over atomically via a revision-guarded update, so two concurrent reclaim
// attempts cannot both win.
//
// Parameters:
//   - ctx: Context for cancellation
//   - itemID: Item to lease
//   - serverID: Prospective holder
//
// Returns:
//   - error: nil when granted; *types.AlreadyHeldError when another instance
//     holds a live lease (a normal contention branch, not a failure); other
//     errors for store failures
func (m *Manager) Acquire(ctx context.Context, itemID, serverID string) error {
	payload, err := json.Marshal(types.Lease{ItemID: itemID, ServerID: serverID, HeartbeatAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to encode lease: %w", err)
	}

	createErr := m.exec.Do(ctx, "lease.create", func(ctx context.Context) error {
		_, err := m.kv.Create(ctx, itemID, payload)
		return err
	})
	if createErr == nil {
		m.metrics.RecordLeaseAcquire("granted")
		m.logger.Debug("lease granted", "item_id", itemID, "server_id", serverID)

		return nil
	}

	if !errors.Is(createErr, jetstream.ErrKeyExists) {
		m.metrics.RecordLeaseAcquire("error")
		return fmt.Errorf("failed to acquire lease for item %s: %w", itemID, createErr)
	}

	// Key exists: inspect the current lease and take over if expired.
	current, revision, err := m.get(ctx, itemID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			// Deleted between Create and Get; treat as contention and let the
			// caller retry on its next batch rather than looping here.
			m.metrics.RecordLeaseAcquire("held")
			return &types.AlreadyHeldError{ItemID: itemID}
		}
		m.metrics.RecordLeaseAcquire("error")

		return err
	}

	if !current.Expired(time.Now(), m.expiry) {
		m.metrics.RecordLeaseAcquire("held")
		return &types.AlreadyHeldError{ItemID: itemID, Holder: current.ServerID}
	}

	// Expired lease: revision-guarded takeover.
	updateErr := m.exec.Do(ctx, "lease.takeover", func(ctx context.Context) error {
		_, err := m.kv.Update(ctx, itemID, payload, revision)
		return err
	})
	if updateErr != nil {
		if errors.Is(updateErr, types.ErrRetriesExhausted) {
			m.metrics.RecordLeaseAcquire("error")
			return fmt.Errorf("failed to take over expired lease for item %s: %w", itemID, updateErr)
		}
		// Revision moved: somebody else renewed or reclaimed first.
		m.metrics.RecordLeaseAcquire("held")

		return &types.AlreadyHeldError{ItemID: itemID, Holder: current.ServerID}
	}

	m.metrics.RecordLeaseAcquire("granted")
	m.logger.Info("expired lease taken over", "item_id", itemID, "server_id", serverID, "previous_holder", current.ServerID)

	return nil
}

// Renew updates the lease's heartbeat timestamp.
//
// Fails with types.ErrLeaseNotHeld if the lease is absent or held by another
// instance, signalling that the caller lost the lease (e.g. to a reclaim
// after expiry).
func (m *Manager) Renew(ctx context.Context, itemID, serverID string) error {
	current, revision, err := m.get(ctx, itemID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return types.ErrLeaseNotHeld
		}

		return err
	}

	if current.ServerID != serverID {
		return types.ErrLeaseNotHeld
	}

	payload, err := json.Marshal(types.Lease{ItemID: itemID, ServerID: serverID, HeartbeatAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to encode lease: %w", err)
	}

	updateErr := m.exec.Do(ctx, "lease.renew", func(ctx context.Context) error {
		_, err := m.kv.Update(ctx, itemID, payload, revision)
		return err
	})
	if updateErr != nil {
		if errors.Is(updateErr, types.ErrRetriesExhausted) {
			return fmt.Errorf("failed to renew lease for item %s: %w", itemID, updateErr)
		}
		// Revision moved between Get and Update: the lease changed hands.
		return types.ErrLeaseNotHeld
	}

	return nil
}

// RenewHeldBy renews every lease currently held by the given instance.
//
// Invoked on worker heartbeats so that lease renewal rides on the existing
// heartbeat traffic. Individual renewal losses are logged and skipped; the
// reconciler heals any resulting divergence.
//
// Returns:
//   - int: Number of leases renewed
//   - error: Store access error when the lease listing itself fails
func (m *Manager) RenewHeldBy(ctx context.Context, serverID string) (int, error) {
	leases, err := m.All(ctx)
	if err != nil {
		return 0, err
	}

	renewed := 0
	for _, lease := range leases {
		if lease.ServerID != serverID {
			continue
		}
		if err := m.Renew(ctx, lease.ItemID, serverID); err != nil {
			if errors.Is(err, types.ErrLeaseNotHeld) {
				m.logger.Warn("lease lost before renewal", "item_id", lease.ItemID, "server_id", serverID)
				continue
			}

			return renewed, err
		}
		renewed++
	}

	return renewed, nil
}

// Release removes the lease if held by the given instance.
//
// Idempotent: releasing an absent lease is a no-op, and a stale caller can
// never release another holder's lease.
func (m *Manager) Release(ctx context.Context, itemID, serverID string) error {
	current, revision, err := m.get(ctx, itemID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}

		return err
	}

	if current.ServerID != serverID {
		m.logger.Debug("ignoring release for lease held by another instance",
			"item_id", itemID, "caller", serverID, "holder", current.ServerID)

		return nil
	}

	deleteErr := m.exec.Do(ctx, "lease.delete", func(ctx context.Context) error {
		return m.kv.Delete(ctx, itemID, jetstream.LastRevision(revision))
	})
	if deleteErr != nil {
		if errors.Is(deleteErr, types.ErrRetriesExhausted) {
			return fmt.Errorf("failed to release lease for item %s: %w", itemID, deleteErr)
		}
		// Revision moved: the lease was already reclaimed or taken over.
		m.logger.Debug("lease changed hands during release", "item_id", itemID, "server_id", serverID)

		return nil
	}

	return nil
}

// ReclaimExpired finds leases past the expiry window and deletes them.
//
// Returns the reclaimed item ids so callers can return them to the
// assignable pool. Deletions are revision-guarded, so a lease renewed
// mid-scan is left alone.
func (m *Manager) ReclaimExpired(ctx context.Context) ([]string, error) {
	leases, revisions, err := m.all(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var reclaimed []string
	for _, lease := range leases {
		if !lease.Expired(now, m.expiry) {
			continue
		}

		revision := revisions[lease.ItemID]
		deleteErr := m.exec.Do(ctx, "lease.reclaim", func(ctx context.Context) error {
			return m.kv.Delete(ctx, lease.ItemID, jetstream.LastRevision(revision))
		})
		if deleteErr != nil {
			if errors.Is(deleteErr, types.ErrRetriesExhausted) {
				return reclaimed, fmt.Errorf("failed to reclaim lease for item %s: %w", lease.ItemID, deleteErr)
			}
			// Renewed between scan and delete; not expired anymore.
			continue
		}

		m.logger.Info("expired lease reclaimed", "item_id", lease.ItemID, "holder", lease.ServerID)
		reclaimed = append(reclaimed, lease.ItemID)
	}

	if len(reclaimed) > 0 {
		m.metrics.RecordLeaseReclaimed(len(reclaimed))
	}

	return reclaimed, nil
}

// Holder returns the current lease for an item, if any.
//
// Returns:
//   - types.Lease: The lease (zero value when absent)
//   - bool: Whether a lease entry exists (expired leases are still reported)
//   - error: Store access error
func (m *Manager) Holder(ctx context.Context, itemID string) (types.Lease, bool, error) {
	lease, _, err := m.get(ctx, itemID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return types.Lease{}, false, nil
		}

		return types.Lease{}, false, err
	}

	return lease, true, nil
}

// LiveLeases returns all unexpired leases keyed by item id.
func (m *Manager) LiveLeases(ctx context.Context) (map[string]types.Lease, error) {
	leases, err := m.All(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	live := make(map[string]types.Lease, len(leases))
	for _, lease := range leases {
		if lease.Expired(now, m.expiry) {
			continue
		}
		live[lease.ItemID] = lease
	}

	return live, nil
}

// All returns every lease entry, expired or not.
func (m *Manager) All(ctx context.Context) ([]types.Lease, error) {
	leases, _, err := m.all(ctx)
	return leases, err
}

// all lists every lease together with its KV revision for CAS operations.
func (m *Manager) all(ctx context.Context) ([]types.Lease, map[string]uint64, error) {
	var keys []string
	err := m.exec.Do(ctx, "lease.keys", func(ctx context.Context) error {
		var err error
		keys, err = m.kv.Keys(ctx)
		if err != nil && types.IsNoKeysFoundError(err) {
			keys = nil
			return nil
		}

		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list lease keys: %w", err)
	}

	leases := make([]types.Lease, 0, len(keys))
	revisions := make(map[string]uint64, len(keys))
	for _, key := range keys {
		lease, revision, err := m.get(ctx, key)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue // deleted mid-scan
			}

			return nil, nil, err
		}
		leases = append(leases, lease)
		revisions[key] = revision
	}

	return leases, revisions, nil
}

// get reads one lease entry and its revision.
func (m *Manager) get(ctx context.Context, itemID string) (types.Lease, uint64, error) {
	var (
		lease    types.Lease
		revision uint64
	)
	err := m.exec.Do(ctx, "lease.get", func(ctx context.Context) error {
		entry, err := m.kv.Get(ctx, itemID)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(entry.Value(), &lease); err != nil {
			return fmt.Errorf("malformed lease entry for item %s: %w", itemID, err)
		}
		lease.ItemID = itemID
		revision = entry.Revision()

		return nil
	})
	if err != nil {
		return types.Lease{}, 0, err
	}

	return lease, revision, nil
}
