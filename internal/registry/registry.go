// Package registry tracks worker instances, their capacity, reported load,
// and liveness.
//
// Instances live in a KV bucket keyed by server_id. Registration is an
// idempotent upsert; heartbeats refresh liveness; a periodic sweep marks
// instances inactive once their heartbeats stop. Instances are never
// hard-deleted - inactive rows are retained for audit.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/streamcoord/coordinator/internal/logging"
	"github.com/streamcoord/coordinator/internal/metrics"
	"github.com/streamcoord/coordinator/internal/retry"
	"github.com/streamcoord/coordinator/types"
)

// Registry owns the instance bucket.
type Registry struct {
	kv       jetstream.KeyValue
	exec     *retry.Executor
	liveness time.Duration
	logger   types.Logger
	metrics  types.MetricsCollector
}

// New creates an instance registry over the given bucket.
//
// Parameters:
//   - kv: Instance bucket (one key per server_id)
//   - exec: Resilient executor wrapping every KV call
//   - liveness: Timeout after which a silent instance is marked inactive
//   - logger: Logger (nil for no-op)
//   - collector: Metrics collector (nil for no-op)
func New(kv jetstream.KeyValue, exec *retry.Executor, liveness time.Duration, logger types.Logger, collector types.MetricsCollector) *Registry {
	if logger == nil {
		logger = logging.NewNop()
	}
	if collector == nil {
		collector = metrics.NewNop()
	}

	return &Registry{kv: kv, exec: exec, liveness: liveness, logger: logger, metrics: collector}
}

// Register creates or refreshes an instance record.
//
// Idempotent upsert: re-registration resets the status to active, refreshes
// the heartbeat timestamp, and updates address and capacity in place.
// RegisteredAt is set on first insert only. Re-registering with a different
// capacity is not an error - the new capacity simply affects future
// assignment decisions.
//
// Parameters:
//   - ctx: Context for cancellation
//   - serverID: Opaque unique instance identity
//   - address: host:port the worker listens on
//   - capacity: Maximum concurrent items (must be >= 1)
//
// Returns:
//   - types.Instance: The stored record after the upsert
//   - error: types.ErrInvalidServerID / types.ErrInvalidCapacity on bad
//     input, store error otherwise
func (r *Registry) Register(ctx context.Context, serverID, address string, capacity int) (types.Instance, error) {
	if serverID == "" {
		return types.Instance{}, types.ErrInvalidServerID
	}
	if capacity < 1 {
		return types.Instance{}, fmt.Errorf("register %s: %w", serverID, types.ErrInvalidCapacity)
	}

	now := time.Now().UTC()

	inst, err := r.Get(ctx, serverID)
	if err != nil {
		if !errors.Is(err, types.ErrInstanceNotFound) {
			return types.Instance{}, err
		}
		inst = types.Instance{ServerID: serverID, RegisteredAt: now}
	}

	inst.Address = address
	inst.Capacity = capacity
	inst.Status = types.InstanceActive
	inst.LastHeartbeat = now

	if err := r.put(ctx, inst); err != nil {
		return types.Instance{}, err
	}

	r.metrics.RecordRegistration(serverID)
	r.logger.Info("instance registered", "server_id", serverID, "address", address, "capacity", capacity)

	return inst, nil
}

// Heartbeat refreshes an instance's liveness and self-reported load.
//
// The reported load is advisory only; capacity math always uses the ledger's
// active-assignment count. An empty status keeps the instance's current
// status.
//
// Returns:
//   - error: types.ErrInstanceNotFound if the server was never registered
//     (the caller must register first), types.ErrInvalidStatus for unknown
//     statuses, store error otherwise
func (r *Registry) Heartbeat(ctx context.Context, serverID string, reportedLoad int, status types.InstanceStatus) error {
	if status != "" && !status.Valid() {
		return fmt.Errorf("heartbeat from %s: %w: %q", serverID, types.ErrInvalidStatus, status)
	}

	inst, err := r.Get(ctx, serverID)
	if err != nil {
		if errors.Is(err, types.ErrInstanceNotFound) {
			r.metrics.RecordHeartbeat(serverID, false)
		}

		return err
	}

	inst.LastHeartbeat = time.Now().UTC()
	inst.ReportedLoad = reportedLoad
	if status != "" {
		inst.Status = status
	}

	if err := r.put(ctx, inst); err != nil {
		return err
	}

	r.metrics.RecordHeartbeat(serverID, true)

	return nil
}

// SweepExpired marks silent instances inactive.
//
// Any active or draining instance whose last heartbeat is older than the
// liveness timeout transitions to inactive. Returns the ids newly marked so
// the caller can trigger reconciliation of their assignments.
func (r *Registry) SweepExpired(ctx context.Context) ([]string, error) {
	instances, err := r.List(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var expired []string
	active := 0
	for _, inst := range instances {
		if inst.Status == types.InstanceInactive {
			continue
		}
		if !inst.Expired(now, r.liveness) {
			active++
			continue
		}

		inst.Status = types.InstanceInactive
		if err := r.put(ctx, inst); err != nil {
			return expired, err
		}

		r.metrics.RecordInstanceExpired(inst.ServerID)
		r.logger.Warn("instance marked inactive after missed heartbeats",
			"server_id", inst.ServerID, "last_heartbeat", inst.LastHeartbeat)
		expired = append(expired, inst.ServerID)
	}

	r.metrics.RecordActiveInstances(active)

	return expired, nil
}

// Get returns one instance record.
//
// Returns types.ErrInstanceNotFound if the server was never registered.
func (r *Registry) Get(ctx context.Context, serverID string) (types.Instance, error) {
	var inst types.Instance
	err := r.exec.Do(ctx, "registry.get", func(ctx context.Context) error {
		entry, err := r.kv.Get(ctx, serverID)
		if err != nil {
			return err
		}

		return json.Unmarshal(entry.Value(), &inst)
	})
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return types.Instance{}, fmt.Errorf("instance %s: %w", serverID, types.ErrInstanceNotFound)
		}

		return types.Instance{}, fmt.Errorf("failed to read instance %s: %w", serverID, err)
	}

	return inst, nil
}

// List returns every instance record, inactive ones included, in ascending
// server_id order.
func (r *Registry) List(ctx context.Context) ([]types.Instance, error) {
	var keys []string
	err := r.exec.Do(ctx, "registry.keys", func(ctx context.Context) error {
		var err error
		keys, err = r.kv.Keys(ctx)
		if err != nil && types.IsNoKeysFoundError(err) {
			keys = nil
			return nil
		}

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	sort.Strings(keys)

	instances := make([]types.Instance, 0, len(keys))
	for _, key := range keys {
		inst, err := r.Get(ctx, key)
		if err != nil {
			if errors.Is(err, types.ErrInstanceNotFound) {
				continue // deleted mid-scan
			}

			return nil, err
		}
		instances = append(instances, inst)
	}

	return instances, nil
}

// ListActive returns instances with status active, lazily applying the
// liveness timeout: an instance past the timeout is excluded even if the
// sweep has not caught up with it yet.
func (r *Registry) ListActive(ctx context.Context) ([]types.Instance, error) {
	instances, err := r.List(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	active := instances[:0]
	for _, inst := range instances {
		if inst.Status != types.InstanceActive || inst.Expired(now, r.liveness) {
			continue
		}
		active = append(active, inst)
	}

	return active, nil
}

// Eligible returns the active instances with assignment headroom: those
// whose active_count/capacity is below the given load factor. Counts come
// from the ledger; the registry never trusts self-reported load for this.
//
// Parameters:
//   - ctx: Context for cancellation
//   - counts: Active assignment counts per server_id (from the ledger)
//   - maxLoadFactor: Exclusive upper bound on active_count/capacity
func (r *Registry) Eligible(ctx context.Context, counts map[string]int, maxLoadFactor float64) ([]types.Instance, error) {
	active, err := r.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	eligible := active[:0]
	for _, inst := range active {
		if inst.Capacity <= 0 {
			continue
		}
		if float64(counts[inst.ServerID])/float64(inst.Capacity) >= maxLoadFactor {
			continue
		}
		eligible = append(eligible, inst)
	}

	return eligible, nil
}

// put writes one instance record with last-writer-wins semantics. Register
// and heartbeat races are tolerable: both paths are idempotent and liveness
// only ever moves forward.
func (r *Registry) put(ctx context.Context, inst types.Instance) error {
	payload, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to encode instance %s: %w", inst.ServerID, err)
	}

	err = r.exec.Do(ctx, "registry.put", func(ctx context.Context) error {
		_, err := r.kv.Put(ctx, inst.ServerID, payload)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to store instance %s: %w", inst.ServerID, err)
	}

	return nil
}
