// Package reconcile implements the consistency reconciler that detects and
// repairs divergence between the instance registry, the assignment ledger,
// and the lease table.
//
// The reconciler defends the pairing invariant: every active assignment has a
// live (or renewable) lease held by an active instance, and every lease backs
// an active assignment. Violations are never surfaced to callers
// synchronously - they are healed here, asynchronously, and logged.
package reconcile

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/streamcoord/coordinator/internal/ledger"
	"github.com/streamcoord/coordinator/internal/lock"
	"github.com/streamcoord/coordinator/internal/logging"
	"github.com/streamcoord/coordinator/internal/metrics"
	"github.com/streamcoord/coordinator/internal/registry"
	"github.com/streamcoord/coordinator/types"
)

// Lifecycle errors.
var (
	ErrAlreadyStarted = errors.New("reconciler already started")
	ErrNotStarted     = errors.New("reconciler not started")
)

// Reconciler runs periodic consistency passes and immediate passes after
// detected instance failures.
type Reconciler struct {
	registry *registry.Registry
	ledger   *ledger.Store
	locks    *lock.Manager
	interval time.Duration
	logger   types.Logger
	metrics  types.MetricsCollector

	triggerCh chan struct{}

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a reconciler.
//
// Parameters:
//   - reg: Instance registry
//   - store: Assignment ledger
//   - locks: Lease manager
//   - interval: Time between scheduled passes
//   - logger: Logger (nil for no-op)
//   - collector: Metrics collector (nil for no-op)
func New(reg *registry.Registry, store *ledger.Store, locks *lock.Manager, interval time.Duration, logger types.Logger, collector types.MetricsCollector) *Reconciler {
	if logger == nil {
		logger = logging.NewNop()
	}
	if collector == nil {
		collector = metrics.NewNop()
	}

	return &Reconciler{
		registry:  reg,
		ledger:    store,
		locks:     locks,
		interval:  interval,
		logger:    logger,
		metrics:   collector,
		triggerCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the reconciliation loop in a background goroutine.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrAlreadyStarted
	}
	r.started = true

	go r.run(ctx)

	return nil
}

// Stop stops the loop and waits for the current pass to finish.
func (r *Reconciler) Stop() error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return ErrNotStarted
	}
	r.mu.Unlock()

	close(r.stopCh)
	<-r.doneCh

	return nil
}

// Trigger requests an immediate pass, e.g. after a detected instance failure.
// Non-blocking; coalesces with an already pending trigger.
func (r *Reconciler) Trigger() {
	select {
	case r.triggerCh <- struct{}{}:
	default:
	}
}

// run is the reconciliation loop.
func (r *Reconciler) run(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
		case <-r.triggerCh:
		}

		if _, err := r.RunPass(ctx); err != nil {
			r.logger.Error("reconciliation pass failed", "error", err)
		}
	}
}

// RunPass executes one full reconciliation pass:
//
//  1. Sweep silent instances to inactive.
//  2. Reclaim expired leases.
//  3. Release active assignments whose instance is missing or inactive.
//  4. Release active assignments lacking a live lease.
//  5. Release leases backing no active assignment.
//
// The pass only acts on assignment and lease state; it never adjusts load or
// capacity fields on a live instance, and any exposed load value is always
// recomputed from the ledger rather than trusted from self-reports.
//
// Returns:
//   - int: Number of assignments released
//   - error: First store error encountered (the pass stops there; the next
//     pass resumes the work)
func (r *Reconciler) RunPass(ctx context.Context) (int, error) {
	start := time.Now()

	expired, err := r.registry.SweepExpired(ctx)
	if err != nil {
		return 0, err
	}
	if len(expired) > 0 {
		r.logger.Warn("instances expired, releasing their assignments", "server_ids", expired)
	}

	if _, err := r.locks.ReclaimExpired(ctx); err != nil {
		return 0, err
	}

	instances, err := r.registry.List(ctx)
	if err != nil {
		return 0, err
	}
	byID := make(map[string]types.Instance, len(instances))
	for _, inst := range instances {
		byID[inst.ServerID] = inst
	}

	actives, err := r.ledger.ActiveAssignments(ctx)
	if err != nil {
		return 0, err
	}

	live, err := r.locks.LiveLeases(ctx)
	if err != nil {
		return 0, err
	}

	// Deterministic order keeps passes reproducible in tests and logs.
	itemIDs := make([]string, 0, len(actives))
	for itemID := range actives {
		itemIDs = append(itemIDs, itemID)
	}
	sort.Strings(itemIDs)

	released := 0
	for _, itemID := range itemIDs {
		row := actives[itemID]

		inst, known := byID[row.ServerID]
		switch {
		case !known:
			r.logger.Warn("releasing orphaned assignment: instance unknown",
				"item_id", itemID, "server_id", row.ServerID)
		case inst.Status != types.InstanceActive:
			r.logger.Info("releasing assignment of non-active instance",
				"item_id", itemID, "server_id", row.ServerID, "status", inst.Status)
		default:
			if _, held := live[itemID]; held {
				continue
			}
			r.logger.Warn("releasing assignment without live lease",
				"item_id", itemID, "server_id", row.ServerID)
		}

		if err := r.ledger.Release(ctx, itemID, row.ServerID); err != nil {
			return released, err
		}
		released++
		delete(live, itemID)
	}

	// Leases backing no active assignment are the other half of the pairing
	// invariant.
	for itemID, lease := range live {
		if _, assigned := actives[itemID]; assigned {
			continue
		}
		r.logger.Warn("releasing lease without active assignment",
			"item_id", itemID, "server_id", lease.ServerID)
		if err := r.locks.Release(ctx, itemID, lease.ServerID); err != nil {
			return released, err
		}
	}

	duration := time.Since(start).Seconds()
	r.metrics.RecordReconcilePass(released, duration)
	if released > 0 {
		r.logger.Info("reconciliation pass complete", "released", released, "duration", time.Since(start))
	}

	return released, nil
}
