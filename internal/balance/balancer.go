package balance

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/streamcoord/coordinator/internal/ledger"
	"github.com/streamcoord/coordinator/internal/logging"
	"github.com/streamcoord/coordinator/internal/metrics"
	"github.com/streamcoord/coordinator/internal/registry"
	"github.com/streamcoord/coordinator/types"
)

// Lifecycle errors.
var (
	ErrAlreadyStarted = errors.New("balancer already started")
	ErrNotStarted     = errors.New("balancer not started")
)

// Balancer runs the rebalancing control loop, independent of request and
// heartbeat traffic.
type Balancer struct {
	registry *registry.Registry
	ledger   *ledger.Store
	cfg      Config
	logger   types.Logger
	metrics  types.MetricsCollector

	// recentMoves tracks items migrated within the cooldown window so
	// successive cycles don't bounce the same item back and forth.
	recentMoves *xsync.Map[string, time.Time]

	mu        sync.Mutex
	lastCycle time.Time
	started   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New creates a balancer.
//
// Parameters:
//   - reg: Instance registry (eligible-fleet snapshots)
//   - store: Assignment ledger (counts and migration execution)
//   - cfg: Balancing thresholds
//   - logger: Logger (nil for no-op)
//   - collector: Metrics collector (nil for no-op)
func New(reg *registry.Registry, store *ledger.Store, cfg Config, logger types.Logger, collector types.MetricsCollector) *Balancer {
	if logger == nil {
		logger = logging.NewNop()
	}
	if collector == nil {
		collector = metrics.NewNop()
	}

	return &Balancer{
		registry:    reg,
		ledger:      store,
		cfg:         cfg,
		logger:      logger,
		metrics:     collector,
		recentMoves: xsync.NewMap[string, time.Time](),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start launches the balancing loop in a background goroutine.
func (b *Balancer) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return ErrAlreadyStarted
	}
	b.started = true

	go b.run(ctx)

	return nil
}

// Stop stops the loop and waits for the current cycle to finish. Teardown is
// cooperative: an in-flight batch completes, then the loop exits.
func (b *Balancer) Stop() error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return ErrNotStarted
	}
	b.mu.Unlock()

	close(b.stopCh)
	<-b.doneCh

	return nil
}

// run is the balancing loop.
func (b *Balancer) run(ctx context.Context) {
	defer close(b.doneCh)

	ticker := time.NewTicker(b.cfg.EvaluateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case <-ticker.C:
		}

		if _, err := b.RunCycle(ctx); err != nil {
			b.logger.Error("rebalance cycle failed", "error", err)
		}
	}
}

// RunCycle executes one Evaluate -> Plan -> Execute cycle.
//
// The minimum inter-cycle spacing suppresses non-emergency cycles that fire
// too soon after the previous one; the emergency path is never delayed.
//
// Returns:
//   - int: Number of migrations executed
//   - error: Store failure during snapshotting or execution
func (b *Balancer) RunCycle(ctx context.Context) (int, error) {
	snap, err := b.snapshot(ctx)
	if err != nil {
		return 0, err
	}

	reason := Evaluate(snap, b.cfg)
	if reason == ReasonNone {
		return 0, nil
	}

	b.mu.Lock()
	sinceLast := time.Since(b.lastCycle)
	b.mu.Unlock()

	if reason != ReasonEmergency && sinceLast < b.cfg.MinRebalanceInterval {
		b.logger.Debug("rebalance suppressed by minimum interval",
			"reason", reason, "since_last", sinceLast, "min_interval", b.cfg.MinRebalanceInterval)

		return 0, nil
	}

	plan := Plan(snap, b.cfg, b.inCooldown)
	if len(plan) == 0 {
		return 0, nil
	}

	b.logger.Info("executing migration plan", "reason", reason, "moves", len(plan))
	executed, err := b.execute(ctx, plan, reason)

	b.mu.Lock()
	b.lastCycle = time.Now()
	b.mu.Unlock()

	b.metrics.RecordRebalanceCycle(string(reason), len(plan), executed)

	return executed, err
}

// snapshot builds the fleet view from the registry and ledger.
func (b *Balancer) snapshot(ctx context.Context) (Snapshot, error) {
	instances, err := b.registry.ListActive(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	actives, err := b.ledger.ActiveAssignments(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	counts := make(map[string]int, len(instances))
	items := make(map[string][]string, len(instances))
	for itemID, row := range actives {
		counts[row.ServerID]++
		items[row.ServerID] = append(items[row.ServerID], itemID)
	}
	for serverID := range items {
		sort.Strings(items[serverID])
	}

	return Snapshot{Instances: instances, Counts: counts, Items: items}, nil
}

// execute runs the plan in batches: release from the source, acquire+assign
// on the destination. A destination acquisition lost to a concurrent grant
// leaves the item in the unassigned pool - migrations never override the
// lease serialization. Non-emergency execution sleeps between batches to
// bound churn.
func (b *Balancer) execute(ctx context.Context, plan []Move, reason Reason) (int, error) {
	batchSize := b.cfg.MigrationBatchSize
	if batchSize <= 0 {
		batchSize = len(plan)
	}

	executed := 0
	for start := 0; start < len(plan); start += batchSize {
		if start > 0 && reason != ReasonEmergency {
			select {
			case <-ctx.Done():
				return executed, ctx.Err()
			case <-b.stopCh:
				return executed, nil
			case <-time.After(b.cfg.MigrationDelay):
			}
		}

		for _, move := range plan[start:min(start+batchSize, len(plan))] {
			if err := b.ledger.Release(ctx, move.ItemID, move.Source); err != nil {
				return executed, err
			}

			if err := b.ledger.Assign(ctx, move.ItemID, move.Destination); err != nil {
				if holder, contended := types.IsAlreadyHeld(err); contended {
					b.logger.Info("migration lost destination acquisition, item returned to pool",
						"item_id", move.ItemID, "destination", move.Destination, "holder", holder)
					continue
				}

				return executed, err
			}

			b.recentMoves.Store(move.ItemID, time.Now())
			executed++
			b.logger.Debug("item migrated",
				"item_id", move.ItemID, "source", move.Source, "destination", move.Destination)
		}
	}

	return executed, nil
}

// inCooldown reports whether an item was migrated within the minimum
// rebalance interval. Expired entries are pruned as they are seen.
func (b *Balancer) inCooldown(itemID string) bool {
	movedAt, ok := b.recentMoves.Load(itemID)
	if !ok {
		return false
	}
	if time.Since(movedAt) > b.cfg.MinRebalanceInterval {
		b.recentMoves.Delete(itemID)
		return false
	}

	return true
}
