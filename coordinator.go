package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/streamcoord/coordinator/catalog"
	"github.com/streamcoord/coordinator/internal/balance"
	"github.com/streamcoord/coordinator/internal/kvutil"
	"github.com/streamcoord/coordinator/internal/ledger"
	"github.com/streamcoord/coordinator/internal/lock"
	"github.com/streamcoord/coordinator/internal/logging"
	"github.com/streamcoord/coordinator/internal/metrics"
	"github.com/streamcoord/coordinator/internal/reconcile"
	"github.com/streamcoord/coordinator/internal/registry"
	"github.com/streamcoord/coordinator/internal/retry"
	"github.com/streamcoord/coordinator/types"
)

// Coordinator is the main entry point for stream assignment coordination.
//
// It owns the instance registry, the lease table, the assignment ledger, and
// the two background loops (reconciliation and balancing). All state lives in
// NATS JetStream KV buckets; the Coordinator itself holds no assignment state
// in memory.
//
// A Coordinator is safe for concurrent use. Construct with NewCoordinator,
// then Start before calling any operation that touches the store.
type Coordinator struct {
	cfg    Config
	conn   *nats.Conn
	source catalog.Source

	logger  types.Logger
	metrics types.MetricsCollector

	registry   *registry.Registry
	locks      *lock.Manager
	ledger     *ledger.Store
	reconciler *reconcile.Reconciler
	balancer   *balance.Balancer

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

// NewCoordinator creates a coordinator.
//
// The configuration is defaulted and validated eagerly; nothing touches NATS
// until Start.
//
// Parameters:
//   - cfg: Configuration (zero fields are filled with production defaults)
//   - conn: Established NATS connection (required)
//   - source: Read-only item catalog (required)
//   - opts: Optional logger and metrics collector
//
// Returns:
//   - *Coordinator: Initialized coordinator, not yet started
//   - error: ErrNATSConnectionRequired, ErrCatalogSourceRequired, or
//     ErrInvalidConfig wrapping the specific violation
func NewCoordinator(cfg Config, conn *nats.Conn, source catalog.Source, opts ...Option) (*Coordinator, error) {
	if conn == nil {
		return nil, ErrNATSConnectionRequired
	}
	if source == nil {
		return nil, ErrCatalogSourceRequired
	}

	SetDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	options := &coordinatorOptions{}
	for _, opt := range opts {
		opt(options)
	}
	if options.logger == nil {
		options.logger = logging.NewNop()
	}
	if options.metrics == nil {
		options.metrics = metrics.NewNop()
	}

	return &Coordinator{
		cfg:     cfg,
		conn:    conn,
		source:  source,
		logger:  options.logger,
		metrics: options.metrics,
	}, nil
}

// Start provisions the KV buckets, wires the components, and launches the
// reconciliation and balancing loops.
//
// The passed context bounds bucket provisioning only; the background loops
// run until Stop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return ErrAlreadyStarted
	}

	js, err := jetstream.New(c.conn)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	instanceKV, err := kvutil.EnsureKVBucketWithRetry(ctx, js, jetstream.KeyValueConfig{
		Bucket:  c.cfg.KVBuckets.InstanceBucket,
		History: 1,
	}, 3)
	if err != nil {
		return err
	}

	leaseKV, err := kvutil.EnsureKVBucketWithRetry(ctx, js, jetstream.KeyValueConfig{
		Bucket:  c.cfg.KVBuckets.LeaseBucket,
		History: 1,
	}, 3)
	if err != nil {
		return err
	}

	// Per-key revision history on the assignment bucket is what preserves the
	// release audit trail.
	assignmentKV, err := kvutil.EnsureKVBucketWithRetry(ctx, js, jetstream.KeyValueConfig{
		Bucket:  c.cfg.KVBuckets.AssignmentBucket,
		History: uint8(c.cfg.KVBuckets.AssignmentHistory), //nolint:gosec // validated >= 1, KV caps history at 64
	}, 3)
	if err != nil {
		return err
	}

	exec := retry.NewExecutor(retry.Policy{
		MaxAttempts:      c.cfg.Retry.MaxAttempts,
		BaseDelay:        c.cfg.Retry.BaseDelay,
		MaxDelay:         c.cfg.Retry.MaxDelay,
		ExponentialBase:  c.cfg.Retry.ExponentialBase,
		Jitter:           c.cfg.Retry.Jitter,
		OperationTimeout: c.cfg.Retry.OperationTimeout,
	}, c.logger, c.metrics)

	c.registry = registry.New(instanceKV, exec, c.cfg.LivenessTimeout, c.logger, c.metrics)
	c.locks = lock.New(leaseKV, exec, c.cfg.LeaseExpiry, c.logger, c.metrics)
	c.ledger = ledger.New(assignmentKV, exec, c.locks, c.source, c.cfg.PruneReleased, c.logger, c.metrics)
	c.reconciler = reconcile.New(c.registry, c.ledger, c.locks, c.cfg.Reconcile.Interval, c.logger, c.metrics)
	c.balancer = balance.New(c.registry, c.ledger, balance.Config{
		ImbalanceThreshold:    c.cfg.Balance.ImbalanceThreshold,
		EmergencyThreshold:    c.cfg.Balance.EmergencyThreshold,
		MaxStreamDifference:   c.cfg.Balance.MaxStreamDifference,
		MaxMigrationsPerCycle: c.cfg.Balance.MaxMigrationsPerCycle,
		MigrationBatchSize:    c.cfg.Balance.MigrationBatchSize,
		MigrationDelay:        c.cfg.Balance.MigrationDelay,
		MinRebalanceInterval:  c.cfg.Balance.MinRebalanceInterval,
		MinInstances:          c.cfg.Balance.MinInstances,
		MaxLoadFactor:         c.cfg.MaxLoadFactor,
		EvaluateInterval:      c.cfg.Balance.EvaluateInterval,
	}, c.logger, c.metrics)

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	if err := c.reconciler.Start(runCtx); err != nil {
		cancel()
		return err
	}
	if err := c.balancer.Start(runCtx); err != nil {
		cancel()
		_ = c.reconciler.Stop()

		return err
	}

	c.started = true
	c.logger.Info("coordinator started",
		"instance_bucket", c.cfg.KVBuckets.InstanceBucket,
		"lease_bucket", c.cfg.KVBuckets.LeaseBucket,
		"assignment_bucket", c.cfg.KVBuckets.AssignmentBucket)

	return nil
}

// Stop stops the background loops and waits for in-flight passes to finish.
// Teardown is cooperative: a running reconciliation pass or migration batch
// is given ShutdownTimeout to complete before the loops are cancelled
// outright. The NATS connection is the caller's to close.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return ErrNotStarted
	}

	done := make(chan error, 1)
	go func() {
		done <- errors.Join(c.balancer.Stop(), c.reconciler.Stop())
	}()

	var err error
	select {
	case err = <-done:
	case <-time.After(c.cfg.ShutdownTimeout):
		c.logger.Warn("graceful shutdown timed out, cancelling loops",
			"timeout", c.cfg.ShutdownTimeout)
		c.cancel()
		err = <-done
	}

	c.cancel()
	c.started = false
	c.logger.Info("coordinator stopped")

	return err
}

// Register creates or refreshes a worker instance record.
//
// Idempotent: re-registering resets the instance to active and updates its
// address and capacity in place while preserving the original registration
// time.
//
// Parameters:
//   - ctx: Context for cancellation
//   - serverID: Opaque unique instance identity
//   - address: host:port the worker listens on
//   - capacity: Maximum concurrent items (must be >= 1)
//
// Returns:
//   - Instance: The stored record after the upsert
//   - error: ErrInvalidServerID / ErrInvalidCapacity on bad input
func (c *Coordinator) Register(ctx context.Context, serverID, address string, capacity int) (Instance, error) {
	reg, err := c.components()
	if err != nil {
		return Instance{}, err
	}

	return reg.Register(ctx, serverID, address, capacity)
}

// Heartbeat refreshes an instance's liveness and renews every lease it holds.
//
// Lease renewal rides on heartbeat traffic so workers need no separate renewal
// loop. Individual renewal losses are logged and healed by the reconciler, not
// surfaced to the worker.
//
// Parameters:
//   - ctx: Context for cancellation
//   - serverID: Heartbeating instance
//   - reportedLoad: Self-reported load, advisory only
//   - status: New status, or empty to keep the current one
//
// Returns:
//   - error: ErrInstanceNotFound if the instance was never registered (the
//     worker must register first), ErrInvalidStatus for unknown statuses
func (c *Coordinator) Heartbeat(ctx context.Context, serverID string, reportedLoad int, status InstanceStatus) error {
	if _, err := c.components(); err != nil {
		return err
	}

	if err := c.registry.Heartbeat(ctx, serverID, reportedLoad, status); err != nil {
		return err
	}

	if _, err := c.locks.RenewHeldBy(ctx, serverID); err != nil {
		c.logger.Warn("lease renewal during heartbeat failed", "server_id", serverID, "error", err)
	}

	return nil
}

// RequestAssignment grants up to count unassigned items to an instance.
//
// The grant is truncated to the instance's remaining capacity; an empty list
// is a normal outcome, not an error. Only active instances receive items - a
// draining or inactive instance gets an empty batch.
//
// Parameters:
//   - ctx: Context for cancellation
//   - serverID: Requesting instance
//   - count: Number of items asked for
//
// Returns:
//   - []string: Item ids granted, ascending (may be fewer than count)
//   - error: ErrInstanceNotFound if the instance was never registered
func (c *Coordinator) RequestAssignment(ctx context.Context, serverID string, count int) ([]string, error) {
	if _, err := c.components(); err != nil {
		return nil, err
	}

	inst, err := c.registry.Get(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if inst.Status != InstanceActive {
		c.logger.Info("assignment request from non-active instance denied",
			"server_id", serverID, "status", inst.Status)

		return nil, nil
	}

	return c.ledger.RequestBatch(ctx, serverID, count, inst.Capacity)
}

// Release returns an item to the unassigned pool.
//
// Idempotent and holder-guarded: releasing an item the instance does not own
// is a logged no-op.
func (c *Coordinator) Release(ctx context.Context, itemID, serverID string) error {
	if _, err := c.components(); err != nil {
		return err
	}

	return c.ledger.Release(ctx, itemID, serverID)
}

// ListInstances returns every registered instance joined with its active
// assignment count from the ledger, in ascending server_id order. Inactive
// instances are included.
func (c *Coordinator) ListInstances(ctx context.Context) ([]InstanceSummary, error) {
	reg, err := c.components()
	if err != nil {
		return nil, err
	}

	instances, err := reg.List(ctx)
	if err != nil {
		return nil, err
	}

	counts, err := c.ledger.CountsPerServer(ctx)
	if err != nil {
		return nil, err
	}

	summaries := make([]InstanceSummary, 0, len(instances))
	for _, inst := range instances {
		summaries = append(summaries, InstanceSummary{
			Instance:    inst,
			ActiveCount: counts[inst.ServerID],
		})
	}

	return summaries, nil
}

// EligibleInstances returns the active instances with assignment headroom:
// those whose ledger count over declared capacity is below the configured
// maximum load factor.
func (c *Coordinator) EligibleInstances(ctx context.Context) ([]Instance, error) {
	reg, err := c.components()
	if err != nil {
		return nil, err
	}

	counts, err := c.ledger.CountsPerServer(ctx)
	if err != nil {
		return nil, err
	}

	return reg.Eligible(ctx, counts, c.cfg.MaxLoadFactor)
}

// Status returns the coordinator-wide status snapshot, recomputed from the
// registry, ledger, and catalog on every call.
func (c *Coordinator) Status(ctx context.Context) (SystemStatus, error) {
	reg, err := c.components()
	if err != nil {
		return SystemStatus{}, err
	}

	instances, err := reg.List(ctx)
	if err != nil {
		return SystemStatus{}, err
	}

	active, err := reg.ListActive(ctx)
	if err != nil {
		return SystemStatus{}, err
	}

	assigned, unassigned, err := c.ledger.Counts(ctx)
	if err != nil {
		return SystemStatus{}, err
	}

	return SystemStatus{
		Instances: types.InstanceCounts{Active: len(active), Total: len(instances)},
		Items:     types.ItemCounts{Assigned: assigned, Unassigned: unassigned},
	}, nil
}

// Reconcile runs one synchronous reconciliation pass, independent of the
// scheduled loop. Returns the number of assignments released.
func (c *Coordinator) Reconcile(ctx context.Context) (int, error) {
	if _, err := c.components(); err != nil {
		return 0, err
	}

	return c.reconciler.RunPass(ctx)
}

// TriggerReconcile requests an asynchronous reconciliation pass, e.g. after
// an externally detected instance failure. Non-blocking.
func (c *Coordinator) TriggerReconcile() {
	c.mu.Lock()
	reconciler := c.reconciler
	started := c.started
	c.mu.Unlock()

	if started {
		reconciler.Trigger()
	}
}

// Rebalance runs one synchronous rebalance cycle, independent of the
// scheduled loop. Returns the number of migrations executed.
func (c *Coordinator) Rebalance(ctx context.Context) (int, error) {
	if _, err := c.components(); err != nil {
		return 0, err
	}

	return c.balancer.RunCycle(ctx)
}

// components guards the started state and returns the registry for the common
// "get registry or fail" prologue.
func (c *Coordinator) components() (*registry.Registry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil, ErrNotStarted
	}

	return c.registry, nil
}
