package balance

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/streamcoord/coordinator/catalog"
	"github.com/streamcoord/coordinator/internal/ledger"
	"github.com/streamcoord/coordinator/internal/lock"
	"github.com/streamcoord/coordinator/internal/registry"
	"github.com/streamcoord/coordinator/internal/retry"
	coordtest "github.com/streamcoord/coordinator/testing"
	"github.com/streamcoord/coordinator/types"
)

type fixture struct {
	registry *registry.Registry
	ledger   *ledger.Store
	locks    *lock.Manager
	balancer *Balancer
}

func newFixture(t *testing.T, name string, cfg Config, items int) *fixture {
	t.Helper()

	_, nc := coordtest.StartEmbeddedNATS(t)
	instanceKV := coordtest.CreateKV(t, nc, name+"-instances", 1)
	leaseKV := coordtest.CreateKV(t, nc, name+"-leases", 1)
	assignKV := coordtest.CreateKV(t, nc, name+"-assignments", 5)

	exec := retry.NewExecutor(retry.Policy{
		MaxAttempts:      2,
		BaseDelay:        10 * time.Millisecond,
		MaxDelay:         50 * time.Millisecond,
		ExponentialBase:  2.0,
		OperationTimeout: 2 * time.Second,
	}, coordtest.NewTestLogger(t), nil)

	catalogItems := make([]types.Item, 0, items)
	for i := 0; i < items; i++ {
		catalogItems = append(catalogItems, types.Item{ID: fmt.Sprintf("stream-%02d", i)})
	}

	logger := coordtest.NewTestLogger(t)
	reg := registry.New(instanceKV, exec, time.Minute, logger, nil)
	locks := lock.New(leaseKV, exec, time.Minute, logger, nil)
	store := ledger.New(assignKV, exec, locks, catalog.NewStatic(catalogItems), false, logger, nil)
	b := New(reg, store, cfg, logger, nil)

	return &fixture{registry: reg, ledger: store, locks: locks, balancer: b}
}

func fastConfig() Config {
	return Config{
		ImbalanceThreshold:    0.20,
		EmergencyThreshold:    0.95,
		MaxStreamDifference:   2,
		MaxMigrationsPerCycle: 10,
		MigrationBatchSize:    3,
		MigrationDelay:        5 * time.Millisecond,
		MinRebalanceInterval:  50 * time.Millisecond,
		MinInstances:          2,
		MaxLoadFactor:         0.9,
		EvaluateInterval:      20 * time.Millisecond,
	}
}

func TestBalancer_RunCycleEvensOutLoad(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "bal-cycle", fastConfig(), 10)

	_, err := f.registry.Register(ctx, "worker-a", "10.0.0.1:9000", 20)
	require.NoError(t, err)
	_, err = f.registry.Register(ctx, "worker-b", "10.0.0.2:9000", 20)
	require.NoError(t, err)

	// worker-a grabs everything before worker-b arrives.
	granted, err := f.ledger.RequestBatch(ctx, "worker-a", 10, 20)
	require.NoError(t, err)
	require.Len(t, granted, 10)

	executed, err := f.balancer.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, executed)

	counts, err := f.ledger.CountsPerServer(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, counts["worker-a"])
	require.Equal(t, 5, counts["worker-b"])

	// Ownership stayed single throughout.
	actives, err := f.ledger.ActiveAssignments(ctx)
	require.NoError(t, err)
	live, err := f.locks.LiveLeases(ctx)
	require.NoError(t, err)
	coordtest.AssertLeasesMatchAssignments(t, actives, live)
}

func TestBalancer_SingleInstanceIsNoOp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "bal-single", fastConfig(), 5)

	_, err := f.registry.Register(ctx, "worker-a", "10.0.0.1:9000", 20)
	require.NoError(t, err)
	_, err = f.ledger.RequestBatch(ctx, "worker-a", 5, 20)
	require.NoError(t, err)

	executed, err := f.balancer.RunCycle(ctx)
	require.NoError(t, err)
	require.Zero(t, executed)
}

func TestBalancer_MinIntervalSuppressesSuccessiveCycles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := fastConfig()
	cfg.MinRebalanceInterval = time.Hour
	f := newFixture(t, "bal-interval", cfg, 10)

	_, err := f.registry.Register(ctx, "worker-a", "10.0.0.1:9000", 20)
	require.NoError(t, err)
	_, err = f.registry.Register(ctx, "worker-b", "10.0.0.2:9000", 20)
	require.NoError(t, err)
	_, err = f.ledger.RequestBatch(ctx, "worker-a", 10, 20)
	require.NoError(t, err)

	executed, err := f.balancer.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, executed)

	// Move everything back to recreate the imbalance; the next non-emergency
	// cycle is suppressed by the interval.
	counts, err := f.ledger.CountsPerServer(ctx)
	require.NoError(t, err)
	require.Positive(t, counts["worker-b"])

	actives, err := f.ledger.ActiveAssignments(ctx)
	require.NoError(t, err)
	for itemID, row := range actives {
		if row.ServerID != "worker-b" {
			continue
		}
		require.NoError(t, f.ledger.Release(ctx, itemID, "worker-b"))
		require.NoError(t, f.ledger.Assign(ctx, itemID, "worker-a"))
	}

	executed, err = f.balancer.RunCycle(ctx)
	require.NoError(t, err)
	require.Zero(t, executed)
}

func TestBalancer_EmergencyBypassesMinInterval(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := fastConfig()
	cfg.MinRebalanceInterval = time.Hour
	f := newFixture(t, "bal-emergency", cfg, 10)

	// Small capacity puts worker-a at 10/10 = 1.0, over the emergency
	// threshold.
	_, err := f.registry.Register(ctx, "worker-a", "10.0.0.1:9000", 10)
	require.NoError(t, err)
	_, err = f.registry.Register(ctx, "worker-b", "10.0.0.2:9000", 20)
	require.NoError(t, err)
	_, err = f.ledger.RequestBatch(ctx, "worker-a", 10, 10)
	require.NoError(t, err)

	// Prime lastCycle so a non-emergency cycle would be suppressed.
	f.balancer.mu.Lock()
	f.balancer.lastCycle = time.Now()
	f.balancer.mu.Unlock()

	executed, err := f.balancer.RunCycle(ctx)
	require.NoError(t, err)
	require.Positive(t, executed)
}

func TestBalancer_Lifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "bal-lifecycle", fastConfig(), 0)

	require.ErrorIs(t, f.balancer.Stop(), ErrNotStarted)
	require.NoError(t, f.balancer.Start(context.Background()))
	require.ErrorIs(t, f.balancer.Start(context.Background()), ErrAlreadyStarted)
	require.NoError(t, f.balancer.Stop())
}
