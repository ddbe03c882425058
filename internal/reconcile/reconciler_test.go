package reconcile

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
	registry   *registry.Registry
	locks      *lock.Manager
	ledger     *ledger.Store
	reconciler *Reconciler
}

func newFixture(t *testing.T, name string, liveness, leaseExpiry time.Duration, items int) *fixture {
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
	reg := registry.New(instanceKV, exec, liveness, logger, nil)
	locks := lock.New(leaseKV, exec, leaseExpiry, logger, nil)
	store := ledger.New(assignKV, exec, locks, catalog.NewStatic(catalogItems), false, logger, nil)
	rec := New(reg, store, locks, time.Minute, logger, nil)

	return &fixture{registry: reg, locks: locks, ledger: store, reconciler: rec}
}

func TestReconciler_NoDivergenceIsNoOp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "rec-noop", time.Minute, time.Minute, 3)

	_, err := f.registry.Register(ctx, "worker-a", "10.0.0.1:9000", 10)
	require.NoError(t, err)
	_, err = f.ledger.RequestBatch(ctx, "worker-a", 3, 10)
	require.NoError(t, err)

	released, err := f.reconciler.RunPass(ctx)
	require.NoError(t, err)
	require.Zero(t, released)

	actives, err := f.ledger.ActiveAssignments(ctx)
	require.NoError(t, err)
	require.Len(t, actives, 3)
}

func TestReconciler_ReleasesAssignmentsOfDeadInstance(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "rec-dead", 200*time.Millisecond, time.Minute, 3)

	_, err := f.registry.Register(ctx, "worker-a", "10.0.0.1:9000", 10)
	require.NoError(t, err)
	granted, err := f.ledger.RequestBatch(ctx, "worker-a", 3, 10)
	require.NoError(t, err)
	require.Len(t, granted, 3)

	// The instance stops heartbeating.
	time.Sleep(300 * time.Millisecond)

	released, err := f.reconciler.RunPass(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, released)

	inst, err := f.registry.Get(ctx, "worker-a")
	require.NoError(t, err)
	require.Equal(t, types.InstanceInactive, inst.Status)

	actives, err := f.ledger.ActiveAssignments(ctx)
	require.NoError(t, err)
	require.Empty(t, actives)

	// The items are assignable by a fresh instance.
	_, err = f.registry.Register(ctx, "worker-b", "10.0.0.2:9000", 10)
	require.NoError(t, err)
	granted, err = f.ledger.RequestBatch(ctx, "worker-b", 3, 10)
	require.NoError(t, err)
	require.Len(t, granted, 3)
}

func TestReconciler_ReleasesAssignmentWithoutLiveLease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "rec-nolease", time.Minute, 250*time.Millisecond, 1)

	_, err := f.registry.Register(ctx, "worker-a", "10.0.0.1:9000", 10)
	require.NoError(t, err)
	_, err = f.ledger.RequestBatch(ctx, "worker-a", 1, 10)
	require.NoError(t, err)

	// Keep the instance alive but let the lease lapse.
	time.Sleep(350 * time.Millisecond)
	require.NoError(t, f.registry.Heartbeat(ctx, "worker-a", 0, ""))

	released, err := f.reconciler.RunPass(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, released)

	actives, err := f.ledger.ActiveAssignments(ctx)
	require.NoError(t, err)
	require.Empty(t, actives)
}

func TestReconciler_ReleasesOrphanedLease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "rec-orphanlease", time.Minute, time.Minute, 1)

	_, err := f.registry.Register(ctx, "worker-a", "10.0.0.1:9000", 10)
	require.NoError(t, err)

	// A lease with no ledger row, as if a grant crashed between the two
	// writes.
	require.NoError(t, f.locks.Acquire(ctx, "stream-00", "worker-a"))

	_, err = f.reconciler.RunPass(ctx)
	require.NoError(t, err)

	live, err := f.locks.LiveLeases(ctx)
	require.NoError(t, err)
	require.Empty(t, live)
}

func TestReconciler_TriggerRunsImmediatePass(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "rec-trigger", time.Minute, time.Minute, 1)

	_, err := f.registry.Register(ctx, "worker-a", "10.0.0.1:9000", 10)
	require.NoError(t, err)
	require.NoError(t, f.locks.Acquire(ctx, "stream-00", "worker-a"))

	require.NoError(t, f.reconciler.Start(ctx))
	defer func() { require.NoError(t, f.reconciler.Stop()) }()

	f.reconciler.Trigger()

	// The triggered pass releases the orphaned lease well before the
	// one-minute schedule would.
	require.Eventually(t, func() bool {
		live, err := f.locks.LiveLeases(ctx)
		return err == nil && len(live) == 0
	}, 3*time.Second, 50*time.Millisecond)
}

func TestReconciler_Lifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "rec-lifecycle", time.Minute, time.Minute, 0)

	require.ErrorIs(t, f.reconciler.Stop(), ErrNotStarted)
	require.NoError(t, f.reconciler.Start(context.Background()))
	require.ErrorIs(t, f.reconciler.Start(context.Background()), ErrAlreadyStarted)
	require.NoError(t, f.reconciler.Stop())
}
