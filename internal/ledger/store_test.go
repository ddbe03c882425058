package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/streamcoord/coordinator/catalog"
	"github.com/streamcoord/coordinator/internal/lock"
	"github.com/streamcoord/coordinator/internal/retry"
	coordtest "github.com/streamcoord/coordinator/testing"
	"github.com/streamcoord/coordinator/types"
)

type fixture struct {
	store *Store
	locks *lock.Manager
}

func newFixture(t *testing.T, name string, leaseExpiry time.Duration, items int, prune bool) *fixture {
	t.Helper()

	_, nc := coordtest.StartEmbeddedNATS(t)
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

	locks := lock.New(leaseKV, exec, leaseExpiry, coordtest.NewTestLogger(t), nil)
	store := New(assignKV, exec, locks, catalog.NewStatic(catalogItems), prune, coordtest.NewTestLogger(t), nil)

	return &fixture{store: store, locks: locks}
}

func TestStore_RequestBatchTruncatesToCapacity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "ledger-capacity", time.Minute, 12, false)

	// 15 requested, 12 in the pool, capacity 10: the grant is 10.
	granted, err := f.store.RequestBatch(ctx, "worker-a", 15, 10)
	require.NoError(t, err)
	require.Len(t, granted, 10)

	count, err := f.store.ActiveCountFor(ctx, "worker-a")
	require.NoError(t, err)
	require.Equal(t, 10, count)

	// A second request has no remaining capacity; empty is not an error.
	granted, err = f.store.RequestBatch(ctx, "worker-a", 5, 10)
	require.NoError(t, err)
	require.Empty(t, granted)
}

func TestStore_RequestBatchSkipsHeldItems(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "ledger-held", time.Minute, 4, false)

	granted, err := f.store.RequestBatch(ctx, "worker-a", 2, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"stream-00", "stream-01"}, granted)

	granted, err = f.store.RequestBatch(ctx, "worker-b", 4, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"stream-02", "stream-03"}, granted)

	actives, err := f.store.ActiveAssignments(ctx)
	require.NoError(t, err)
	live, err := f.locks.LiveLeases(ctx)
	require.NoError(t, err)
	coordtest.AssertLeasesMatchAssignments(t, actives, live)
}

func TestStore_RequestBatchZeroOrNegative(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "ledger-zero", time.Minute, 4, false)

	granted, err := f.store.RequestBatch(ctx, "worker-a", 0, 10)
	require.NoError(t, err)
	require.Empty(t, granted)
}

func TestStore_ReleaseReturnsItemToPool(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "ledger-release", time.Minute, 2, false)

	granted, err := f.store.RequestBatch(ctx, "worker-a", 2, 10)
	require.NoError(t, err)
	require.Len(t, granted, 2)

	require.NoError(t, f.store.Release(ctx, "stream-00", "worker-a"))

	// The released row is retained with its release timestamp.
	row, found, err := f.store.Get(ctx, "stream-00")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, types.AssignmentReleased, row.Status)
	require.False(t, row.ReleasedAt.IsZero())

	// The item is assignable again.
	granted, err = f.store.RequestBatch(ctx, "worker-b", 1, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"stream-00"}, granted)
}

func TestStore_ReleaseWithPruning(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "ledger-prune", time.Minute, 1, true)

	_, err := f.store.RequestBatch(ctx, "worker-a", 1, 10)
	require.NoError(t, err)

	require.NoError(t, f.store.Release(ctx, "stream-00", "worker-a"))

	_, found, err := f.store.Get(ctx, "stream-00")
	require.NoError(t, err)
	require.False(t, found)
}

func TestStore_ReleaseIsIdempotentAndOwnerGuarded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "ledger-idem", time.Minute, 2, false)

	_, err := f.store.RequestBatch(ctx, "worker-a", 1, 10)
	require.NoError(t, err)

	// A foreign release leaves the row untouched.
	require.NoError(t, f.store.Release(ctx, "stream-00", "worker-b"))
	row, found, err := f.store.Get(ctx, "stream-00")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, types.AssignmentActive, row.Status)

	require.NoError(t, f.store.Release(ctx, "stream-00", "worker-a"))
	require.NoError(t, f.store.Release(ctx, "stream-00", "worker-a"))
}

func TestStore_ExpiredLeaseMakesItemAssignable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "ledger-expired", 200*time.Millisecond, 1, false)

	_, err := f.store.RequestBatch(ctx, "worker-a", 1, 10)
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)

	// The lease expired, but the stale active row still blocks the grant path
	// until reconciliation releases it. Heal it the way the reconciler would.
	granted, err := f.store.RequestBatch(ctx, "worker-b", 1, 10)
	require.NoError(t, err)
	require.Empty(t, granted)

	require.NoError(t, f.store.Release(ctx, "stream-00", "worker-a"))

	granted, err = f.store.RequestBatch(ctx, "worker-b", 1, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"stream-00"}, granted)
}

func TestStore_Counts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "ledger-counts", time.Minute, 5, false)

	_, err := f.store.RequestBatch(ctx, "worker-a", 2, 10)
	require.NoError(t, err)
	_, err = f.store.RequestBatch(ctx, "worker-b", 1, 10)
	require.NoError(t, err)

	assigned, unassigned, err := f.store.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, assigned)
	require.Equal(t, 2, unassigned)

	perServer, err := f.store.CountsPerServer(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]int{"worker-a": 2, "worker-b": 1}, perServer)
}
