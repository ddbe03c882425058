package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/streamcoord/coordinator/internal/retry"
	coordtest "github.com/streamcoord/coordinator/testing"
	"github.com/streamcoord/coordinator/types"
)

func newTestRegistry(t *testing.T, bucket string, liveness time.Duration) *Registry {
	t.Helper()

	_, nc := coordtest.StartEmbeddedNATS(t)
	kv := coordtest.CreateKV(t, nc, bucket, 1)
	exec := retry.NewExecutor(retry.Policy{
		MaxAttempts:      2,
		BaseDelay:        10 * time.Millisecond,
		MaxDelay:         50 * time.Millisecond,
		ExponentialBase:  2.0,
		OperationTimeout: 2 * time.Second,
	}, coordtest.NewTestLogger(t), nil)

	return New(kv, exec, liveness, coordtest.NewTestLogger(t), nil)
}

func TestRegistry_RegisterValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newTestRegistry(t, "reg-validate", time.Minute)

	_, err := r.Register(ctx, "", "10.0.0.1:9000", 10)
	require.ErrorIs(t, err, types.ErrInvalidServerID)

	_, err = r.Register(ctx, "worker-a", "10.0.0.1:9000", 0)
	require.ErrorIs(t, err, types.ErrInvalidCapacity)
}

func TestRegistry_RegisterIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newTestRegistry(t, "reg-idempotent", time.Minute)

	first, err := r.Register(ctx, "worker-a", "10.0.0.1:9000", 10)
	require.NoError(t, err)
	require.Equal(t, types.InstanceActive, first.Status)

	// Re-registration updates address and capacity in place but keeps the
	// original registration time.
	second, err := r.Register(ctx, "worker-a", "10.0.0.2:9000", 20)
	require.NoError(t, err)
	require.Equal(t, first.RegisteredAt, second.RegisteredAt)
	require.Equal(t, "10.0.0.2:9000", second.Address)
	require.Equal(t, 20, second.Capacity)

	instances, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, instances, 1)
}

func TestRegistry_RegisterReactivatesInactive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newTestRegistry(t, "reg-reactivate", 100*time.Millisecond)

	_, err := r.Register(ctx, "worker-a", "10.0.0.1:9000", 10)
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	expired, err := r.SweepExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"worker-a"}, expired)

	inst, err := r.Register(ctx, "worker-a", "10.0.0.1:9000", 10)
	require.NoError(t, err)
	require.Equal(t, types.InstanceActive, inst.Status)
}

func TestRegistry_HeartbeatRequiresRegistration(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newTestRegistry(t, "reg-hb-unknown", time.Minute)

	err := r.Heartbeat(ctx, "ghost", 0, "")
	require.ErrorIs(t, err, types.ErrInstanceNotFound)
}

func TestRegistry_HeartbeatUpdatesStatusAndLoad(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newTestRegistry(t, "reg-hb", time.Minute)

	_, err := r.Register(ctx, "worker-a", "10.0.0.1:9000", 10)
	require.NoError(t, err)

	require.NoError(t, r.Heartbeat(ctx, "worker-a", 7, types.InstanceDraining))

	inst, err := r.Get(ctx, "worker-a")
	require.NoError(t, err)
	require.Equal(t, 7, inst.ReportedLoad)
	require.Equal(t, types.InstanceDraining, inst.Status)

	// Empty status keeps the current one.
	require.NoError(t, r.Heartbeat(ctx, "worker-a", 5, ""))
	inst, err = r.Get(ctx, "worker-a")
	require.NoError(t, err)
	require.Equal(t, types.InstanceDraining, inst.Status)

	require.ErrorIs(t, r.Heartbeat(ctx, "worker-a", 5, "bogus"), types.ErrInvalidStatus)
}

func TestRegistry_SweepExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newTestRegistry(t, "reg-sweep", 200*time.Millisecond)

	_, err := r.Register(ctx, "worker-a", "10.0.0.1:9000", 10)
	require.NoError(t, err)
	_, err = r.Register(ctx, "worker-b", "10.0.0.2:9000", 10)
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)
	require.NoError(t, r.Heartbeat(ctx, "worker-b", 0, ""))

	expired, err := r.SweepExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"worker-a"}, expired)

	active, err := r.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "worker-b", active[0].ServerID)

	// The inactive record is retained, not deleted.
	all, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestRegistry_ListActiveAppliesLivenessLazily(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newTestRegistry(t, "reg-lazy", 150*time.Millisecond)

	_, err := r.Register(ctx, "worker-a", "10.0.0.1:9000", 10)
	require.NoError(t, err)

	time.Sleep(250 * time.Millisecond)

	// No sweep has run, but the silent instance is already excluded.
	active, err := r.ListActive(ctx)
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestRegistry_Eligible(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newTestRegistry(t, "reg-eligible", time.Minute)

	_, err := r.Register(ctx, "worker-a", "10.0.0.1:9000", 10)
	require.NoError(t, err)
	_, err = r.Register(ctx, "worker-b", "10.0.0.2:9000", 10)
	require.NoError(t, err)

	// worker-a sits at the load factor boundary, worker-b has headroom.
	counts := map[string]int{"worker-a": 9, "worker-b": 8}
	eligible, err := r.Eligible(ctx, counts, 0.9)
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	require.Equal(t, "worker-b", eligible[0].ServerID)
}
