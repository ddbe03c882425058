package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/streamcoord/coordinator/types"
)

func testPolicy() Policy {
	return Policy{
		MaxAttempts:      3,
		BaseDelay:        5 * time.Millisecond,
		MaxDelay:         50 * time.Millisecond,
		ExponentialBase:  2.0,
		OperationTimeout: time.Second,
	}
}

func TestExecutor_SuccessFirstAttempt(t *testing.T) {
	t.Parallel()

	e := NewExecutor(testPolicy(), nil, nil)

	calls := 0
	err := e.Do(context.Background(), "test.op", func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestExecutor_RetriesConnectivityErrors(t *testing.T) {
	t.Parallel()

	e := NewExecutor(testPolicy(), nil, nil)

	calls := 0
	err := e.Do(context.Background(), "test.op", func(context.Context) error {
		calls++
		if calls < 3 {
			return types.ErrConnectivity
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestExecutor_DoesNotRetryLogicErrors(t *testing.T) {
	t.Parallel()

	e := NewExecutor(testPolicy(), nil, nil)

	logicErr := errors.New("wrong revision")
	calls := 0
	err := e.Do(context.Background(), "test.op", func(context.Context) error {
		calls++
		return logicErr
	})
	require.ErrorIs(t, err, logicErr)
	require.Equal(t, 1, calls)
}

func TestExecutor_ExhaustionWrapsLastError(t *testing.T) {
	t.Parallel()

	e := NewExecutor(testPolicy(), nil, nil)

	calls := 0
	err := e.Do(context.Background(), "test.op", func(context.Context) error {
		calls++
		return types.ErrConnectivity
	})
	require.Equal(t, 3, calls)
	require.ErrorIs(t, err, types.ErrRetriesExhausted)
	require.ErrorIs(t, err, types.ErrConnectivity)
}

func TestExecutor_ContextCancellationStopsRetries(t *testing.T) {
	t.Parallel()

	e := NewExecutor(testPolicy(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := e.Do(ctx, "test.op", func(context.Context) error {
		calls++
		cancel()
		return types.ErrConnectivity
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

func TestExecutor_PerAttemptTimeout(t *testing.T) {
	t.Parallel()

	policy := testPolicy()
	policy.OperationTimeout = 20 * time.Millisecond
	policy.MaxAttempts = 2
	e := NewExecutor(policy, nil, nil)

	calls := 0
	err := e.Do(context.Background(), "test.op", func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	// Each attempt times out individually; the deadline is retryable.
	require.ErrorIs(t, err, types.ErrRetriesExhausted)
	require.Equal(t, 2, calls)
}

func TestExecutor_BackoffGrowsAndCaps(t *testing.T) {
	t.Parallel()

	policy := Policy{
		MaxAttempts:     5,
		BaseDelay:       10 * time.Millisecond,
		MaxDelay:        35 * time.Millisecond,
		ExponentialBase: 2.0,
	}
	e := NewExecutor(policy, nil, nil)

	require.Equal(t, 10*time.Millisecond, e.backoff(0))
	require.Equal(t, 20*time.Millisecond, e.backoff(1))
	require.Equal(t, 35*time.Millisecond, e.backoff(2)) // capped
	require.Equal(t, 35*time.Millisecond, e.backoff(3))
}

func TestExecutor_JitterIsDeterministicWithSeed(t *testing.T) {
	t.Parallel()

	policy := testPolicy()
	policy.Jitter = true
	e := NewExecutor(policy, nil, nil)

	a := e.WithSeed(42)
	b := e.WithSeed(42)
	for i := 0; i < 4; i++ {
		require.Equal(t, a.backoff(i), b.backoff(i))
	}
}
