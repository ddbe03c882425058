// Package retry implements the resilient executor that wraps every store
// operation with timeout, bounded retry, and exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	rand "math/rand/v2"
	"time"

	"github.com/streamcoord/coordinator/internal/logging"
	"github.com/streamcoord/coordinator/internal/metrics"
	"github.com/streamcoord/coordinator/internal/natsutil"
	"github.com/streamcoord/coordinator/types"
)

// Policy configures retry behavior for store operations.
type Policy struct {
	// MaxAttempts is the total number of attempts (initial + retries).
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the computed backoff delay.
	MaxDelay time.Duration

	// ExponentialBase is the backoff growth factor (typically 2.0).
	ExponentialBase float64

	// Jitter adds randomized jitter to each delay to avoid thundering herds.
	Jitter bool

	// OperationTimeout bounds each individual attempt. Zero disables the
	// per-attempt timeout (the caller's context still applies).
	OperationTimeout time.Duration
}

// DefaultPolicy returns the production retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:      3,
		BaseDelay:        100 * time.Millisecond,
		MaxDelay:         5 * time.Second,
		ExponentialBase:  2.0,
		Jitter:           true,
		OperationTimeout: 10 * time.Second,
	}
}

// Executor runs store operations under the configured retry policy.
//
// Only transient connectivity errors are retried. Non-retryable errors
// (CAS conflicts, key-exists, malformed input) propagate immediately:
// retrying a logic error would mask bugs and waste time. On attempt
// exhaustion the last error is surfaced wrapped in types.ErrRetriesExhausted.
type Executor struct {
	policy  Policy
	logger  types.Logger
	metrics types.MetricsCollector

	// rng is non-nil only when a deterministic seed was provided.
	rng *rand.Rand
}

// NewExecutor creates a resilient executor with the given policy.
//
// Parameters:
//   - policy: Retry policy (zero fields fall back to DefaultPolicy values)
//   - logger: Logger for retry events (nil for no-op)
//   - collector: Metrics collector (nil for no-op)
//
// Returns:
//   - *Executor: Initialized executor
func NewExecutor(policy Policy, logger types.Logger, collector types.MetricsCollector) *Executor {
	defaults := DefaultPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = defaults.MaxAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = defaults.BaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = defaults.MaxDelay
	}
	if policy.ExponentialBase < 1.0 {
		policy.ExponentialBase = defaults.ExponentialBase
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if collector == nil {
		collector = metrics.NewNop()
	}

	return &Executor{policy: policy, logger: logger, metrics: collector}
}

// WithSeed returns a copy of the executor using a deterministic jitter RNG.
//
// Intended for tests that need reproducible backoff sequences. A zero seed
// returns the executor unchanged, keeping production jitter on the cheap
// package-level PRNG.
func (e *Executor) WithSeed(seed int64) *Executor {
	if seed == 0 {
		return e
	}

	clone := *e
	s1 := uint64(seed) //nolint:gosec // non-crypto seed conversion
	clone.rng = rand.New(rand.NewPCG(s1, s1^0x9e3779b97f4a7c15))

	return &clone
}

// Do runs fn under the retry policy.
//
// Each attempt gets its own timeout-bounded context derived from ctx. The
// operation name is used for logging and metrics only.
//
// Parameters:
//   - ctx: Parent context; cancellation stops further attempts immediately
//   - op: Short operation name (e.g. "registry.put")
//   - fn: Operation to run; must be safe to re-invoke on retry
//
// Returns:
//   - error: nil on success, the original error for non-retryable failures,
//     or types.ErrRetriesExhausted wrapping the last error after exhaustion
func (e *Executor) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()

	var lastErr error
	for attempt := 0; attempt < e.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := e.backoff(attempt - 1)
			e.metrics.RecordStoreRetry(op)
			e.logger.Debug("retrying store operation", "op", op, "attempt", attempt+1, "delay", delay, "error", lastErr)

			select {
			case <-ctx.Done():
				e.metrics.RecordStoreOperation(op, time.Since(start).Seconds(), false)
				return fmt.Errorf("%s aborted by context: %w", op, ctx.Err())
			case <-time.After(delay):
			}
		}

		err := e.runAttempt(ctx, fn)
		if err == nil {
			e.metrics.RecordStoreOperation(op, time.Since(start).Seconds(), true)
			return nil
		}
		lastErr = err

		// The caller going away is not a store failure; stop immediately.
		if ctx.Err() != nil {
			e.metrics.RecordStoreOperation(op, time.Since(start).Seconds(), false)
			return fmt.Errorf("%s aborted by context: %w", op, ctx.Err())
		}

		if !retryable(err) {
			e.metrics.RecordStoreOperation(op, time.Since(start).Seconds(), false)
			return err
		}
	}

	e.metrics.RecordStoreOperation(op, time.Since(start).Seconds(), false)
	e.logger.Error("store operation failed after all attempts", "op", op, "attempts", e.policy.MaxAttempts, "error", lastErr)

	return fmt.Errorf("%s: %w after %d attempts: %w", op, types.ErrRetriesExhausted, e.policy.MaxAttempts, lastErr)
}

// runAttempt executes one attempt under the per-attempt timeout.
func (e *Executor) runAttempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if e.policy.OperationTimeout <= 0 {
		return fn(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, e.policy.OperationTimeout)
	defer cancel()

	return fn(attemptCtx)
}

// backoff computes the delay before the retry following the given attempt:
// min(base * expBase^attempt [+ jitter], max).
func (e *Executor) backoff(attempt int) time.Duration {
	delay := float64(e.policy.BaseDelay)
	for i := 0; i < attempt; i++ {
		delay *= e.policy.ExponentialBase
	}

	d := time.Duration(delay)
	if e.policy.Jitter && d > 0 {
		var jitter int64
		if e.rng != nil {
			jitter = e.rng.Int64N(int64(d))
		} else {
			jitter = rand.Int64N(int64(d)) //nolint:gosec // non-crypto backoff jitter
		}
		d += time.Duration(jitter)
	}

	if d > e.policy.MaxDelay {
		return e.policy.MaxDelay
	}

	return d
}

// retryable reports whether an error class warrants another attempt.
func retryable(err error) bool {
	return natsutil.IsConnectivityError(err) || errors.Is(err, context.DeadlineExceeded)
}
