package coordinator

import (
	"fmt"
	"time"
)

// RetryConfig controls the resilient executor wrapping every store operation.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts per operation.
	MaxAttempts int `yaml:"maxAttempts"`

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration `yaml:"baseDelay"`

	// MaxDelay caps the computed backoff delay.
	MaxDelay time.Duration `yaml:"maxDelay"`

	// ExponentialBase is the backoff growth factor.
	ExponentialBase float64 `yaml:"exponentialBase"`

	// Jitter adds randomized jitter to each delay.
	Jitter bool `yaml:"jitter"`

	// OperationTimeout bounds each individual attempt.
	OperationTimeout time.Duration `yaml:"operationTimeout"`
}

// ReconcileConfig controls the consistency reconciler.
type ReconcileConfig struct {
	// Interval is the time between scheduled reconciliation passes. Passes
	// also run immediately after a detected instance failure.
	Interval time.Duration `yaml:"interval"`
}

// BalanceConfig controls the rebalancing loop.
type BalanceConfig struct {
	// EvaluateInterval is how often the loop evaluates the fleet.
	EvaluateInterval time.Duration `yaml:"evaluateInterval"`

	// MinRebalanceInterval is the minimum spacing between rebalance cycles.
	// Prevents thrashing under rapid trigger conditions; the emergency path
	// is never delayed by it.
	MinRebalanceInterval time.Duration `yaml:"minRebalanceInterval"`

	// ImbalanceThreshold triggers a cycle when (max-min)/average load across
	// the fleet exceeds it.
	ImbalanceThreshold float64 `yaml:"imbalanceThreshold"`

	// EmergencyThreshold triggers an immediate, undelayed cycle when any
	// instance's active_count/capacity exceeds it.
	EmergencyThreshold float64 `yaml:"emergencyThreshold"`

	// MaxStreamDifference triggers a cycle when an instance deviates from
	// the fleet average by more than this many items.
	MaxStreamDifference int `yaml:"maxStreamDifference"`

	// MaxMigrationsPerCycle caps the moves planned per cycle.
	MaxMigrationsPerCycle int `yaml:"maxMigrationsPerCycle"`

	// MigrationBatchSize groups moves into sequentially executed batches.
	MigrationBatchSize int `yaml:"migrationBatchSize"`

	// MigrationDelay is the pause between batches.
	MigrationDelay time.Duration `yaml:"migrationDelay"`

	// MinInstances is the minimum fleet size for rebalancing; smaller fleets
	// make every cycle a no-op.
	MinInstances int `yaml:"minInstances"`
}

// KVBucketConfig configures the NATS JetStream KV bucket names.
type KVBucketConfig struct {
	// InstanceBucket holds instance records keyed by server_id.
	InstanceBucket string `yaml:"instanceBucket"`

	// LeaseBucket holds per-item leases.
	LeaseBucket string `yaml:"leaseBucket"`

	// AssignmentBucket holds the assignment ledger.
	AssignmentBucket string `yaml:"assignmentBucket"`

	// CatalogBucket holds the external, read-only item catalog. Only used
	// when the coordinator is constructed with a KV catalog source.
	CatalogBucket string `yaml:"catalogBucket"`

	// AssignmentHistory is the per-key revision history depth kept on the
	// assignment bucket; it is what preserves the release audit trail.
	AssignmentHistory int `yaml:"assignmentHistory"`
}

// Config is the configuration for the Coordinator.
//
// Constructed once at startup, validated eagerly, and passed by value into
// each component's constructor. All duration fields accept standard Go
// duration strings like "30s", "5m", "1h" when loaded from YAML.
type Config struct {
	// LivenessTimeout is how long an instance may go without heartbeating
	// before the sweep marks it inactive.
	LivenessTimeout time.Duration `yaml:"livenessTimeout"`

	// LeaseExpiry is the window after which an unrenewed lease is logically
	// absent and may be reclaimed.
	LeaseExpiry time.Duration `yaml:"leaseExpiry"`

	// MaxLoadFactor bounds active_count/capacity for assignment eligibility
	// and migration destinations.
	MaxLoadFactor float64 `yaml:"maxLoadFactor"`

	// PruneReleased hard-deletes released assignment rows instead of
	// retaining them for audit history.
	PruneReleased bool `yaml:"pruneReleased"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`

	// Reconcile controls the consistency reconciler.
	Reconcile ReconcileConfig `yaml:"reconcile"`

	// Balance controls the rebalancing loop.
	Balance BalanceConfig `yaml:"balance"`

	// Retry controls the resilient store executor.
	Retry RetryConfig `yaml:"retry"`

	// KVBuckets controls NATS JetStream KV bucket configuration.
	KVBuckets KVBucketConfig `yaml:"kvBuckets"`
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		LivenessTimeout: 120 * time.Second,
		LeaseExpiry:     120 * time.Second,
		MaxLoadFactor:   0.9,
		PruneReleased:   false,
		ShutdownTimeout: 10 * time.Second,
		Reconcile: ReconcileConfig{
			Interval: 180 * time.Second,
		},
		Balance: BalanceConfig{
			EvaluateInterval:      30 * time.Second,
			MinRebalanceInterval:  60 * time.Second,
			ImbalanceThreshold:    0.20,
			EmergencyThreshold:    0.95,
			MaxStreamDifference:   2,
			MaxMigrationsPerCycle: 10,
			MigrationBatchSize:    3,
			MigrationDelay:        5 * time.Second,
			MinInstances:          2,
		},
		Retry: RetryConfig{
			MaxAttempts:      3,
			BaseDelay:        100 * time.Millisecond,
			MaxDelay:         5 * time.Second,
			ExponentialBase:  2.0,
			Jitter:           true,
			OperationTimeout: 10 * time.Second,
		},
		KVBuckets: KVBucketConfig{
			InstanceBucket:    "coordinator-instances",
			LeaseBucket:       "coordinator-leases",
			AssignmentBucket:  "coordinator-assignments",
			CatalogBucket:     "coordinator-items",
			AssignmentHistory: 20,
		},
	}
}

// SetDefaults fills in missing configuration values with production defaults.
//
// Parameters:
//   - cfg: Config to apply defaults to (modified in place)
func SetDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.LivenessTimeout == 0 {
		cfg.LivenessTimeout = defaults.LivenessTimeout
	}
	if cfg.LeaseExpiry == 0 {
		cfg.LeaseExpiry = defaults.LeaseExpiry
	}
	if cfg.MaxLoadFactor == 0 {
		cfg.MaxLoadFactor = defaults.MaxLoadFactor
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if cfg.Reconcile.Interval == 0 {
		cfg.Reconcile.Interval = defaults.Reconcile.Interval
	}
	if cfg.Balance.EvaluateInterval == 0 {
		cfg.Balance.EvaluateInterval = defaults.Balance.EvaluateInterval
	}
	if cfg.Balance.MinRebalanceInterval == 0 {
		cfg.Balance.MinRebalanceInterval = defaults.Balance.MinRebalanceInterval
	}
	if cfg.Balance.ImbalanceThreshold == 0 {
		cfg.Balance.ImbalanceThreshold = defaults.Balance.ImbalanceThreshold
	}
	if cfg.Balance.EmergencyThreshold == 0 {
		cfg.Balance.EmergencyThreshold = defaults.Balance.EmergencyThreshold
	}
	if cfg.Balance.MaxStreamDifference == 0 {
		cfg.Balance.MaxStreamDifference = defaults.Balance.MaxStreamDifference
	}
	if cfg.Balance.MaxMigrationsPerCycle == 0 {
		cfg.Balance.MaxMigrationsPerCycle = defaults.Balance.MaxMigrationsPerCycle
	}
	if cfg.Balance.MigrationBatchSize == 0 {
		cfg.Balance.MigrationBatchSize = defaults.Balance.MigrationBatchSize
	}
	if cfg.Balance.MigrationDelay == 0 {
		cfg.Balance.MigrationDelay = defaults.Balance.MigrationDelay
	}
	if cfg.Balance.MinInstances == 0 {
		cfg.Balance.MinInstances = defaults.Balance.MinInstances
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = defaults.Retry.MaxAttempts
	}
	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry.BaseDelay = defaults.Retry.BaseDelay
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = defaults.Retry.MaxDelay
	}
	if cfg.Retry.ExponentialBase == 0 {
		cfg.Retry.ExponentialBase = defaults.Retry.ExponentialBase
	}
	if cfg.Retry.OperationTimeout == 0 {
		cfg.Retry.OperationTimeout = defaults.Retry.OperationTimeout
	}
	if cfg.KVBuckets.InstanceBucket == "" {
		cfg.KVBuckets.InstanceBucket = defaults.KVBuckets.InstanceBucket
	}
	if cfg.KVBuckets.LeaseBucket == "" {
		cfg.KVBuckets.LeaseBucket = defaults.KVBuckets.LeaseBucket
	}
	if cfg.KVBuckets.AssignmentBucket == "" {
		cfg.KVBuckets.AssignmentBucket = defaults.KVBuckets.AssignmentBucket
	}
	if cfg.KVBuckets.CatalogBucket == "" {
		cfg.KVBuckets.CatalogBucket = defaults.KVBuckets.CatalogBucket
	}
	if cfg.KVBuckets.AssignmentHistory == 0 {
		cfg.KVBuckets.AssignmentHistory = defaults.KVBuckets.AssignmentHistory
	}
	// Note: PruneReleased and Jitter are plain booleans whose zero values are
	// the intended defaults (retain history, jitter handled above via struct
	// literal when callers start from DefaultConfig).
}

// Validate checks configuration constraints and returns an error for invalid
// values. Called eagerly at construction so out-of-range values are rejected
// before any loop starts.
func (cfg *Config) Validate() error {
	if cfg.LivenessTimeout <= 0 {
		return fmt.Errorf("LivenessTimeout must be > 0, got %v", cfg.LivenessTimeout)
	}
	if cfg.LeaseExpiry <= 0 {
		return fmt.Errorf("LeaseExpiry must be > 0, got %v", cfg.LeaseExpiry)
	}
	if cfg.MaxLoadFactor <= 0 || cfg.MaxLoadFactor > 1 {
		return fmt.Errorf("MaxLoadFactor must be in (0, 1], got %v", cfg.MaxLoadFactor)
	}
	if cfg.Reconcile.Interval <= 0 {
		return fmt.Errorf("Reconcile.Interval must be > 0, got %v", cfg.Reconcile.Interval)
	}
	if cfg.Balance.EvaluateInterval <= 0 {
		return fmt.Errorf("Balance.EvaluateInterval must be > 0, got %v", cfg.Balance.EvaluateInterval)
	}
	if cfg.Balance.MinRebalanceInterval <= 0 {
		return fmt.Errorf("Balance.MinRebalanceInterval must be > 0, got %v", cfg.Balance.MinRebalanceInterval)
	}
	if cfg.Balance.ImbalanceThreshold <= 0 {
		return fmt.Errorf("Balance.ImbalanceThreshold must be > 0, got %v", cfg.Balance.ImbalanceThreshold)
	}
	if cfg.Balance.EmergencyThreshold <= 0 || cfg.Balance.EmergencyThreshold > 1 {
		return fmt.Errorf("Balance.EmergencyThreshold must be in (0, 1], got %v", cfg.Balance.EmergencyThreshold)
	}
	if cfg.Balance.EmergencyThreshold < cfg.MaxLoadFactor {
		return fmt.Errorf(
			"Balance.EmergencyThreshold (%v) must be >= MaxLoadFactor (%v); the emergency path backstops normal eligibility",
			cfg.Balance.EmergencyThreshold, cfg.MaxLoadFactor,
		)
	}
	if cfg.Balance.MaxStreamDifference < 1 {
		return fmt.Errorf("Balance.MaxStreamDifference must be >= 1, got %v", cfg.Balance.MaxStreamDifference)
	}
	if cfg.Balance.MaxMigrationsPerCycle < 1 {
		return fmt.Errorf("Balance.MaxMigrationsPerCycle must be >= 1, got %v", cfg.Balance.MaxMigrationsPerCycle)
	}
	if cfg.Balance.MigrationBatchSize < 1 || cfg.Balance.MigrationBatchSize > cfg.Balance.MaxMigrationsPerCycle {
		return fmt.Errorf(
			"Balance.MigrationBatchSize must be in [1, MaxMigrationsPerCycle=%d], got %v",
			cfg.Balance.MaxMigrationsPerCycle, cfg.Balance.MigrationBatchSize,
		)
	}
	if cfg.Balance.MigrationDelay < 0 {
		return fmt.Errorf("Balance.MigrationDelay must be >= 0, got %v", cfg.Balance.MigrationDelay)
	}
	if cfg.Balance.MinInstances < 2 {
		return fmt.Errorf("Balance.MinInstances must be >= 2, got %v", cfg.Balance.MinInstances)
	}
	if cfg.Retry.MaxAttempts < 1 {
		return fmt.Errorf("Retry.MaxAttempts must be >= 1, got %v", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.ExponentialBase < 1 {
		return fmt.Errorf("Retry.ExponentialBase must be >= 1, got %v", cfg.Retry.ExponentialBase)
	}
	if cfg.Retry.BaseDelay <= 0 || cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		return fmt.Errorf(
			"Retry delays must satisfy 0 < BaseDelay (%v) <= MaxDelay (%v)",
			cfg.Retry.BaseDelay, cfg.Retry.MaxDelay,
		)
	}
	if cfg.KVBuckets.AssignmentHistory < 1 {
		return fmt.Errorf("KVBuckets.AssignmentHistory must be >= 1, got %v", cfg.KVBuckets.AssignmentHistory)
	}

	return nil
}

// TestConfig returns a configuration optimized for fast test execution.
//
// Timings are 10-100x faster than production defaults to enable rapid
// iteration without sacrificing coverage. Use DefaultConfig() for
// production deployments.
func TestConfig() Config {
	cfg := DefaultConfig()

	cfg.LivenessTimeout = 500 * time.Millisecond
	cfg.LeaseExpiry = 500 * time.Millisecond
	cfg.ShutdownTimeout = 2 * time.Second
	cfg.Reconcile.Interval = 200 * time.Millisecond
	cfg.Balance.EvaluateInterval = 100 * time.Millisecond
	cfg.Balance.MinRebalanceInterval = 100 * time.Millisecond
	cfg.Balance.MigrationDelay = 10 * time.Millisecond
	cfg.Retry.BaseDelay = 10 * time.Millisecond
	cfg.Retry.MaxDelay = 100 * time.Millisecond
	cfg.Retry.OperationTimeout = 2 * time.Second

	return cfg
}
