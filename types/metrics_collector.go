package types

// MetricsCollector defines methods for recording operational metrics.
//
// Implementations should be non-blocking and handle failures gracefully.
// All methods may be called from internal goroutines and must be thread-safe.
//
// This interface composes smaller, domain-focused interfaces for modularity.
type MetricsCollector interface {
	RegistryMetrics
	LeaseMetrics
	ReconcilerMetrics
	BalancerMetrics
	ExecutorMetrics
}

// RegistryMetrics defines metrics for instance registry operations.
type RegistryMetrics interface {
	// RecordRegistration records an instance registration (new or repeat).
	RecordRegistration(serverID string)

	// RecordHeartbeat records a heartbeat from an instance.
	//
	// Parameters:
	//   - serverID: The instance that heartbeated
	//   - success: false when the heartbeat was rejected (e.g. unregistered)
	RecordHeartbeat(serverID string, success bool)

	// RecordInstanceExpired records an instance marked inactive by the
	// liveness sweep.
	RecordInstanceExpired(serverID string)

	// RecordActiveInstances sets the current active instance count (gauge).
	RecordActiveInstances(count int)
}

// LeaseMetrics defines metrics for stream lock operations.
type LeaseMetrics interface {
	// RecordLeaseAcquire records a lease acquisition attempt.
	//
	// Parameters:
	//   - outcome: "granted", "held", or "error"
	RecordLeaseAcquire(outcome string)

	// RecordLeaseReclaimed records leases deleted by expiry reclaim.
	RecordLeaseReclaimed(count int)
}

// ReconcilerMetrics defines metrics for consistency reconciliation passes.
type ReconcilerMetrics interface {
	// RecordReconcilePass records a completed reconciliation pass.
	//
	// Parameters:
	//   - released: Number of assignments released by the pass
	//   - duration: Pass duration in seconds
	RecordReconcilePass(released int, duration float64)
}

// BalancerMetrics defines metrics for rebalancing cycles.
type BalancerMetrics interface {
	// RecordRebalanceCycle records a completed rebalance cycle.
	//
	// Parameters:
	//   - reason: Trigger reason ("imbalance", "emergency", "deviation")
	//   - planned: Number of migrations planned
	//   - executed: Number of migrations completed
	RecordRebalanceCycle(reason string, planned, executed int)

	// RecordAssignedItems sets the current assigned item count (gauge).
	RecordAssignedItems(count int)
}

// ExecutorMetrics defines metrics for the resilient store executor.
type ExecutorMetrics interface {
	// RecordStoreRetry records a retry attempt for a store operation.
	RecordStoreRetry(op string)

	// RecordStoreOperation records a store operation's latency and outcome.
	//
	// Parameters:
	//   - op: Operation name
	//   - duration: Time taken in seconds
	//   - success: Whether the operation ultimately succeeded
	RecordStoreOperation(op string, duration float64, success bool)
}
