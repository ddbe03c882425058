// Package metrics provides MetricsCollector implementations for the coordinator.
package metrics

import "github.com/streamcoord/coordinator/types"

// NopMetrics is a no-op metrics collector that discards all measurements.
//
// Useful as a safe default when no collector is configured and for tests
// that don't assert on metrics.
type NopMetrics struct{}

// Compile-time assertion that NopMetrics implements MetricsCollector.
var _ types.MetricsCollector = (*NopMetrics)(nil)

// NewNop creates a new no-op metrics collector.
func NewNop() *NopMetrics {
	return &NopMetrics{}
}

// RecordRegistration discards the measurement.
func (n *NopMetrics) RecordRegistration(_ string) {}

// RecordHeartbeat discards the measurement.
func (n *NopMetrics) RecordHeartbeat(_ string, _ bool) {}

// RecordInstanceExpired discards the measurement.
func (n *NopMetrics) RecordInstanceExpired(_ string) {}

// RecordActiveInstances discards the measurement.
func (n *NopMetrics) RecordActiveInstances(_ int) {}

// RecordLeaseAcquire discards the measurement.
func (n *NopMetrics) RecordLeaseAcquire(_ string) {}

// RecordLeaseReclaimed discards the measurement.
func (n *NopMetrics) RecordLeaseReclaimed(_ int) {}

// RecordReconcilePass discards the measurement.
func (n *NopMetrics) RecordReconcilePass(_ int, _ float64) {}

// RecordRebalanceCycle discards the measurement.
func (n *NopMetrics) RecordRebalanceCycle(_ string, _, _ int) {}

// RecordAssignedItems discards the measurement.
func (n *NopMetrics) RecordAssignedItems(_ int) {}

// RecordStoreRetry discards the measurement.
func (n *NopMetrics) RecordStoreRetry(_ string) {}

// RecordStoreOperation discards the measurement.
func (n *NopMetrics) RecordStoreOperation(_ string, _ float64, _ bool) {}
