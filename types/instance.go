package types

import "time"

// InstanceStatus is the lifecycle status of a worker instance.
type InstanceStatus string

// Instance status values.
//
// Transitions: instances register as Active, may self-report Draining, and
// are marked Inactive by the liveness sweep once heartbeats stop. Instances
// are never hard-deleted; Inactive rows are retained for audit but excluded
// from assignment eligibility.
const (
	InstanceActive   InstanceStatus = "active"
	InstanceDraining InstanceStatus = "draining"
	InstanceInactive InstanceStatus = "inactive"
)

// Valid reports whether s is a known instance status.
func (s InstanceStatus) Valid() bool {
	switch s {
	case InstanceActive, InstanceDraining, InstanceInactive:
		return true
	default:
		return false
	}
}

// Instance is a worker process registered with the coordinator.
//
// ReportedLoad is advisory only: it is whatever the worker last claimed in a
// heartbeat. Capacity decisions always use the ledger's active-assignment
// count for the instance, never ReportedLoad.
type Instance struct {
	// ServerID uniquely identifies the instance (opaque string).
	ServerID string `json:"server_id"`

	// Address is the host:port the worker listens on.
	Address string `json:"address"`

	// Capacity is the maximum number of items the instance can process
	// concurrently. Always >= 1.
	Capacity int `json:"capacity"`

	// ReportedLoad is the load the worker self-reported at its last heartbeat.
	ReportedLoad int `json:"reported_load"`

	// Status is the current lifecycle status.
	Status InstanceStatus `json:"status"`

	// LastHeartbeat is when the instance last registered or heartbeated.
	LastHeartbeat time.Time `json:"last_heartbeat"`

	// RegisteredAt is when the instance first registered. Preserved across
	// re-registrations.
	RegisteredAt time.Time `json:"registered_at"`
}

// Expired reports whether the instance's last heartbeat is older than the
// liveness timeout at the given instant.
func (i Instance) Expired(now time.Time, livenessTimeout time.Duration) bool {
	return now.Sub(i.LastHeartbeat) > livenessTimeout
}
