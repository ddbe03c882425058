package coordinator

import "github.com/streamcoord/coordinator/types"

// Re-export types from the types subpackage.
//
// This file provides a stable public API for the library's core types and
// interfaces. It uses type aliases to re-export definitions from the `types`
// subpackage, which contains the actual implementations.
//
// This pattern solves the "import cycle" problem by allowing internal packages
// to depend on `types` without depending on the root `coordinator` package,
// while still providing a convenient `coordinator.Instance`,
// `coordinator.Logger`, etc. for users.
type (
	Instance        = types.Instance
	InstanceStatus  = types.InstanceStatus
	Assignment      = types.Assignment
	Lease           = types.Lease
	Item            = types.Item
	InstanceSummary = types.InstanceSummary
	SystemStatus    = types.SystemStatus
)

// Re-export interfaces from the types subpackage for convenience.
type (
	MetricsCollector = types.MetricsCollector
	Logger           = types.Logger
)

// Re-export status constants from the types subpackage.
const (
	InstanceActive   = types.InstanceActive
	InstanceDraining = types.InstanceDraining
	InstanceInactive = types.InstanceInactive

	AssignmentActive   = types.AssignmentActive
	AssignmentReleased = types.AssignmentReleased
)
