package types

// InstanceSummary is an instance record joined with its authoritative
// assignment count from the ledger. ActiveCount, not ReportedLoad, is what
// capacity and balancing decisions use.
type InstanceSummary struct {
	Instance

	// ActiveCount is the number of active assignments owned by the instance,
	// recomputed from the ledger.
	ActiveCount int `json:"active_count"`
}

// SystemStatus is the coordinator-wide status snapshot. All counts are
// recomputed from the ledger and registry on every call, never cached.
type SystemStatus struct {
	Instances InstanceCounts `json:"instances"`
	Items     ItemCounts     `json:"items"`
}

// InstanceCounts summarizes the fleet.
type InstanceCounts struct {
	Active int `json:"active"`
	Total  int `json:"total"`
}

// ItemCounts summarizes the catalog's assignment state.
type ItemCounts struct {
	Assigned   int `json:"assigned"`
	Unassigned int `json:"unassigned"`
}
