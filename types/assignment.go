package types

import "time"

// AssignmentStatus is the status of an assignment ledger row.
type AssignmentStatus string

// Assignment status values. At most one Active row may exist per item at any
// time; ownership changes are release-then-create, never in-place updates.
const (
	AssignmentActive   AssignmentStatus = "active"
	AssignmentReleased AssignmentStatus = "released"
)

// Assignment is a ledger record mapping an item to its owning instance.
type Assignment struct {
	// ItemID identifies the assigned item.
	ItemID string `json:"item_id"`

	// ServerID identifies the owning instance.
	ServerID string `json:"server_id"`

	// Status is Active while the instance owns the item.
	Status AssignmentStatus `json:"status"`

	// AssignedAt is when the assignment was granted.
	AssignedAt time.Time `json:"assigned_at"`

	// ReleasedAt is when the assignment was released (zero while active).
	ReleasedAt time.Time `json:"released_at,omitzero"`
}

// Lease is a time-bounded exclusive claim on an item, held by one instance
// and renewed by its heartbeats. An expired lease is logically absent and may
// be reclaimed by any instance.
type Lease struct {
	// ItemID identifies the leased item. At most one lease exists per item.
	ItemID string `json:"item_id"`

	// ServerID identifies the holder.
	ServerID string `json:"server_id"`

	// HeartbeatAt is the last renewal timestamp.
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

// Expired reports whether the lease has gone unrenewed past the expiry window
// at the given instant.
func (l Lease) Expired(now time.Time, expiryWindow time.Duration) bool {
	return now.Sub(l.HeartbeatAt) > expiryWindow
}

// Item is a unit of work from the external catalog. The coordinator only
// reads item identities; name and locator are owned elsewhere.
type Item struct {
	// ID is the stable catalog key.
	ID string `json:"id"`

	// Name is a human-readable label.
	Name string `json:"name"`

	// Locator tells workers where to find the item's data.
	Locator string `json:"locator"`
}
