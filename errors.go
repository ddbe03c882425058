package coordinator

import "github.com/streamcoord/coordinator/types"

// Sentinel errors returned by the Coordinator.
//
// Aliased from the types subpackage so callers can match with errors.Is
// without importing it.
var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = types.ErrInvalidConfig

	// ErrNATSConnectionRequired is returned when the NATS connection is nil.
	ErrNATSConnectionRequired = types.ErrNATSConnectionRequired

	// ErrCatalogSourceRequired is returned when the item catalog source is nil.
	ErrCatalogSourceRequired = types.ErrCatalogSourceRequired

	// ErrAlreadyStarted is returned when Start is called on a running coordinator.
	ErrAlreadyStarted = types.ErrAlreadyStarted

	// ErrNotStarted is returned when Stop is called before Start.
	ErrNotStarted = types.ErrNotStarted

	// ErrInstanceNotFound is returned when an operation names an unregistered
	// instance.
	ErrInstanceNotFound = types.ErrInstanceNotFound

	// ErrInvalidServerID is returned when a server id is empty.
	ErrInvalidServerID = types.ErrInvalidServerID

	// ErrInvalidCapacity is returned when a declared capacity is below 1.
	ErrInvalidCapacity = types.ErrInvalidCapacity

	// ErrInvalidStatus is returned for unknown instance statuses.
	ErrInvalidStatus = types.ErrInvalidStatus

	// ErrRetriesExhausted wraps the last error after the retry budget is spent.
	ErrRetriesExhausted = types.ErrRetriesExhausted
)
