package types

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the coordinator.
//
// These errors provide type-safe error checking using errors.Is() and
// errors.As(). Components wrap external errors with context using
// fmt.Errorf("...: %w", err) and reserve sentinels for known conditions.

// Public API errors.
var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNATSConnectionRequired is returned when the NATS connection is nil.
	ErrNATSConnectionRequired = errors.New("NATS connection is required")

	// ErrCatalogSourceRequired is returned when the item catalog source is nil.
	ErrCatalogSourceRequired = errors.New("catalog source is required")

	// ErrAlreadyStarted is returned when Start is called on a running coordinator.
	ErrAlreadyStarted = errors.New("coordinator already started")

	// ErrNotStarted is returned when operations require a started coordinator.
	ErrNotStarted = errors.New("coordinator not started")

	// ErrInstanceNotFound is returned for heartbeats or releases referencing a
	// server_id that was never registered. The caller must register first.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrInvalidCapacity is returned when a registration carries a capacity < 1.
	ErrInvalidCapacity = errors.New("capacity must be >= 1")

	// ErrInvalidServerID is returned when a server_id is empty.
	ErrInvalidServerID = errors.New("server_id must not be empty")

	// ErrInvalidStatus is returned when a heartbeat carries an unknown status.
	ErrInvalidStatus = errors.New("invalid instance status")
)

// Lease errors.
var (
	// ErrLeaseNotHeld is returned by Renew when the caller is not the current
	// holder, signalling that the lease was lost (e.g. reclaimed after expiry).
	ErrLeaseNotHeld = errors.New("lease not held")
)

// Infrastructure errors.
var (
	// ErrConnectivity indicates a NATS/KV connectivity issue. Used to
	// distinguish transient network failures from application errors; the
	// resilient executor retries only these.
	ErrConnectivity = errors.New("connectivity issue")

	// ErrRetriesExhausted is returned when a store operation failed after the
	// configured number of attempts. It always wraps the last attempt's error.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrNoKeysFound is returned when NATS KV reports no keys (an expected
	// condition for empty buckets).
	ErrNoKeysFound = errors.New("no keys found")
)

// AlreadyHeldError is returned by Acquire when another instance holds a live
// lease on the item. It is contention, not failure: callers move on to the
// next candidate item.
type AlreadyHeldError struct {
	ItemID string
	Holder string
}

func (e *AlreadyHeldError) Error() string {
	return fmt.Sprintf("lease for item %s already held by %s", e.ItemID, e.Holder)
}

// IsAlreadyHeld reports whether err indicates lease contention, and returns
// the current holder when it does.
func IsAlreadyHeld(err error) (string, bool) {
	var held *AlreadyHeldError
	if errors.As(err, &held) {
		return held.Holder, true
	}

	return "", false
}

// IsNoKeysFoundError checks if an error indicates that no keys were found in
// NATS KV. Handles both the sentinel and NATS-specific wrapped messages such
// as "failed to list KV keys: nats: no keys found".
func IsNoKeysFoundError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNoKeysFound) {
		return true
	}

	return strings.Contains(err.Error(), "no keys found")
}
