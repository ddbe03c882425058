// Package testing provides test utilities for the coordinator library.
//
// This package offers helpers for setting up test environments, particularly
// embedded NATS servers for integration testing. It follows Go's convention
// of providing testing utilities in a dedicated package (similar to
// net/http/httptest).
//
// Key utilities:
//   - StartEmbeddedNATS: Single NATS server with JetStream
//   - CreateKV: Convenience wrapper for KV bucket creation
//   - NewTestLogger: Logger writing through testing.T
//   - AssertSingleOwner: Ownership invariant checker
//
// Example usage:
//
//	import (
//	    "testing"
//	    coordtest "github.com/streamcoord/coordinator/testing"
//	)
//
//	func TestMyComponent(t *testing.T) {
//	    _, nc := coordtest.StartEmbeddedNATS(t)
//	    // ...
//	}
package testing
