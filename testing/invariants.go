package testing

import (
	"testing"

	"github.com/streamcoord/coordinator/types"
)

// AssertSingleOwner verifies that no item appears in more than one instance's
// assignment list and that the total matches the expected count.
//
// Parameters:
//   - t: testing handle
//   - assignments: map of server_id -> assigned item ids
//   - expectedTotal: expected total number of unique assigned items
func AssertSingleOwner(t *testing.T, assignments map[string][]string, expectedTotal int) {
	t.Helper()

	seen := make(map[string]string, expectedTotal)
	sum := 0
	for serverID, items := range assignments {
		sum += len(items)
		for _, itemID := range items {
			if other, ok := seen[itemID]; ok {
				t.Fatalf("item %s assigned to both %s and %s", itemID, other, serverID)
			}
			seen[itemID] = serverID
		}
	}

	if sum != expectedTotal {
		t.Fatalf("sum of assignments (%d) does not equal expected total (%d)", sum, expectedTotal)
	}
}

// AssertLeasesMatchAssignments verifies the pairing invariant: every active
// assignment has a lease held by the same instance, and every lease backs an
// active assignment.
//
// Parameters:
//   - t: testing handle
//   - actives: active assignment rows keyed by item id
//   - leases: live leases keyed by item id
func AssertLeasesMatchAssignments(t *testing.T, actives map[string]types.Assignment, leases map[string]types.Lease) {
	t.Helper()

	for itemID, row := range actives {
		lease, ok := leases[itemID]
		if !ok {
			t.Fatalf("active assignment for item %s has no lease", itemID)
		}
		if lease.ServerID != row.ServerID {
			t.Fatalf("item %s assigned to %s but leased by %s", itemID, row.ServerID, lease.ServerID)
		}
	}

	for itemID := range leases {
		if _, ok := actives[itemID]; !ok {
			t.Fatalf("lease for item %s backs no active assignment", itemID)
		}
	}
}
