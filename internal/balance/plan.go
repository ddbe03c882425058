// Package balance implements the periodic load-balancing control loop.
//
// Each cycle walks the state machine
//
//	Idle -> Evaluate -> (NoActionNeeded | PlanMigrations) -> Execute -> Idle
//
// Evaluation and planning are pure functions over a fleet snapshot so they
// can be tested without a store. Execution drives the ledger and lease
// manager; migrations never override the lock manager's serialization - a
// lost acquisition returns the item to the unassigned pool.
package balance

import (
	"math"
	"sort"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/streamcoord/coordinator/types"
)

// Reason identifies what triggered a rebalance cycle.
type Reason string

// Trigger reasons. Emergency bypasses batching delays and the minimum
// inter-cycle spacing.
const (
	ReasonNone      Reason = ""
	ReasonImbalance Reason = "imbalance"
	ReasonEmergency Reason = "emergency"
	ReasonDeviation Reason = "deviation"
)

// Config holds the balancing thresholds.
type Config struct {
	// ImbalanceThreshold triggers a cycle when (max-min)/average exceeds it.
	ImbalanceThreshold float64

	// EmergencyThreshold triggers an immediate cycle when any instance's
	// active_count/capacity exceeds it.
	EmergencyThreshold float64

	// MaxStreamDifference triggers a cycle when an instance deviates from the
	// average by more than this many items.
	MaxStreamDifference int

	// MaxMigrationsPerCycle caps the moves planned in one cycle.
	MaxMigrationsPerCycle int

	// MigrationBatchSize groups moves into sequentially executed batches.
	MigrationBatchSize int

	// MigrationDelay is the pause between batches to bound churn.
	MigrationDelay time.Duration

	// MinRebalanceInterval is the minimum spacing between cycles. The
	// emergency path is never delayed by it.
	MinRebalanceInterval time.Duration

	// MinInstances is the minimum eligible fleet size for rebalancing.
	MinInstances int

	// MaxLoadFactor excludes near-full instances from receiving migrations.
	MaxLoadFactor float64

	// EvaluateInterval is how often the loop wakes to evaluate the fleet.
	EvaluateInterval time.Duration
}

// Snapshot is a point-in-time view of the fleet used for evaluation and
// planning. Counts come from the assignment ledger, never from self-reported
// load.
type Snapshot struct {
	// Instances are the active instances, in stable order.
	Instances []types.Instance

	// Counts maps server_id to its active assignment count.
	Counts map[string]int

	// Items maps server_id to its assigned item ids, sorted ascending.
	Items map[string][]string
}

// Move is one planned migration.
type Move struct {
	ItemID      string
	Source      string
	Destination string
}

// Evaluate decides whether the fleet needs rebalancing and why.
//
// Requires at least cfg.MinInstances instances; smaller fleets make the cycle
// a no-op. The emergency check runs first so overload always wins over the
// slower paths.
func Evaluate(snap Snapshot, cfg Config) Reason {
	if len(snap.Instances) < cfg.MinInstances {
		return ReasonNone
	}

	for _, inst := range snap.Instances {
		if inst.Capacity <= 0 {
			continue
		}
		if float64(snap.Counts[inst.ServerID])/float64(inst.Capacity) > cfg.EmergencyThreshold {
			return ReasonEmergency
		}
	}

	minCount, maxCount := math.MaxInt, 0
	total := 0
	for _, inst := range snap.Instances {
		count := snap.Counts[inst.ServerID]
		total += count
		minCount = min(minCount, count)
		maxCount = max(maxCount, count)
	}

	average := float64(total) / float64(len(snap.Instances))
	if average > 0 && float64(maxCount-minCount)/average > cfg.ImbalanceThreshold {
		return ReasonImbalance
	}

	for _, inst := range snap.Instances {
		if math.Abs(float64(snap.Counts[inst.ServerID])-average) > float64(cfg.MaxStreamDifference) {
			return ReasonDeviation
		}
	}

	return ReasonNone
}

// Plan builds the migration list for one cycle, capped at
// cfg.MaxMigrationsPerCycle.
//
// Sources are instances above the fleet average; destinations are instances
// below the average and below cfg.MaxLoadFactor. Item choice within a source
// uses highest-random-weight affinity to the destination, so repeated cycles
// converge on the same placements instead of shuffling different items each
// time. skip filters out items that must not move this cycle (e.g. recently
// migrated ones).
func Plan(snap Snapshot, cfg Config, skip func(itemID string) bool) []Move {
	if len(snap.Instances) < cfg.MinInstances {
		return nil
	}
	if skip == nil {
		skip = func(string) bool { return false }
	}

	counts := make(map[string]int, len(snap.Counts))
	for id, count := range snap.Counts {
		counts[id] = count
	}
	pending := make(map[string][]string, len(snap.Items))
	for id, items := range snap.Items {
		pending[id] = append([]string(nil), items...)
	}

	capacities := make(map[string]int, len(snap.Instances))
	total := 0
	for _, inst := range snap.Instances {
		capacities[inst.ServerID] = inst.Capacity
		total += counts[inst.ServerID]
	}
	average := float64(total) / float64(len(snap.Instances))

	var moves []Move
	for len(moves) < cfg.MaxMigrationsPerCycle {
		source := pickSource(snap.Instances, counts, average)
		if source == "" {
			break
		}
		dest := pickDestination(snap.Instances, counts, capacities, average, source, cfg.MaxLoadFactor)
		if dest == "" {
			break
		}
		item := pickItem(pending[source], dest, skip)
		if item == "" {
			// Nothing movable on the most loaded source; stop rather than
			// churning a less loaded one.
			break
		}

		moves = append(moves, Move{ItemID: item, Source: source, Destination: dest})
		counts[source]--
		counts[dest]++
		pending[source] = remove(pending[source], item)
	}

	return moves
}

// pickSource returns the most loaded instance still above average, ties
// broken by server id for determinism.
func pickSource(instances []types.Instance, counts map[string]int, average float64) string {
	best := ""
	bestCount := -1
	for _, inst := range instances {
		count := counts[inst.ServerID]
		if float64(count) <= average {
			continue
		}
		if count > bestCount || (count == bestCount && inst.ServerID < best) {
			best, bestCount = inst.ServerID, count
		}
	}

	return best
}

// pickDestination returns the least loaded instance below average with load
// factor headroom, excluding the source.
func pickDestination(instances []types.Instance, counts, capacities map[string]int, average float64, source string, maxLoadFactor float64) string {
	best := ""
	bestCount := math.MaxInt
	for _, inst := range instances {
		if inst.ServerID == source {
			continue
		}
		count := counts[inst.ServerID]
		if float64(count) >= average {
			continue
		}
		capacity := capacities[inst.ServerID]
		if capacity <= 0 || count+1 > capacity {
			continue
		}
		if float64(count)/float64(capacity) >= maxLoadFactor {
			continue
		}
		if count < bestCount || (count == bestCount && inst.ServerID < best) {
			best, bestCount = inst.ServerID, count
		}
	}

	return best
}

// pickItem chooses the movable item with the highest affinity to the
// destination. Affinity is a highest-random-weight hash of (item,
// destination), so the same destination keeps attracting the same items
// across cycles.
func pickItem(items []string, destination string, skip func(string) bool) string {
	best := ""
	var bestScore uint64
	for _, itemID := range items {
		if skip(itemID) {
			continue
		}
		score := affinity(itemID, destination)
		if best == "" || score > bestScore || (score == bestScore && itemID < best) {
			best, bestScore = itemID, score
		}
	}

	return best
}

// affinity computes the rendezvous weight of placing an item on a server.
func affinity(itemID, serverID string) uint64 {
	return xxh3.HashString(itemID + "\x00" + serverID)
}

// remove deletes one occurrence of item from a sorted slice.
func remove(items []string, item string) []string {
	i := sort.SearchStrings(items, item)
	if i < len(items) && items[i] == item {
		return append(items[:i], items[i+1:]...)
	}

	return items
}
