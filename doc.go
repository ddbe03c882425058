// Package coordinator provides a NATS-backed coordinator for assigning stream
// items to worker instances with automatic failure recovery and load
// balancing.
//
// Worker instances register with a declared capacity and heartbeat
// periodically. Items come from a read-only catalog; instances request
// assignment batches, and the coordinator grants items through a per-item
// lease table so no item is ever owned by two instances at once. A background
// reconciler heals divergence between instances, leases, and assignments, and
// a balancing loop migrates items away from overloaded instances.
//
// # Quick Start
//
//	import "github.com/streamcoord/coordinator"
//
//	cfg := coordinator.DefaultConfig()
//	src := catalog.NewStatic(items)
//
//	coord, err := coordinator.NewCoordinator(cfg, natsConn, src)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := coord.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer coord.Stop()
//
//	inst, _ := coord.Register(ctx, "worker-1", "10.0.0.5:9000", 20)
//	granted, _ := coord.RequestAssignment(ctx, "worker-1", 5)
//
// # Key Properties
//
//   - At-most-one owner per item, serialized through an atomic KV lease create
//   - Capacity math always uses ledger counts, never self-reported load
//   - Crashed instances are detected by heartbeat timeout; their items return
//     to the pool automatically
//   - Rebalancing is threshold-driven with batched, rate-limited migrations
//     and an undelayed emergency path for overloaded instances
//
// # Storage
//
// All state lives in three NATS JetStream KV buckets (instances, leases,
// assignments). The coordinator is stateless between calls: every decision is
// recomputed from the buckets, so multiple coordinator processes can run
// against the same buckets.
package coordinator
