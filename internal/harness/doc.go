// Package harness runs multi-client ownership scenarios.
//
// A scenario names a set of clients and a list of steps. Every client is a
// real engine.Engine; all of them share one in-memory cell and one manual
// clock, so timeouts are reached by advancing the clock instead of sleeping.
//
// After each step the harness waits until every running engine has drained
// its queue, then appends what happened to the trace, client by client in
// declaration order. The trace is therefore identical on every run and can
// be compared against a golden file.
//
// Example scenario:
//
//	name: stale_owner_reclaim
//	description: A client that vanishes mid-drag loses the lock after the grace period
//	clients: [alice, bob]
//	steps:
//	  - {client: alice, do: begin}
//	  - {client: alice, do: drop}
//	  - advance: 5s
//	    expect:
//	      bob: {status: idle_remote}
//	  - {client: bob, do: begin}
//	assertions:
//	  - type: mutual_exclusion
//	  - {type: trace_count, client: bob, cause: stale_owner, count: 1}
//
// Step kinds:
//   - do: begin | move | end      dispatch an intent for client
//   - do: drop                    stop client without releasing the lock
//   - advance: <duration>         move the shared clock forward
//
// Any step may carry an expect block checked after the step settles.
package harness
