// Package harness runs scripted scenarios against partitions and records
// the notifications they produce.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: shared_text_edit
//	description: "Two peers edit the same tag"
//	partition:
//	  type: remote_yjs
//	  branch: main
//	peers: 2
//	steps:
//	  - peer: 0
//	    apply:
//	      - add: { id: a, tags: { s: "abc" } }
//	  - peer: 1
//	    edit: { bot: a, tag: s, ops: [{ preserve: 1 }, { insert: "X" }] }
//	assertions:
//	  - type: final_state
//	    peer: 1
//	    bot: a
//	    expect: { s: "aXbc" }
//	  - type: converged
//
// Each peer gets its own partition built from the partition config with
// the factory. Remote partitions of every peer connect to one in-process
// hub, so an update applied on one peer reaches the others before the
// next step runs.
//
// # Assertion Types
//
//   - final_state: a bot's tags include the expected values
//   - absent: a bot does not exist
//   - trace_count: a notification kind was recorded N times
//   - converged: every peer holds the same state
//
// # Deterministic Testing
//
// Connection ids come from a sequence generator and hub timestamps from a
// deterministic clock. Traces exclude CRDT site ids, so the trace of a
// scenario is identical across runs and is compared against golden files
// in testdata/golden.
package harness
