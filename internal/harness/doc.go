// Package harness runs scripted worker sessions and checks their traces.
//
// Each scenario starts a real worker in-process, talking to a coordinator
// proxy over the same UDP rendezvous and shared-memory region a subprocess
// would use. The proxy sends the scenario's requests in order and the
// harness records every decoded response.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	env: constant
//	env_options: { agents: 2, horizon: 3 }
//	seed: 7
//	serde: { obs: int, reward: float }
//	send_state: true
//	metrics_collector: reward_summary
//	steps:
//	  - step: [0, 1]
//	    repeat: 2
//	    expect:
//	      obs: [2, 2]
//	      rewards: [1.0, 1.0]
//	  - set_state: { steps: 5 }
//	  - reset: true
//	  - shapes: true
//	assertions:
//	  - type: trace_count
//	    op: step
//	    count: 2
//	  - type: total_reward
//	    agent: agent_0
//	    value: 2.0
//	expect_fatal:
//	  phase: publish
//
// # Assertion Types
//
// The following assertion types are supported:
//
//   - trace_contains: an event with the op exists
//   - trace_order: ops first appear in the given order
//   - trace_count: an op appears exactly N times
//   - total_reward: an agent's rewards sum to a value
//   - done_at: an agent is first terminated or truncated at an event
//   - final_state: the last state sent contains the expected fields
//
// # Determinism
//
// The worker seeds every random source from the scenario seed, so the
// same scenario always yields the same trace. Traces are rendered as
// canonical JSON for golden comparison and digested with ir.TraceDigest.
package harness
