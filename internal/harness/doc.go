// Package harness runs request scenarios against in-memory stores.
//
// A scenario declares the adapters, seeds their records, sends a sequence of
// requests through the real Dispatcher and Coordinator, and asserts on the
// outcomes and the final store contents. Faults can be injected per step to
// exercise compensation, retries and reconciliation.
//
// # Scenario Format
//
//	name: strong_failure_rollback
//	description: "A failed strong write is compensated"
//	schemas:
//	  payment: ../schemas/payment.cue
//	adapters:
//	  - {name: A, consistency: strong}
//	  - {name: B, consistency: strong}
//	  - {name: cache, consistency: best-effort, when: "!deleted"}
//	seed:
//	  - {adapters: [A, B], id: D1, version: 3, schema_ref: payment, body: {amount: 100}}
//	flow:
//	  - request:
//	      kind: patch
//	      document_id: D1
//	      expected_version: 3
//	      ops: [{op: replace, path: amount, value: 150}]
//	    faults:
//	      - {adapter: B, op: write}
//	    expect: {outcome: failed, code: STORE_ERROR}
//	assertions:
//	  - {type: record, adapter: A, id: D1, version: 3, body: {amount: 100}}
//
// Schema values ending in .cue are paths relative to the scenario file;
// anything else is inline CUE source.
//
// # Assertion Types
//
//   - record: the adapter holds id at version, with deleted and a body subset
//   - absent: the adapter does not hold id
//   - states: step N went through exactly the listed states
//   - queued: a reconciliation item for adapter/id/version was enqueued
//   - calls: the adapter saw op exactly count times
//
// # Determinism
//
// Request ids are req-001, req-002, ... in flow order, best-effort updates
// run before each request returns, and retries use microsecond delays, so
// the trace of a scenario is stable and compared against golden files.
package harness
