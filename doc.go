// Package orchestrate coordinates multi-step business transactions that span
// independent services, unwinding partial progress with compensating actions
// when a step fails irrecoverably.
//
// # Overview
//
//  1. Define your saga steps:
//     - Each SagaStep pairs a forward Action with an optional Compensation.
//     - Steps declare the step ids they depend on; the dependency graph must
//       be acyclic.
//  2. Build a SagaDefinition:
//     - Use NewDefinition to create a DefinitionBuilder, add steps with
//       AddStep, and call Build. Build validates ids and dependencies,
//       rejects cycles, and fixes the execution order once.
//  3. Run your saga:
//     - Create an ExecutionStore implementation. NewMemoryExecutionStore is
//       suitable for tests; NewSQLExecutionStore and NewFileExecutionStore
//       persist across restarts.
//     - Create an Orchestrator with NewOrchestrator and call Execute. On step
//       failure the orchestrator compensates completed steps in reverse
//       completion order and reports exactly which undo operations succeeded.
//
// Flaky downstream calls are handled by the Retrier (bounded retries under a
// per-attempt timeout with a selectable backoff policy) and the CircuitBreaker
// (per-dependency failure tracking with fail-fast behaviour while open).
// Work that exhausts every recovery path lands in a DeadLetterStore for
// operator inspection, manual retry, or resolution.
package orchestrate
