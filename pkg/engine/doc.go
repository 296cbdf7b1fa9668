// Package engine provides the core types and the execution engine of conveyor.
//
// # Overview
//
// A pipeline is an ordered list of steps. Steps sharing a parallel group key
// run concurrently; every other step runs on its own, in order. An execution
// of a pipeline is dispatched either locally, inside a workspace on this
// host, or remotely, by generating a job for an external CI tool and
// following the build it triggers.
//
// # Records
//
// Each execution is persisted as an ExecutionRecord with one
// StepExecutionRecord per step. Records move pending → running → one of
// success, failed, cancelled or timeout. Terminal records never change
// again; the store rejects the transition with ErrAlreadyTerminal. When an
// execution becomes terminal, every step record still pending or running is
// swept to the same status.
//
// # Components
//
//   - PipelineExecutionEngine: mode decision, policy gate, dispatch and
//     finalization of executions
//   - ParallelExecutionService: sequential and grouped step execution with
//     sync policies (wait_all, wait_any, fail_fast), retries and cancellation
//   - Monitors: background pollers of remote builds, keyed by execution id
//   - RunContext: workspace and current directory of one run, implemented
//     by the workspace package
//   - StepExecutor / StepResolver: step implementations, provided by the
//     steps package
//   - Adapter: an external CI tool, such as the jenkins adapter
//
// # Errors
//
// Errors are EngineError values classified for retry handling and tagged
// with a code. ConfigurationError is the only error a step executor returns;
// it is raised before any side effect, is never retried and aborts the run.
// Command failures are reported through StepResult instead.
package engine
