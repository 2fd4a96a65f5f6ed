// Package engine drives workflow executions through their lifecycle:
// PENDING → RUNNING → {COMPLETED, FAILED, CANCELLED}.
//
// A run walks the definition's steps in order, dispatching sequential
// steps one task at a time and parallel steps through the batch executor.
// After every step the engine commits merged results to the state manager
// with a compare-and-swap against the version it last observed; a version
// conflict at commit means an unexpected concurrent writer and is fatal
// for the run, never silently retried. Cancellation is observed between
// steps and propagated cooperatively into in-flight dispatches.
package engine
