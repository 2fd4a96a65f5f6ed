// Package dispatch routes tasks to capable agents over the message channel
// and drives their retry lifecycle.
//
// A dispatch selects an agent through the registry, sends a task_request
// with a fresh correlation ID, and awaits the correlated task_response up
// to a per-attempt timeout. Transient failures and timeouts retry with
// exponential backoff and jitter; a task that exhausts its retry budget is
// recorded to the dead-letter store exactly once and surfaces as a
// dead_lettered outcome rather than an error. RunBatch executes an ordered
// set of tasks with a hard in-flight bound and either fail-fast or
// best-effort failure policy.
package dispatch
