// Package channel implements the typed publish/subscribe transport between
// the orchestrator and agents.
//
// Delivery is at-least-once: a sender that times out waiting for a response
// may publish the same logical request again, so consumers must deduplicate
// on correlation ID. Ordering is FIFO per subscriber per message type only;
// nothing is guaranteed across message types or across subscribers.
//
// Backpressure on a full subscriber queue is an explicit per-deployment
// choice (PolicyBlock suspends the publisher, PolicyReject fails fast with
// QUEUE_FULL), configured on the bus rather than silently defaulted.
package channel
