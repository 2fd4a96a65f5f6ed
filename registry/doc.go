// Package registry tracks known agents, their declared capabilities and
// availability, and per-agent circuit breaker state.
//
// The registry is constructed once per orchestrator instance and passed by
// reference to the dispatcher; it is never a package-level singleton.
package registry
