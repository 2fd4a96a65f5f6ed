// Package testutil provides shared test helpers: scriptable stub agents
// that answer task requests over the message bus, and small fixtures for
// workflow definitions.
package testutil
