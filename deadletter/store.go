// Package deadletter provides the durable record of tasks that exhausted
// their retry budget, for operator inspection or manual reassignment.
//
// Supported backends:
// - Memory: for development and testing (default)
// - SQLite (via gorm): for single-node production deployments where
//   operators query dead letters with plain SQL
package deadletter

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/swarmflow/types"
)

// Common errors
var (
	ErrNotFound      = errors.New("dead letter not found")
	ErrAlreadyExists = errors.New("dead letter already recorded")
	ErrStoreClosed   = errors.New("store is closed")
)

// Filter narrows List results.
type Filter struct {
	WorkflowID string
	Since      time.Time
	Limit      int
}

// Store is the dead-letter persistence interface. Entries are append-only:
// nothing updates a recorded entry, and the only removal path is an
// operator-driven Requeue.
type Store interface {
	// Record appends an entry. Recording the same task ID twice returns
	// ErrAlreadyExists; a task is dead-lettered at most once.
	Record(ctx context.Context, entry types.DeadLetterEntry) error

	// Get retrieves the entry for a task.
	Get(ctx context.Context, taskID string) (types.DeadLetterEntry, error)

	// List returns entries matching the filter, newest first.
	List(ctx context.Context, filter Filter) ([]types.DeadLetterEntry, error)

	// Requeue removes the entry and returns its preserved task with a
	// reset attempt count, ready for re-dispatch.
	Requeue(ctx context.Context, taskID string) (types.Task, error)

	// Count returns the number of stored entries.
	Count(ctx context.Context) (int64, error)

	// Ping checks if the store is healthy.
	Ping(ctx context.Context) error

	// Close releases store resources.
	Close() error
}
