// Package state owns versioned workflow state: atomic, conflict-checked
// updates and periodic snapshots.
//
// WorkflowState is the only resource in the engine mutated by more than one
// writer, and every mutation goes through the manager's compare-and-swap
// update. Stale-version updates are rejected with the current state
// attached, never overwritten.
//
// Supported backends:
// - Memory: for development and testing (default)
// - Redis: for distributed production deployments
package state

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/swarmflow/types"
)

// Common errors
var (
	ErrNotFound        = errors.New("workflow state not found")
	ErrAlreadyExists   = errors.New("workflow state already exists")
	ErrVersionMismatch = errors.New("stored version does not match expected version")
	ErrStoreClosed     = errors.New("store is closed")
	ErrNoSnapshot      = errors.New("no snapshot recorded")
)

// Snapshot is a durable point-in-time copy of a workflow's state.
type Snapshot struct {
	ID         string               `json:"id"`
	WorkflowID string               `json:"workflow_id"`
	Version    int64                `json:"version"`
	State      *types.WorkflowState `json:"state"`
	TakenAt    time.Time            `json:"taken_at"`
}

// Store is the state persistence interface. CompareAndSwap must be atomic
// with respect to concurrent callers: of two swaps against the same
// expected version, exactly one succeeds.
type Store interface {
	// Create stores the initial state record. Returns ErrAlreadyExists if
	// the workflow ID is taken.
	Create(ctx context.Context, state *types.WorkflowState) error

	// Get returns a copy of the current state.
	Get(ctx context.Context, workflowID string) (*types.WorkflowState, error)

	// CompareAndSwap replaces the stored state with next only if the
	// stored version equals expectedVersion; otherwise ErrVersionMismatch.
	CompareAndSwap(ctx context.Context, expectedVersion int64, next *types.WorkflowState) error

	// SaveSnapshot records a durable snapshot.
	SaveSnapshot(ctx context.Context, snap *Snapshot) error

	// LatestSnapshot returns the highest-version snapshot for a workflow,
	// or ErrNoSnapshot.
	LatestSnapshot(ctx context.Context, workflowID string) (*Snapshot, error)

	// Ping checks if the store is healthy.
	Ping(ctx context.Context) error

	// Close releases store resources.
	Close() error
}
