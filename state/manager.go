package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/swarmflow/types"
)

// ConflictError reports a rejected stale-version update. Current carries
// the state as stored so the caller can decide whether to recompute and
// retry or abort.
type ConflictError struct {
	WorkflowID      string
	ExpectedVersion int64
	Current         *types.WorkflowState
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("[%s] state conflict for workflow %s: expected version %d, stored %d",
		types.ErrStateConflict, e.WorkflowID, e.ExpectedVersion, e.Current.Version)
}

// IsConflict reports whether err is a state conflict and returns it.
func IsConflict(err error) (*ConflictError, bool) {
	var c *ConflictError
	if errors.As(err, &c) {
		return c, true
	}
	return nil, false
}

// Delta describes one state update. Zero-valued fields leave their target
// unchanged.
type Delta struct {
	Status             types.WorkflowStatus
	CompletedStepIndex *int
	Results            map[string]any // merged into AccumulatedResults
	Failure            *types.FailureInfo
	PartialFailure     bool // OR-ed into the stored flag
}

// ManagerConfig configures the state manager.
type ManagerConfig struct {
	// SnapshotEvery takes an automatic snapshot after every N applied
	// updates. Zero disables automatic snapshots.
	SnapshotEvery int `json:"snapshot_every" yaml:"snapshot_every"`
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{SnapshotEvery: 5}
}

// Manager owns workflow state. All mutation goes through UpdateState's
// compare-and-swap; a successful update increments the version by exactly 1.
type Manager struct {
	store  Store
	config ManagerConfig
	logger *zap.Logger
}

// NewManager creates a state manager on the given store.
func NewManager(store Store, config ManagerConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:  store,
		config: config,
		logger: logger.With(zap.String("component", "state_manager")),
	}
}

// InitializeWorkflow creates the state record for a new workflow execution:
// version 0, status PENDING.
func (m *Manager) InitializeWorkflow(ctx context.Context, def types.WorkflowDefinition) (*types.WorkflowState, error) {
	now := time.Now()
	state := &types.WorkflowState{
		WorkflowID:         uuid.New().String(),
		Version:            0,
		Status:             types.WorkflowPending,
		CompletedStepIndex: -1,
		AccumulatedResults: make(map[string]any),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := m.store.Create(ctx, state); err != nil {
		return nil, fmt.Errorf("initialize workflow: %w", err)
	}

	m.logger.Info("workflow initialized",
		zap.String("workflow_id", state.WorkflowID),
		zap.String("name", def.Name),
		zap.Int("steps", len(def.Steps)))
	return state, nil
}

// Get returns the current state.
func (m *Manager) Get(ctx context.Context, workflowID string) (*types.WorkflowState, error) {
	return m.store.Get(ctx, workflowID)
}

// UpdateState applies delta only if expectedVersion matches the stored
// version; on mismatch it returns a ConflictError with the current state
// attached. Every successful update increments the version by exactly 1.
func (m *Manager) UpdateState(ctx context.Context, workflowID string, expectedVersion int64, delta Delta) (*types.WorkflowState, error) {
	current, err := m.store.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, &ConflictError{WorkflowID: workflowID, ExpectedVersion: expectedVersion, Current: current}
	}

	next := current.Clone()
	applyDelta(next, delta)
	next.Version = expectedVersion + 1
	next.UpdatedAt = time.Now()

	if err := m.store.CompareAndSwap(ctx, expectedVersion, next); err != nil {
		if errors.Is(err, ErrVersionMismatch) {
			// A concurrent writer won the swap between our read and write.
			stored, gerr := m.store.Get(ctx, workflowID)
			if gerr != nil {
				return nil, gerr
			}
			return nil, &ConflictError{WorkflowID: workflowID, ExpectedVersion: expectedVersion, Current: stored}
		}
		return nil, err
	}

	m.logger.Debug("state updated",
		zap.String("workflow_id", workflowID),
		zap.Int64("version", next.Version),
		zap.String("status", string(next.Status)))

	if m.config.SnapshotEvery > 0 && next.Version%int64(m.config.SnapshotEvery) == 0 {
		if _, serr := m.snapshotState(ctx, next); serr != nil {
			m.logger.Warn("automatic snapshot failed",
				zap.String("workflow_id", workflowID),
				zap.Error(serr))
		}
	}

	return next, nil
}

// Snapshot takes a durable snapshot of the current state.
func (m *Manager) Snapshot(ctx context.Context, workflowID string) (*Snapshot, error) {
	current, err := m.store.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return m.snapshotState(ctx, current)
}

func (m *Manager) snapshotState(ctx context.Context, state *types.WorkflowState) (*Snapshot, error) {
	snap := &Snapshot{
		ID:         uuid.New().String(),
		WorkflowID: state.WorkflowID,
		Version:    state.Version,
		State:      state.Clone(),
		TakenAt:    time.Now(),
	}
	if err := m.store.SaveSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}
	return snap, nil
}

// Restore reconstructs workflow state for crash recovery. It prefers the
// live record; when that is gone it recreates the record from the latest
// snapshot. A non-terminal restored workflow re-enters at its last
// completed step index with status RUNNING.
func (m *Manager) Restore(ctx context.Context, workflowID string) (*types.WorkflowState, error) {
	state, err := m.store.Get(ctx, workflowID)
	if errors.Is(err, ErrNotFound) {
		snap, serr := m.store.LatestSnapshot(ctx, workflowID)
		if serr != nil {
			return nil, fmt.Errorf("restore %q: %w", workflowID, serr)
		}
		state = snap.State.Clone()
		if cerr := m.store.Create(ctx, state); cerr != nil && !errors.Is(cerr, ErrAlreadyExists) {
			return nil, cerr
		}
		m.logger.Info("state restored from snapshot",
			zap.String("workflow_id", workflowID),
			zap.Int64("version", state.Version))
	} else if err != nil {
		return nil, err
	}

	if state.Status.IsTerminal() {
		return state, nil
	}

	if state.Status != types.WorkflowRunning {
		updated, uerr := m.UpdateState(ctx, workflowID, state.Version, Delta{Status: types.WorkflowRunning})
		if uerr != nil {
			return nil, uerr
		}
		state = updated
	}
	return state, nil
}

func applyDelta(state *types.WorkflowState, delta Delta) {
	if delta.Status != "" {
		state.Status = delta.Status
	}
	if delta.CompletedStepIndex != nil {
		state.CompletedStepIndex = *delta.CompletedStepIndex
	}
	if len(delta.Results) > 0 {
		if state.AccumulatedResults == nil {
			state.AccumulatedResults = make(map[string]any, len(delta.Results))
		}
		for k, v := range delta.Results {
			state.AccumulatedResults[k] = v
		}
	}
	if delta.Failure != nil {
		state.Failure = delta.Failure
	}
	if delta.PartialFailure {
		state.PartialFailure = true
	}
}
