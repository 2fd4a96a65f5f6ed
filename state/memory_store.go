package state

import (
	"context"
	"sync"

	"github.com/BaSui01/swarmflow/types"
)

// MemoryStore is an in-memory implementation of Store.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	states    map[string]*types.WorkflowState
	snapshots map[string][]*Snapshot
	mu        sync.RWMutex
	closed    bool
}

// NewMemoryStore creates a new in-memory state store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:    make(map[string]*types.WorkflowState),
		snapshots: make(map[string][]*Snapshot),
	}
}

// Create stores the initial state record.
func (s *MemoryStore) Create(ctx context.Context, state *types.WorkflowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.states[state.WorkflowID]; ok {
		return ErrAlreadyExists
	}
	s.states[state.WorkflowID] = state.Clone()
	return nil
}

// Get returns a copy of the current state.
func (s *MemoryStore) Get(ctx context.Context, workflowID string) (*types.WorkflowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	state, ok := s.states[workflowID]
	if !ok {
		return nil, ErrNotFound
	}
	return state.Clone(), nil
}

// CompareAndSwap replaces the stored state if the version matches.
func (s *MemoryStore) CompareAndSwap(ctx context.Context, expectedVersion int64, next *types.WorkflowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	current, ok := s.states[next.WorkflowID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != expectedVersion {
		return ErrVersionMismatch
	}
	s.states[next.WorkflowID] = next.Clone()
	return nil
}

// SaveSnapshot records a durable snapshot.
func (s *MemoryStore) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	cp := *snap
	cp.State = snap.State.Clone()
	s.snapshots[snap.WorkflowID] = append(s.snapshots[snap.WorkflowID], &cp)
	return nil
}

// LatestSnapshot returns the highest-version snapshot for a workflow.
func (s *MemoryStore) LatestSnapshot(ctx context.Context, workflowID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	snaps := s.snapshots[workflowID]
	if len(snaps) == 0 {
		return nil, ErrNoSnapshot
	}

	latest := snaps[0]
	for _, snap := range snaps[1:] {
		if snap.Version > latest.Version {
			latest = snap
		}
	}
	cp := *latest
	cp.State = latest.State.Clone()
	return &cp, nil
}

// Ping checks if the store is healthy.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Close closes the store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
