package deadletter

import (
	"context"
	"sort"
	"sync"

	"github.com/BaSui01/swarmflow/types"
)

// MemoryStore is an in-memory implementation of Store.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	entries map[string]types.DeadLetterEntry
	mu      sync.RWMutex
	closed  bool
}

// NewMemoryStore creates a new in-memory dead-letter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]types.DeadLetterEntry)}
}

// Record appends an entry.
func (s *MemoryStore) Record(ctx context.Context, entry types.DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.entries[entry.TaskID]; ok {
		return ErrAlreadyExists
	}
	s.entries[entry.TaskID] = entry
	return nil
}

// Get retrieves the entry for a task.
func (s *MemoryStore) Get(ctx context.Context, taskID string) (types.DeadLetterEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return types.DeadLetterEntry{}, ErrStoreClosed
	}
	entry, ok := s.entries[taskID]
	if !ok {
		return types.DeadLetterEntry{}, ErrNotFound
	}
	return entry, nil
}

// List returns entries matching the filter, newest first.
func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]types.DeadLetterEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	entries := make([]types.DeadLetterEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if filter.WorkflowID != "" && e.WorkflowID != filter.WorkflowID {
			continue
		}
		if !filter.Since.IsZero() && e.RecordedAt.Before(filter.Since) {
			continue
		}
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].RecordedAt.After(entries[j].RecordedAt)
	})
	if filter.Limit > 0 && len(entries) > filter.Limit {
		entries = entries[:filter.Limit]
	}
	return entries, nil
}

// Requeue removes the entry and returns its task for re-dispatch.
func (s *MemoryStore) Requeue(ctx context.Context, taskID string) (types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.Task{}, ErrStoreClosed
	}
	entry, ok := s.entries[taskID]
	if !ok {
		return types.Task{}, ErrNotFound
	}
	delete(s.entries, taskID)

	task := entry.Task
	task.AttemptCount = 0
	return task, nil
}

// Count returns the number of stored entries.
func (s *MemoryStore) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	return int64(len(s.entries)), nil
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
