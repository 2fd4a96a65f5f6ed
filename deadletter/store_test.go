package deadletter

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/swarmflow/types"
)

func testEntry(taskID, workflowID string, recordedAt time.Time) types.DeadLetterEntry {
	return types.DeadLetterEntry{
		TaskID:       taskID,
		WorkflowID:   workflowID,
		Reason:       "retry budget exhausted",
		AttemptCount: 4,
		LastError:    "[TRANSIENT] connection reset",
		RecordedAt:   recordedAt,
		Task: types.Task{
			ID:                 taskID,
			RequiredCapability: "deployment",
			MaxRetries:         3,
			AttemptCount:       4,
		},
	}
}

// storeUnderTest runs the shared conformance suite against each backend.
func storeUnderTest(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(":memory:")
			require.NoError(t, err)
			return s
		},
	}
}

func TestStore_RecordAndGet(t *testing.T) {
	for name, newStore := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			ctx := context.Background()

			entry := testEntry("task-1", "wf-1", time.Now().UTC().Truncate(time.Second))
			require.NoError(t, s.Record(ctx, entry))

			got, err := s.Get(ctx, "task-1")
			require.NoError(t, err)
			assert.Equal(t, entry.TaskID, got.TaskID)
			assert.Equal(t, entry.WorkflowID, got.WorkflowID)
			assert.Equal(t, entry.AttemptCount, got.AttemptCount)
			assert.Equal(t, "deployment", got.Task.RequiredCapability)

			_, err = s.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_RecordDuplicate(t *testing.T) {
	for name, newStore := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			ctx := context.Background()

			entry := testEntry("task-1", "wf-1", time.Now().UTC())
			require.NoError(t, s.Record(ctx, entry))
			assert.ErrorIs(t, s.Record(ctx, entry), ErrAlreadyExists)

			count, err := s.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), count, "a task is dead-lettered at most once")
		})
	}
}

func TestStore_ListFilterAndOrder(t *testing.T) {
	for name, newStore := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			ctx := context.Background()

			base := time.Now().UTC().Truncate(time.Second).Add(-time.Hour)
			for i := 0; i < 5; i++ {
				wf := "wf-1"
				if i%2 == 1 {
					wf = "wf-2"
				}
				entry := testEntry(fmt.Sprintf("task-%d", i), wf, base.Add(time.Duration(i)*time.Minute))
				require.NoError(t, s.Record(ctx, entry))
			}

			all, err := s.List(ctx, Filter{})
			require.NoError(t, err)
			require.Len(t, all, 5)
			assert.Equal(t, "task-4", all[0].TaskID, "newest first")

			wf1, err := s.List(ctx, Filter{WorkflowID: "wf-1"})
			require.NoError(t, err)
			assert.Len(t, wf1, 3)

			recent, err := s.List(ctx, Filter{Since: base.Add(3 * time.Minute)})
			require.NoError(t, err)
			assert.Len(t, recent, 2)

			limited, err := s.List(ctx, Filter{Limit: 2})
			require.NoError(t, err)
			assert.Len(t, limited, 2)
		})
	}
}

func TestStore_Requeue(t *testing.T) {
	for name, newStore := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			ctx := context.Background()

			require.NoError(t, s.Record(ctx, testEntry("task-1", "wf-1", time.Now().UTC())))

			task, err := s.Requeue(ctx, "task-1")
			require.NoError(t, err)
			assert.Equal(t, "task-1", task.ID)
			assert.Equal(t, 0, task.AttemptCount, "requeued task starts with a fresh attempt budget")

			_, err = s.Get(ctx, "task-1")
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = s.Requeue(ctx, "task-1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestMemoryStore_ClosedRejects(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())

	ctx := context.Background()
	assert.ErrorIs(t, s.Record(ctx, testEntry("task-1", "wf-1", time.Now())), ErrStoreClosed)
	assert.ErrorIs(t, s.Ping(ctx), ErrStoreClosed)
}
