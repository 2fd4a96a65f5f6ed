package types

import "time"

// WorkflowStatus is the lifecycle state of one workflow execution.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// IsTerminal returns true if the status is a terminal state.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	default:
		return false
	}
}

// FailureInfo locates the trigger of a terminal FAILED status: the step,
// the task, and the taxonomy code, sufficient to find the corresponding
// dead-letter entry or conflict record without re-deriving it from logs.
type FailureInfo struct {
	StepID string    `json:"step_id"`
	TaskID string    `json:"task_id,omitempty"`
	Code   ErrorCode `json:"code"`
	Detail string    `json:"detail,omitempty"`
}

// WorkflowState is the versioned execution state of one workflow.
// It is owned exclusively by the state manager and mutated only via
// compare-and-swap updates; every applied update increments Version by
// exactly 1. Retained after terminal status for audit.
type WorkflowState struct {
	WorkflowID         string         `json:"workflow_id"`
	Version            int64          `json:"version"`
	Status             WorkflowStatus `json:"status"`
	CompletedStepIndex int            `json:"completed_step_index"`
	AccumulatedResults map[string]any `json:"accumulated_results,omitempty"`
	Failure            *FailureInfo   `json:"failure,omitempty"`
	PartialFailure     bool           `json:"partial_failure"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate without aliasing the
// stored record.
func (s *WorkflowState) Clone() *WorkflowState {
	if s == nil {
		return nil
	}
	cp := *s
	if s.AccumulatedResults != nil {
		cp.AccumulatedResults = make(map[string]any, len(s.AccumulatedResults))
		for k, v := range s.AccumulatedResults {
			cp.AccumulatedResults[k] = v
		}
	}
	if s.Failure != nil {
		f := *s.Failure
		cp.Failure = &f
	}
	return &cp
}
