package types

import "time"

// ExecutionMode selects how a step's tasks are executed.
type ExecutionMode string

const (
	// ExecutionSequential runs the step's tasks one at a time, in order.
	ExecutionSequential ExecutionMode = "sequential"
	// ExecutionParallel runs the step's tasks as a bounded-concurrency batch.
	ExecutionParallel ExecutionMode = "parallel"
)

// Task is one unit of work dispatched to an agent.
// A Task is owned exclusively by the dispatcher during its lifetime;
// AttemptCount is mutated only by the dispatcher.
type Task struct {
	ID                 string         `json:"id"`
	RequiredCapability string         `json:"required_capability"`
	Payload            map[string]any `json:"payload,omitempty"`
	Priority           int            `json:"priority"`
	MaxRetries         int            `json:"max_retries"`
	AttemptCount       int            `json:"attempt_count"`
}

// Step is an ordered unit of a workflow definition.
type Step struct {
	ID            string        `json:"id"`
	ExecutionMode ExecutionMode `json:"execution_mode"`
	Tasks         []Task        `json:"tasks"`
}

// WorkflowDefinition is an immutable, ordered sequence of steps.
// It is created by the caller before execution and never mutated.
type WorkflowDefinition struct {
	Name  string `json:"name"`
	Steps []Step `json:"steps"`
}

// OutcomeStatus is the terminal state of a single dispatched task.
// Only terminal outcomes cross component boundaries; retryable conditions
// are contained inside the dispatcher.
type OutcomeStatus string

const (
	OutcomeSucceeded    OutcomeStatus = "succeeded"
	OutcomeDeadLettered OutcomeStatus = "dead_lettered"
	OutcomeCancelled    OutcomeStatus = "cancelled"
	OutcomeFatal        OutcomeStatus = "fatal"
)

// IsFailure reports whether the outcome should abort a fail-fast step.
func (s OutcomeStatus) IsFailure() bool {
	return s == OutcomeDeadLettered || s == OutcomeFatal
}

// TaskOutcome is the terminal result of dispatching one task.
type TaskOutcome struct {
	TaskID       string        `json:"task_id"`
	Status       OutcomeStatus `json:"status"`
	Result       any           `json:"result,omitempty"`
	Err          *Error        `json:"error,omitempty"`
	AgentID      string        `json:"agent_id,omitempty"`
	AttemptCount int           `json:"attempt_count"`
	Latency      time.Duration `json:"latency"`
}

// DeadLetterEntry is the durable record of a task that exhausted its retry
// budget. Entries are append-only.
type DeadLetterEntry struct {
	TaskID       string    `json:"task_id"`
	WorkflowID   string    `json:"workflow_id"`
	Reason       string    `json:"reason"`
	AttemptCount int       `json:"attempt_count"`
	LastError    string    `json:"last_error"`
	RecordedAt   time.Time `json:"recorded_at"`

	// Task preserves the original task so an operator can requeue it.
	Task Task `json:"task"`
}
