package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/BaSui01/swarmflow/dispatch"
	"github.com/BaSui01/swarmflow/internal/metrics"
	"github.com/BaSui01/swarmflow/state"
	"github.com/BaSui01/swarmflow/types"
)

var tracer = otel.Tracer("swarmflow/engine")

// Config configures workflow execution.
type Config struct {
	// MaxConcurrency bounds in-flight dispatches within a parallel step.
	MaxConcurrency int `json:"max_concurrency" yaml:"max_concurrency"`

	// FailFast aborts the workflow on the first failed task. When false,
	// failed tasks set the partial-failure flag and the workflow proceeds
	// to the next step.
	FailFast bool `json:"fail_fast" yaml:"fail_fast"`
}

// DefaultConfig returns sensible engine defaults.
func DefaultConfig() Config {
	return Config{MaxConcurrency: 4, FailFast: true}
}

// WorkflowResult is the aggregate of one finished run.
type WorkflowResult struct {
	WorkflowID string               `json:"workflow_id"`
	Status     types.WorkflowStatus `json:"status"`

	// Outcomes holds every settled task outcome keyed by step ID.
	Outcomes map[string][]types.TaskOutcome `json:"outcomes"`

	Failure        *types.FailureInfo `json:"failure,omitempty"`
	PartialFailure bool               `json:"partial_failure"`
	Duration       time.Duration      `json:"duration"`

	// ParallelEfficiency is the ratio of summed task latencies to
	// wall-clock duration; values above 1 indicate overlap won by
	// parallel steps.
	ParallelEfficiency float64 `json:"parallel_efficiency"`

	FinalState *types.WorkflowState `json:"final_state,omitempty"`
}

// Engine executes workflow definitions against the dispatcher and commits
// progress through the state manager.
type Engine struct {
	dispatcher *dispatch.Dispatcher
	state      *state.Manager
	config     Config
	logger     *zap.Logger
	metrics    *metrics.Collector

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// New creates a workflow engine.
func New(dispatcher *dispatch.Dispatcher, sm *state.Manager, config Config, logger *zap.Logger) *Engine {
	if config.MaxConcurrency < 1 {
		config.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		dispatcher: dispatcher,
		state:      sm,
		config:     config,
		logger:     logger.With(zap.String("component", "engine")),
		running:    make(map[string]context.CancelFunc),
	}
}

// SetMetrics attaches a metrics collector.
func (e *Engine) SetMetrics(c *metrics.Collector) {
	e.metrics = c
}

// Prepare initializes state for a new execution of def and returns its
// workflow ID. The workflow stays PENDING until Run picks it up.
func (e *Engine) Prepare(ctx context.Context, def types.WorkflowDefinition) (string, error) {
	st, err := e.state.InitializeWorkflow(ctx, def)
	if err != nil {
		return "", err
	}
	return st.WorkflowID, nil
}

// Cancel requests cooperative cancellation of a running workflow. The run
// observes it between steps and transitions to CANCELLED; in-flight
// dispatches are signaled and settle as cancelled outcomes.
func (e *Engine) Cancel(workflowID string) bool {
	e.mu.Lock()
	cancel, ok := e.running[workflowID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Run executes def under the given workflow ID until a terminal status.
// The workflow must have been prepared (or restored) first.
func (e *Engine) Run(ctx context.Context, workflowID string, def types.WorkflowDefinition) (*WorkflowResult, error) {
	st, err := e.state.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if st.Status.IsTerminal() {
		return nil, types.NewFatalError(types.ErrInvalidTransition,
			fmt.Sprintf("workflow %s already terminal with status %s", workflowID, st.Status))
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runCtx, span := tracer.Start(runCtx, "workflow.run")
	span.SetAttributes(
		attribute.String("workflow.id", workflowID),
		attribute.String("workflow.name", def.Name),
	)
	defer span.End()
	e.mu.Lock()
	e.running[workflowID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, workflowID)
		e.mu.Unlock()
	}()

	if st.Status == types.WorkflowPending {
		st, err = e.state.UpdateState(runCtx, workflowID, st.Version, state.Delta{Status: types.WorkflowRunning})
		if err != nil {
			return nil, err
		}
	}

	e.logger.Info("workflow running",
		zap.String("workflow_id", workflowID),
		zap.String("name", def.Name),
		zap.Int("steps", len(def.Steps)),
		zap.Int("resume_from", st.CompletedStepIndex+1))

	result := &WorkflowResult{
		WorkflowID: workflowID,
		Outcomes:   make(map[string][]types.TaskOutcome),
	}
	start := time.Now()
	var taskTime time.Duration

	finish := func(st *types.WorkflowState) (*WorkflowResult, error) {
		result.Status = st.Status
		result.PartialFailure = st.PartialFailure
		result.Failure = st.Failure
		result.Duration = time.Since(start)
		if result.Duration > 0 {
			result.ParallelEfficiency = float64(taskTime) / float64(result.Duration)
		}
		result.FinalState = st
		span.SetAttributes(attribute.String("workflow.status", string(st.Status)))
		if e.metrics != nil {
			e.metrics.RecordWorkflow(string(st.Status))
		}
		e.logger.Info("workflow finished",
			zap.String("workflow_id", workflowID),
			zap.String("status", string(st.Status)),
			zap.Duration("duration", result.Duration))
		return result, nil
	}

	for i := st.CompletedStepIndex + 1; i < len(def.Steps); i++ {
		// Cancellation is observed between steps.
		if runCtx.Err() != nil {
			st, err = e.markTerminal(workflowID, st, types.WorkflowCancelled, nil)
			if err != nil {
				return nil, err
			}
			return finish(st)
		}

		step := def.Steps[i]
		stepStart := time.Now()
		stepCtx, stepSpan := tracer.Start(runCtx, "workflow.step")
		stepSpan.SetAttributes(
			attribute.String("step.id", step.ID),
			attribute.String("step.mode", string(step.ExecutionMode)),
			attribute.Int("step.tasks", len(step.Tasks)),
		)
		outcomes, stepPartial := e.runStep(stepCtx, workflowID, step)
		stepSpan.End()
		result.Outcomes[step.ID] = outcomes
		if e.metrics != nil {
			e.metrics.RecordStep(string(step.ExecutionMode), time.Since(stepStart))
		}

		merged := make(map[string]any)
		var firstFailure *types.TaskOutcome
		for idx := range outcomes {
			o := &outcomes[idx]
			taskTime += o.Latency
			switch {
			case o.Status == types.OutcomeSucceeded:
				merged[o.TaskID] = o.Result
			case o.Status.IsFailure():
				if firstFailure == nil {
					firstFailure = o
				}
			}
		}

		// Cancelled outcomes inside the step are byproducts of the step's
		// own abort; only run-context cancellation ends the workflow as
		// CANCELLED. A failed step keeps its failure identity.
		if runCtx.Err() != nil {
			st, err = e.markTerminal(workflowID, st, types.WorkflowCancelled, nil)
			if err != nil {
				return nil, err
			}
			return finish(st)
		}

		// Commit the step. A version conflict here means another writer
		// touched our state while results were computed against the old
		// version; recomputing silently would hide it, so the run fails.
		idx := i
		st, err = e.state.UpdateState(runCtx, workflowID, st.Version, state.Delta{
			CompletedStepIndex: &idx,
			Results:            merged,
			PartialFailure:     stepPartial,
		})
		if conflict, ok := state.IsConflict(err); ok {
			e.logger.Error("state conflict at step commit",
				zap.String("workflow_id", workflowID),
				zap.String("step_id", step.ID),
				zap.Int64("expected_version", conflict.ExpectedVersion),
				zap.Int64("stored_version", conflict.Current.Version))
			failure := &types.FailureInfo{
				StepID: step.ID,
				Code:   types.ErrStateConflict,
				Detail: conflict.Error(),
			}
			st, err = e.markTerminal(workflowID, conflict.Current, types.WorkflowFailed, failure)
			if err != nil {
				return nil, err
			}
			return finish(st)
		}
		if err != nil {
			return nil, err
		}

		if firstFailure != nil && e.config.FailFast {
			failure := &types.FailureInfo{
				StepID: step.ID,
				TaskID: firstFailure.TaskID,
				Code:   failureCode(firstFailure),
				Detail: failureDetail(firstFailure),
			}
			st, err = e.markTerminal(workflowID, st, types.WorkflowFailed, failure)
			if err != nil {
				return nil, err
			}
			return finish(st)
		}
	}

	st, err = e.markTerminal(workflowID, st, types.WorkflowCompleted, nil)
	if err != nil {
		return nil, err
	}
	return finish(st)
}

// Resume reconstructs state for a previously started workflow and drives
// it to completion from its last committed step.
func (e *Engine) Resume(ctx context.Context, workflowID string, def types.WorkflowDefinition) (*WorkflowResult, error) {
	st, err := e.state.Restore(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if st.Status.IsTerminal() {
		return &WorkflowResult{
			WorkflowID: workflowID,
			Status:     st.Status,
			Failure:    st.Failure,
			Outcomes:   map[string][]types.TaskOutcome{},
			FinalState: st,
		}, nil
	}
	return e.Run(ctx, workflowID, def)
}

// runStep executes one step's tasks per its execution mode. The second
// return is the step's partial-failure flag: set only in best-effort mode
// when failed and succeeded tasks mix within the step.
func (e *Engine) runStep(ctx context.Context, workflowID string, step types.Step) ([]types.TaskOutcome, bool) {
	if step.ExecutionMode == types.ExecutionParallel {
		res := e.dispatcher.RunBatch(ctx, workflowID, step.Tasks, dispatch.BatchOptions{
			MaxConcurrency: e.config.MaxConcurrency,
			FailFast:       e.config.FailFast,
		})
		return res.Outcomes, res.PartialFailure
	}

	// Sequential: one at a time, aborting the step on the first failure.
	outcomes := make([]types.TaskOutcome, 0, len(step.Tasks))
	for _, task := range step.Tasks {
		if ctx.Err() != nil {
			outcomes = append(outcomes, types.TaskOutcome{
				TaskID: task.ID,
				Status: types.OutcomeCancelled,
				Err:    types.NewError(types.ErrTransient, "step aborted").WithCause(ctx.Err()),
			})
			continue
		}
		o := e.dispatcher.Dispatch(ctx, workflowID, task)
		outcomes = append(outcomes, o)
		if o.Status.IsFailure() {
			for _, rest := range step.Tasks[len(outcomes):] {
				outcomes = append(outcomes, types.TaskOutcome{
					TaskID: rest.ID,
					Status: types.OutcomeCancelled,
					Err:    types.NewError(types.ErrTransient, "step aborted after earlier failure"),
				})
			}
			break
		}
	}
	if e.config.FailFast {
		return outcomes, false
	}
	failed, succeeded := 0, 0
	for _, o := range outcomes {
		switch {
		case o.Status.IsFailure():
			failed++
		case o.Status == types.OutcomeSucceeded:
			succeeded++
		}
	}
	return outcomes, failed > 0 && succeeded > 0
}

// markTerminal commits a terminal status. Terminal writes use the version
// the engine last observed; a conflict even here is surfaced, not retried.
func (e *Engine) markTerminal(workflowID string, st *types.WorkflowState, status types.WorkflowStatus, failure *types.FailureInfo) (*types.WorkflowState, error) {
	// The run context may already be cancelled; terminal status must
	// still be committed.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.state.UpdateState(ctx, workflowID, st.Version, state.Delta{
		Status:  status,
		Failure: failure,
	})
}

func failureCode(o *types.TaskOutcome) types.ErrorCode {
	if o.Err != nil {
		return types.GetErrorCode(o.Err)
	}
	if o.Status == types.OutcomeDeadLettered {
		return types.ErrTransient
	}
	return types.ErrFatal
}

func failureDetail(o *types.TaskOutcome) string {
	if o.Err != nil {
		return o.Err.Message
	}
	return string(o.Status)
}
