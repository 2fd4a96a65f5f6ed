package dispatch

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/BaSui01/swarmflow/types"
)

// BatchOptions configures one RunBatch call.
type BatchOptions struct {
	// MaxConcurrency bounds in-flight dispatches. Values below 1 are
	// treated as 1.
	MaxConcurrency int `json:"max_concurrency" yaml:"max_concurrency"`

	// FailFast cancels remaining tasks after the first dead-lettered or
	// fatal outcome. When false the batch is best-effort: every task runs
	// to completion or dead-letters independently.
	FailFast bool `json:"fail_fast" yaml:"fail_fast"`
}

// BatchResult is the aggregate of one batch execution. Outcomes are in
// input order regardless of completion order.
type BatchResult struct {
	Outcomes []types.TaskOutcome

	// PartialFailure is set when a best-effort batch finished with a mix
	// of failed and non-failed tasks.
	PartialFailure bool
}

// Failed reports whether any outcome is dead-lettered or fatal.
func (r BatchResult) Failed() bool {
	for _, o := range r.Outcomes {
		if o.Status.IsFailure() {
			return true
		}
	}
	return false
}

// RunBatch dispatches tasks with at most opts.MaxConcurrency in flight.
// Cancellation is cooperative: on fail-fast abort, in-flight dispatches
// are signaled and settle as cancelled; tasks that never started are
// recorded as cancelled without consuming their retry budget.
func (d *Dispatcher) RunBatch(ctx context.Context, workflowID string, tasks []types.Task, opts BatchOptions) BatchResult {
	if opts.MaxConcurrency < 1 {
		opts.MaxConcurrency = 1
	}

	batchCtx, cancelBatch := context.WithCancel(ctx)
	defer cancelBatch()

	sem := semaphore.NewWeighted(int64(opts.MaxConcurrency))
	outcomes := make([]types.TaskOutcome, len(tasks))

	// Acquiring in the submission loop starts tasks in input order and
	// keeps the in-flight count at or under the bound at all times.
	var wg sync.WaitGroup
	for i, task := range tasks {
		if err := sem.Acquire(batchCtx, 1); err != nil {
			// Batch aborted before this task started; no budget consumed.
			outcomes[i] = types.TaskOutcome{
				TaskID: task.ID,
				Status: types.OutcomeCancelled,
				Err:    types.NewError(types.ErrTransient, "batch aborted before dispatch").WithCause(err),
			}
			continue
		}
		if batchCtx.Err() != nil {
			// The abort landed while we were waiting for a slot.
			sem.Release(1)
			outcomes[i] = types.TaskOutcome{
				TaskID: task.ID,
				Status: types.OutcomeCancelled,
				Err:    types.NewError(types.ErrTransient, "batch aborted before dispatch").WithCause(batchCtx.Err()),
			}
			continue
		}

		wg.Add(1)
		go func(i int, task types.Task) {
			defer wg.Done()
			defer sem.Release(1)

			outcomes[i] = d.Dispatch(batchCtx, workflowID, task)
			if opts.FailFast && outcomes[i].Status.IsFailure() {
				d.logger.Debug("fail-fast abort",
					zap.String("workflow_id", workflowID),
					zap.String("task_id", task.ID),
					zap.String("status", string(outcomes[i].Status)))
				cancelBatch()
			}
		}(i, task)
	}
	wg.Wait()

	result := BatchResult{Outcomes: outcomes}
	if !opts.FailFast {
		failed, settled := 0, 0
		for _, o := range outcomes {
			if o.Status.IsFailure() {
				failed++
			} else {
				settled++
			}
		}
		result.PartialFailure = failed > 0 && settled > 0
	}
	return result
}
