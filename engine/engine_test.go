package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/swarmflow/channel"
	"github.com/BaSui01/swarmflow/deadletter"
	"github.com/BaSui01/swarmflow/dispatch"
	"github.com/BaSui01/swarmflow/registry"
	"github.com/BaSui01/swarmflow/state"
	"github.com/BaSui01/swarmflow/testutil"
	"github.com/BaSui01/swarmflow/types"
)

type engineEnv struct {
	bus    *channel.Bus
	reg    *registry.Registry
	dls    deadletter.Store
	states *state.Manager
	engine *Engine
}

func newEngineEnv(t *testing.T, cfg Config) *engineEnv {
	t.Helper()

	bus := channel.NewBus(channel.Config{QueueSize: 64, Policy: channel.PolicyBlock}, nil)
	reg := registry.New(registry.Config{
		Breaker: registry.BreakerConfig{FailureThreshold: 100, Cooldown: time.Minute},
	}, nil)
	dls := deadletter.NewMemoryStore()

	dcfg := dispatch.DefaultConfig()
	dcfg.AttemptTimeout = 500 * time.Millisecond
	dcfg.Backoff = dispatch.BackoffPolicy{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2, Jitter: false}
	d := dispatch.NewDispatcher(bus, reg, dls, dcfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Start(ctx))

	sm := state.NewManager(state.NewMemoryStore(), state.ManagerConfig{SnapshotEvery: 0}, nil)
	eng := New(d, sm, cfg, nil)

	t.Cleanup(func() {
		d.Close()
		cancel()
		bus.Close()
	})
	return &engineEnv{bus: bus, reg: reg, dls: dls, states: sm, engine: eng}
}

func (e *engineEnv) startAgent(t *testing.T, id string, capabilities []string, script testutil.Script) *testutil.StubAgent {
	t.Helper()
	agent, err := testutil.StartStubAgent(e.bus, id, script)
	require.NoError(t, err)
	require.NoError(t, e.reg.Register(testutil.Agent(id, capabilities...)))
	t.Cleanup(agent.Stop)
	return agent
}

func TestEngine_SequentialThenParallelCompletes(t *testing.T) {
	env := newEngineEnv(t, Config{MaxConcurrency: 4, FailFast: true})
	env.startAgent(t, "worker-1", []string{"extract", "transform"}, testutil.AlwaysSucceed("ok"))

	def := types.WorkflowDefinition{
		Name: "etl",
		Steps: []types.Step{
			{ID: "extract", ExecutionMode: types.ExecutionSequential, Tasks: testutil.Tasks("e", "extract", 2, 1)},
			{ID: "transform", ExecutionMode: types.ExecutionParallel, Tasks: testutil.Tasks("x", "transform", 3, 1)},
		},
	}

	ctx := context.Background()
	id, err := env.engine.Prepare(ctx, def)
	require.NoError(t, err)

	res, err := env.engine.Run(ctx, id, def)
	require.NoError(t, err)

	assert.Equal(t, types.WorkflowCompleted, res.Status)
	assert.False(t, res.PartialFailure)
	assert.Len(t, res.Outcomes["extract"], 2)
	assert.Len(t, res.Outcomes["transform"], 3)
	for _, o := range res.Outcomes["transform"] {
		assert.Equal(t, types.OutcomeSucceeded, o.Status)
	}

	// RUNNING + one commit per step + COMPLETED.
	st, err := env.states.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowCompleted, st.Status)
	assert.Equal(t, int64(4), st.Version)
	assert.Equal(t, 1, st.CompletedStepIndex)
	assert.Equal(t, "ok", st.AccumulatedResults["e-0"])
	assert.Equal(t, "ok", st.AccumulatedResults["x-2"])
}

func TestEngine_SequentialOutcomesInTaskOrder(t *testing.T) {
	env := newEngineEnv(t, Config{MaxConcurrency: 4, FailFast: true})
	env.startAgent(t, "worker-1", []string{"extract"}, testutil.AlwaysSucceed("ok"))

	def := testutil.SequentialWorkflow("ordered", testutil.Tasks("t", "extract", 4, 0)...)
	ctx := context.Background()
	id, err := env.engine.Prepare(ctx, def)
	require.NoError(t, err)
	res, err := env.engine.Run(ctx, id, def)
	require.NoError(t, err)

	outcomes := res.Outcomes[def.Steps[0].ID]
	require.Len(t, outcomes, 4)
	for i, o := range outcomes {
		assert.Equal(t, fmt.Sprintf("t-%d", i), o.TaskID)
	}
}

func TestEngine_FailFastMarksWorkflowFailed(t *testing.T) {
	env := newEngineEnv(t, Config{MaxConcurrency: 4, FailFast: true})
	env.startAgent(t, "worker-1", []string{"extract"}, testutil.AlwaysFail(types.ErrTransient))

	def := testutil.SequentialWorkflow("doomed", testutil.Task("t1", "extract", 1))
	ctx := context.Background()
	id, err := env.engine.Prepare(ctx, def)
	require.NoError(t, err)

	res, err := env.engine.Run(ctx, id, def)
	require.NoError(t, err)

	assert.Equal(t, types.WorkflowFailed, res.Status)
	require.NotNil(t, res.Failure)
	assert.Equal(t, def.Steps[0].ID, res.Failure.StepID)
	assert.Equal(t, "t1", res.Failure.TaskID)

	n, err := env.dls.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestEngine_FailFastSequentialStepAbortKeepsFailureIdentity(t *testing.T) {
	env := newEngineEnv(t, Config{MaxConcurrency: 4, FailFast: true})
	env.startAgent(t, "worker-1", []string{"extract"}, testutil.AlwaysFail(types.ErrTransient))

	// Two tasks: the first dead-letters and the step aborts the second
	// with a cancelled outcome. The workflow must still terminate FAILED
	// and name the failing task, not CANCELLED.
	def := testutil.SequentialWorkflow("doomed-pair", testutil.Tasks("t", "extract", 2, 0)...)
	ctx := context.Background()
	id, err := env.engine.Prepare(ctx, def)
	require.NoError(t, err)

	res, err := env.engine.Run(ctx, id, def)
	require.NoError(t, err)

	assert.Equal(t, types.WorkflowFailed, res.Status)
	require.NotNil(t, res.Failure)
	assert.Equal(t, def.Steps[0].ID, res.Failure.StepID)
	assert.Equal(t, "t-0", res.Failure.TaskID)

	outcomes := res.Outcomes[def.Steps[0].ID]
	require.Len(t, outcomes, 2)
	assert.Equal(t, types.OutcomeDeadLettered, outcomes[0].Status)
	assert.Equal(t, types.OutcomeCancelled, outcomes[1].Status)
}

func TestEngine_FailFastParallelStepFailureMarksFailed(t *testing.T) {
	env := newEngineEnv(t, Config{MaxConcurrency: 4, FailFast: true})

	script := func(_ int, msg types.AgentMessage) testutil.Response {
		if msg.Payload[types.PayloadKeyTaskID] == "x-1" {
			return testutil.Response{ErrMessage: "bad input", ErrCode: types.ErrFatal}
		}
		return testutil.Response{Result: "ok", Delay: 50 * time.Millisecond}
	}
	env.startAgent(t, "worker-1", []string{"transform"}, script)

	def := testutil.ParallelWorkflow("mixed", testutil.Tasks("x", "transform", 3, 0)...)
	ctx := context.Background()
	id, err := env.engine.Prepare(ctx, def)
	require.NoError(t, err)

	res, err := env.engine.Run(ctx, id, def)
	require.NoError(t, err)

	// The batch cancels siblings of the fatal task, yet the workflow
	// keeps its failure identity.
	assert.Equal(t, types.WorkflowFailed, res.Status)
	require.NotNil(t, res.Failure)
	assert.Equal(t, def.Steps[0].ID, res.Failure.StepID)
	assert.Equal(t, "x-1", res.Failure.TaskID)
	assert.Equal(t, types.ErrFatal, res.Failure.Code)
}

func TestEngine_BestEffortSequentialMidStepFailureProceeds(t *testing.T) {
	env := newEngineEnv(t, Config{MaxConcurrency: 4, FailFast: false})

	script := func(_ int, msg types.AgentMessage) testutil.Response {
		if msg.Payload[types.PayloadKeyTaskID] == "t-1" {
			return testutil.Response{ErrMessage: "boom", ErrCode: types.ErrTransient}
		}
		return testutil.Response{Result: "ok"}
	}
	env.startAgent(t, "worker-1", []string{"extract", "load"}, script)

	def := types.WorkflowDefinition{
		Name: "tolerant-seq",
		Steps: []types.Step{
			{ID: "extract", ExecutionMode: types.ExecutionSequential, Tasks: testutil.Tasks("t", "extract", 3, 0)},
			{ID: "load", ExecutionMode: types.ExecutionSequential, Tasks: testutil.Tasks("l", "load", 1, 0)},
		},
	}

	ctx := context.Background()
	id, err := env.engine.Prepare(ctx, def)
	require.NoError(t, err)
	res, err := env.engine.Run(ctx, id, def)
	require.NoError(t, err)

	// The mid-step failure aborts the rest of its step but not the
	// workflow: the next step still runs and the partial flag is set.
	assert.Equal(t, types.WorkflowCompleted, res.Status)
	assert.True(t, res.PartialFailure)

	outcomes := res.Outcomes["extract"]
	require.Len(t, outcomes, 3)
	assert.Equal(t, types.OutcomeSucceeded, outcomes[0].Status)
	assert.Equal(t, types.OutcomeDeadLettered, outcomes[1].Status)
	assert.Equal(t, types.OutcomeCancelled, outcomes[2].Status)
	assert.Len(t, res.Outcomes["load"], 1)
}

func TestEngine_BestEffortAllFailedStepIsNotPartial(t *testing.T) {
	env := newEngineEnv(t, Config{MaxConcurrency: 4, FailFast: false})
	env.startAgent(t, "worker-1", []string{"transform"}, testutil.AlwaysFail(types.ErrTransient))

	def := testutil.ParallelWorkflow("all-failed", testutil.Tasks("x", "transform", 2, 0)...)
	ctx := context.Background()
	id, err := env.engine.Prepare(ctx, def)
	require.NoError(t, err)
	res, err := env.engine.Run(ctx, id, def)
	require.NoError(t, err)

	// Partial failure means a mix; a step where nothing succeeded is a
	// plain failure and leaves the flag unset.
	assert.Equal(t, types.WorkflowCompleted, res.Status)
	assert.False(t, res.PartialFailure)
	for _, o := range res.Outcomes[def.Steps[0].ID] {
		assert.Equal(t, types.OutcomeDeadLettered, o.Status)
	}
}

func TestEngine_BestEffortProceedsWithPartialFailure(t *testing.T) {
	env := newEngineEnv(t, Config{MaxConcurrency: 4, FailFast: false})

	script := func(_ int, msg types.AgentMessage) testutil.Response {
		if msg.Payload[types.PayloadKeyTaskID] == "x-1" {
			return testutil.Response{ErrMessage: "boom", ErrCode: types.ErrTransient}
		}
		return testutil.Response{Result: "ok"}
	}
	env.startAgent(t, "worker-1", []string{"transform", "load"}, script)

	def := types.WorkflowDefinition{
		Name: "tolerant",
		Steps: []types.Step{
			{ID: "transform", ExecutionMode: types.ExecutionParallel, Tasks: testutil.Tasks("x", "transform", 3, 2)},
			{ID: "load", ExecutionMode: types.ExecutionSequential, Tasks: testutil.Tasks("l", "load", 1, 0)},
		},
	}

	ctx := context.Background()
	id, err := env.engine.Prepare(ctx, def)
	require.NoError(t, err)
	res, err := env.engine.Run(ctx, id, def)
	require.NoError(t, err)

	// The dead-lettered task does not stop the workflow, but it leaves
	// its mark.
	assert.Equal(t, types.WorkflowCompleted, res.Status)
	assert.True(t, res.PartialFailure)
	assert.Equal(t, types.OutcomeDeadLettered, res.Outcomes["transform"][1].Status)
	assert.Equal(t, 3, res.Outcomes["transform"][1].AttemptCount)
	assert.Len(t, res.Outcomes["load"], 1)

	n, err := env.dls.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestEngine_StateConflictAtCommitIsFatal(t *testing.T) {
	env := newEngineEnv(t, Config{MaxConcurrency: 4, FailFast: true})
	env.startAgent(t, "worker-1", []string{"extract"}, func(int, types.AgentMessage) testutil.Response {
		return testutil.Response{Result: "ok", Delay: 150 * time.Millisecond}
	})

	def := testutil.SequentialWorkflow("contested", testutil.Task("t1", "extract", 0))
	ctx := context.Background()
	id, err := env.engine.Prepare(ctx, def)
	require.NoError(t, err)

	type runResult struct {
		res *WorkflowResult
		err error
	}
	done := make(chan runResult, 1)
	go func() {
		res, err := env.engine.Run(ctx, id, def)
		done <- runResult{res, err}
	}()

	// While the step is in flight, a foreign writer bumps the version.
	time.Sleep(50 * time.Millisecond)
	cur, err := env.states.Get(ctx, id)
	require.NoError(t, err)
	_, err = env.states.UpdateState(ctx, id, cur.Version, state.Delta{
		Results: map[string]any{"intruder": true},
	})
	require.NoError(t, err)

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, types.WorkflowFailed, r.res.Status)
	require.NotNil(t, r.res.Failure)
	assert.Equal(t, types.ErrStateConflict, r.res.Failure.Code)
	assert.Equal(t, def.Steps[0].ID, r.res.Failure.StepID)
}

func TestEngine_CancelMidStep(t *testing.T) {
	env := newEngineEnv(t, Config{MaxConcurrency: 4, FailFast: true})
	env.startAgent(t, "worker-1", []string{"extract"}, func(int, types.AgentMessage) testutil.Response {
		return testutil.Response{Result: "ok", Delay: 2 * time.Second}
	})

	def := testutil.SequentialWorkflow("slow", testutil.Task("t1", "extract", 0))
	ctx := context.Background()
	id, err := env.engine.Prepare(ctx, def)
	require.NoError(t, err)

	type runResult struct {
		res *WorkflowResult
		err error
	}
	done := make(chan runResult, 1)
	go func() {
		res, rerr := env.engine.Run(ctx, id, def)
		done <- runResult{res, rerr}
	}()

	time.Sleep(50 * time.Millisecond)
	require.True(t, env.engine.Cancel(id))

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, types.WorkflowCancelled, r.res.Status)

	st, err := env.states.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowCancelled, st.Status)
}

func TestEngine_CancelUnknownWorkflow(t *testing.T) {
	env := newEngineEnv(t, Config{})
	assert.False(t, env.engine.Cancel("ghost"))
}

func TestEngine_Resume_SkipsCommittedSteps(t *testing.T) {
	env := newEngineEnv(t, Config{MaxConcurrency: 4, FailFast: true})
	agent := env.startAgent(t, "worker-1", []string{"extract", "load"}, testutil.AlwaysSucceed("ok"))

	def := types.WorkflowDefinition{
		Name: "resumable",
		Steps: []types.Step{
			{ID: "extract", ExecutionMode: types.ExecutionSequential, Tasks: testutil.Tasks("e", "extract", 2, 0)},
			{ID: "load", ExecutionMode: types.ExecutionSequential, Tasks: testutil.Tasks("l", "load", 1, 0)},
		},
	}

	ctx := context.Background()
	id, err := env.engine.Prepare(ctx, def)
	require.NoError(t, err)

	// Simulate a prior run that committed step 0 and then crashed.
	cur, err := env.states.Get(ctx, id)
	require.NoError(t, err)
	cur, err = env.states.UpdateState(ctx, id, cur.Version, state.Delta{Status: types.WorkflowRunning})
	require.NoError(t, err)
	idx := 0
	_, err = env.states.UpdateState(ctx, id, cur.Version, state.Delta{
		CompletedStepIndex: &idx,
		Results:            map[string]any{"e-0": "ok", "e-1": "ok"},
	})
	require.NoError(t, err)

	res, err := env.engine.Resume(ctx, id, def)
	require.NoError(t, err)

	assert.Equal(t, types.WorkflowCompleted, res.Status)
	assert.Nil(t, res.Outcomes["extract"], "committed step must not re-run")
	assert.Len(t, res.Outcomes["load"], 1)
	assert.Equal(t, 1, agent.Calls(), "only the uncommitted step is dispatched")
}

func TestEngine_Resume_TerminalReturnsRecordedResult(t *testing.T) {
	env := newEngineEnv(t, Config{MaxConcurrency: 4, FailFast: true})
	env.startAgent(t, "worker-1", []string{"extract"}, testutil.AlwaysSucceed("ok"))

	def := testutil.SequentialWorkflow("done", testutil.Task("t1", "extract", 0))
	ctx := context.Background()
	id, err := env.engine.Prepare(ctx, def)
	require.NoError(t, err)
	_, err = env.engine.Run(ctx, id, def)
	require.NoError(t, err)

	res, err := env.engine.Resume(ctx, id, def)
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowCompleted, res.Status)
	assert.Empty(t, res.Outcomes)
}

func TestEngine_RunTerminalWorkflowRejected(t *testing.T) {
	env := newEngineEnv(t, Config{MaxConcurrency: 4, FailFast: true})
	env.startAgent(t, "worker-1", []string{"extract"}, testutil.AlwaysSucceed("ok"))

	def := testutil.SequentialWorkflow("once", testutil.Task("t1", "extract", 0))
	ctx := context.Background()
	id, err := env.engine.Prepare(ctx, def)
	require.NoError(t, err)
	_, err = env.engine.Run(ctx, id, def)
	require.NoError(t, err)

	_, err = env.engine.Run(ctx, id, def)
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidTransition, types.GetErrorCode(err))
}

func TestEngine_NoCapableAgentFailsWorkflow(t *testing.T) {
	env := newEngineEnv(t, Config{MaxConcurrency: 4, FailFast: true})

	def := testutil.SequentialWorkflow("orphan", testutil.Task("t1", "translate", 3))
	ctx := context.Background()
	id, err := env.engine.Prepare(ctx, def)
	require.NoError(t, err)

	res, err := env.engine.Run(ctx, id, def)
	require.NoError(t, err)

	assert.Equal(t, types.WorkflowFailed, res.Status)
	require.NotNil(t, res.Failure)
	assert.Equal(t, types.ErrNoCapableAgent, res.Failure.Code)

	n, err := env.dls.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "no capable agent never dead-letters")
}
