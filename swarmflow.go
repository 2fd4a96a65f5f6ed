// Package swarmflow is the top-level entry point of the workflow
// orchestration engine: it wires the message bus, agent registry, task
// dispatcher, state manager, and workflow engine into one Orchestrator.
//
// Usage:
//
//	import "github.com/BaSui01/swarmflow"
//
//	o, err := swarmflow.New(swarmflow.WithConfigFile("swarmflow.yaml"))
//	o.RegisterAgent(agent)
//	id, _ := o.Submit(ctx, def)
//	result, _ := o.Run(ctx, id)
package swarmflow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/swarmflow/channel"
	"github.com/BaSui01/swarmflow/config"
	"github.com/BaSui01/swarmflow/deadletter"
	"github.com/BaSui01/swarmflow/dispatch"
	"github.com/BaSui01/swarmflow/engine"
	"github.com/BaSui01/swarmflow/internal/metrics"
	"github.com/BaSui01/swarmflow/internal/pool"
	"github.com/BaSui01/swarmflow/internal/telemetry"
	"github.com/BaSui01/swarmflow/registry"
	"github.com/BaSui01/swarmflow/state"
	"github.com/BaSui01/swarmflow/types"
)

// MetricsNamespace is the Prometheus namespace all engine metrics register
// under.
const MetricsNamespace = "swarmflow"

// Option configures the orchestrator created by New.
type Option func(*options)

type options struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	metrics    bool
}

// WithConfig supplies a fully built configuration.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithConfigFile loads configuration from a YAML file with env overrides.
func WithConfigFile(path string) Option {
	return func(o *options) { o.configPath = path }
}

// WithLogger overrides the logger built from the log config.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithoutMetrics disables Prometheus metric registration. Useful when
// multiple orchestrators share one process.
func WithoutMetrics() Option {
	return func(o *options) { o.metrics = false }
}

// Orchestrator owns every engine component and their lifecycles.
type Orchestrator struct {
	cfg    *config.Config
	logger *zap.Logger

	bus         *channel.Bus
	registry    *registry.Registry
	stateStore  state.Store
	states      *state.Manager
	deadLetters deadletter.Store
	dispatcher  *dispatch.Dispatcher
	engine      *engine.Engine
	runs        *pool.WorkerPool
	collector   *metrics.Collector
	providers   *telemetry.Providers

	mu          sync.Mutex
	definitions map[string]types.WorkflowDefinition

	runCtx    context.Context
	cancelRun context.CancelFunc
	closeOnce sync.Once
}

// New builds and starts an orchestrator.
func New(opts ...Option) (*Orchestrator, error) {
	o := &options{metrics: true}
	for _, opt := range opts {
		opt(o)
	}

	cfg := o.cfg
	if cfg == nil {
		loader := config.NewLoader()
		if o.configPath != "" {
			loader = loader.WithConfigPath(o.configPath)
		}
		loaded, err := loader.Load()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	logger := o.logger
	if logger == nil {
		built, err := cfg.Log.NewLogger()
		if err != nil {
			return nil, err
		}
		logger = built
	}

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	var collector *metrics.Collector
	if o.metrics {
		collector = metrics.NewCollector(MetricsNamespace, logger)
	}

	bus := channel.NewBus(cfg.Channel, logger)
	reg := registry.New(cfg.Registry, logger)

	stateStore, err := newStateStore(cfg.State)
	if err != nil {
		return nil, err
	}
	states := state.NewManager(stateStore, cfg.State.Manager, logger)

	dls, err := newDeadLetterStore(cfg.DeadLetter)
	if err != nil {
		return nil, err
	}

	dispatcher := dispatch.NewDispatcher(bus, reg, dls, cfg.Dispatch, logger)
	eng := engine.New(dispatcher, states, cfg.Engine, logger)

	if collector != nil {
		bus.SetMetrics(collector)
		reg.SetMetrics(collector)
		dispatcher.SetMetrics(collector)
		eng.SetMetrics(collector)
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	if err := dispatcher.Start(runCtx); err != nil {
		cancelRun()
		return nil, fmt.Errorf("start dispatcher: %w", err)
	}

	orch := &Orchestrator{
		cfg:         cfg,
		logger:      logger.With(zap.String("component", "orchestrator")),
		bus:         bus,
		registry:    reg,
		stateStore:  stateStore,
		states:      states,
		deadLetters: dls,
		dispatcher:  dispatcher,
		engine:      eng,
		runs:        pool.New(cfg.Pool),
		collector:   collector,
		providers:   providers,
		definitions: make(map[string]types.WorkflowDefinition),
		runCtx:      runCtx,
		cancelRun:   cancelRun,
	}
	orch.logger.Info("orchestrator ready",
		zap.String("state_backend", cfg.State.Backend),
		zap.String("dead_letter_backend", cfg.DeadLetter.Backend))
	return orch, nil
}

func newStateStore(cfg config.StateConfig) (state.Store, error) {
	switch cfg.Backend {
	case "redis":
		return state.NewRedisStore(cfg.Redis)
	default:
		return state.NewMemoryStore(), nil
	}
}

func newDeadLetterStore(cfg config.DeadLetterConfig) (deadletter.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		return deadletter.NewSQLiteStore(cfg.Path)
	default:
		return deadletter.NewMemoryStore(), nil
	}
}

// Bus exposes the message channel so agent processes can subscribe.
func (o *Orchestrator) Bus() *channel.Bus {
	return o.bus
}

// RegisterAgent adds or refreshes an agent in the registry.
func (o *Orchestrator) RegisterAgent(agent types.Agent) error {
	return o.registry.Register(agent)
}

// DeregisterAgent removes an agent. Its queued messages are dropped once
// the agent detaches from the bus.
func (o *Orchestrator) DeregisterAgent(agentID string) {
	o.registry.Deregister(agentID)
	o.bus.Detach(agentID)
}

// Agents lists registered agents with their derived status.
func (o *Orchestrator) Agents() []types.Agent {
	return o.registry.List()
}

// Submit validates def, initializes workflow state, and returns the new
// workflow ID. Execution starts when Run is called.
func (o *Orchestrator) Submit(ctx context.Context, def types.WorkflowDefinition) (string, error) {
	if len(def.Steps) == 0 {
		return "", types.NewFatalError(types.ErrInvalidTransition, "workflow definition has no steps")
	}
	id, err := o.engine.Prepare(ctx, def)
	if err != nil {
		return "", err
	}
	o.mu.Lock()
	o.definitions[id] = def
	o.mu.Unlock()
	return id, nil
}

// SubmitTemplate instantiates a named workflow template from configuration
// and submits it.
func (o *Orchestrator) SubmitTemplate(ctx context.Context, name string) (string, error) {
	tpl, ok := o.cfg.Workflows[name]
	if !ok {
		return "", types.NewFatalError(types.ErrWorkflowNotFound,
			fmt.Sprintf("no workflow template named %q", name))
	}
	def, err := tpl.Instantiate(name)
	if err != nil {
		return "", err
	}
	return o.Submit(ctx, def)
}

// Run executes a submitted workflow to a terminal status. Concurrent runs
// are bounded by the run pool; Run suspends while the pool is saturated.
func (o *Orchestrator) Run(ctx context.Context, workflowID string) (*engine.WorkflowResult, error) {
	def, err := o.definition(workflowID)
	if err != nil {
		return nil, err
	}

	var (
		result *engine.WorkflowResult
		runErr error
		done   = make(chan struct{})
	)
	err = o.runs.SubmitWait(ctx, func(jobCtx context.Context) {
		defer close(done)
		result, runErr = o.engine.Run(jobCtx, workflowID, def)
	})
	if err != nil {
		return nil, err
	}

	select {
	case <-done:
		return result, runErr
	case <-ctx.Done():
		// The run keeps the job context; cancel cooperatively and wait
		// for the terminal status to be committed.
		o.engine.Cancel(workflowID)
		<-done
		return result, runErr
	}
}

// Resume restores a workflow after a crash and drives it to completion.
func (o *Orchestrator) Resume(ctx context.Context, workflowID string) (*engine.WorkflowResult, error) {
	def, err := o.definition(workflowID)
	if err != nil {
		return nil, err
	}
	return o.engine.Resume(ctx, workflowID, def)
}

// Cancel requests cooperative cancellation of a running workflow.
func (o *Orchestrator) Cancel(workflowID string) bool {
	return o.engine.Cancel(workflowID)
}

// State returns the current workflow state.
func (o *Orchestrator) State(ctx context.Context, workflowID string) (*types.WorkflowState, error) {
	return o.states.Get(ctx, workflowID)
}

// DeadLetters lists dead-letter entries, newest first.
func (o *Orchestrator) DeadLetters(ctx context.Context, filter deadletter.Filter) ([]types.DeadLetterEntry, error) {
	return o.deadLetters.List(ctx, filter)
}

// RequeueDeadLetter removes a dead-letter entry and dispatches its task
// again with a fresh retry budget.
func (o *Orchestrator) RequeueDeadLetter(ctx context.Context, taskID string) (types.TaskOutcome, error) {
	entry, err := o.deadLetters.Get(ctx, taskID)
	if err != nil {
		return types.TaskOutcome{}, err
	}
	task, err := o.deadLetters.Requeue(ctx, taskID)
	if err != nil {
		return types.TaskOutcome{}, err
	}
	o.logger.Info("requeueing dead letter",
		zap.String("task_id", taskID),
		zap.String("workflow_id", entry.WorkflowID))
	return o.dispatcher.Dispatch(ctx, entry.WorkflowID, task), nil
}

// PoolStats reports run-pool counters.
func (o *Orchestrator) PoolStats() pool.Stats {
	return o.runs.Stats()
}

// Close shuts the orchestrator down: stops the dispatcher and bus, drains
// the run pool, closes the stores, and flushes telemetry.
func (o *Orchestrator) Close(ctx context.Context) error {
	var errs []error
	o.closeOnce.Do(func() {
		o.dispatcher.Close()
		o.cancelRun()
		o.runs.Close()
		o.bus.Close()
		if err := o.stateStore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close state store: %w", err))
		}
		if err := o.deadLetters.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close dead letter store: %w", err))
		}
		if err := o.providers.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
		}
		o.logger.Info("orchestrator closed")
	})
	return errors.Join(errs...)
}

func (o *Orchestrator) definition(workflowID string) (types.WorkflowDefinition, error) {
	o.mu.Lock()
	def, ok := o.definitions[workflowID]
	o.mu.Unlock()
	if !ok {
		return types.WorkflowDefinition{}, types.NewFatalError(types.ErrWorkflowNotFound,
			fmt.Sprintf("no definition for workflow %q", workflowID))
	}
	return def, nil
}
