package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/swarmflow/channel"
	"github.com/BaSui01/swarmflow/deadletter"
	"github.com/BaSui01/swarmflow/internal/metrics"
	"github.com/BaSui01/swarmflow/registry"
	"github.com/BaSui01/swarmflow/types"
)

// DefaultOrchestratorID is the channel identity the dispatcher subscribes
// under when none is configured.
const DefaultOrchestratorID = "orchestrator"

var tracer = otel.Tracer("swarmflow/dispatch")

// Config configures the task dispatcher.
type Config struct {
	// OrchestratorID is the sender/receiver identity used on the bus.
	OrchestratorID string `json:"orchestrator_id" yaml:"orchestrator_id"`

	// AttemptTimeout bounds one dispatch attempt, from publish to
	// correlated response.
	AttemptTimeout time.Duration `json:"attempt_timeout" yaml:"attempt_timeout"`

	// Backoff is the delay policy between retry attempts.
	Backoff BackoffPolicy `json:"backoff" yaml:"backoff"`

	// AgentRateLimit caps dispatches per second to a single agent.
	// Zero disables rate limiting.
	AgentRateLimit rate.Limit `json:"agent_rate_limit" yaml:"agent_rate_limit"`
	AgentRateBurst int        `json:"agent_rate_burst" yaml:"agent_rate_burst"`
}

// DefaultConfig returns sensible dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		OrchestratorID: DefaultOrchestratorID,
		AttemptTimeout: 30 * time.Second,
		Backoff:        DefaultBackoffPolicy(),
		AgentRateBurst: 1,
	}
}

// Dispatcher routes tasks to capable agents and owns their retry lifecycle.
// All retryable conditions are absorbed here; callers only ever observe a
// terminal TaskOutcome.
type Dispatcher struct {
	bus         *channel.Bus
	registry    *registry.Registry
	deadLetters deadletter.Store
	config      Config
	logger      *zap.Logger
	metrics     *metrics.Collector

	corr *correlationTable
	sub  *channel.Subscription

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	startOnce sync.Once
	closeOnce sync.Once
}

// NewDispatcher creates a dispatcher over the given bus and registry.
// A nil dead-letter store falls back to an in-memory one.
func NewDispatcher(bus *channel.Bus, reg *registry.Registry, dls deadletter.Store, config Config, logger *zap.Logger) *Dispatcher {
	if config.OrchestratorID == "" {
		config.OrchestratorID = DefaultOrchestratorID
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = 30 * time.Second
	}
	if config.AgentRateBurst <= 0 {
		config.AgentRateBurst = 1
	}
	if dls == nil {
		dls = deadletter.NewMemoryStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		bus:         bus,
		registry:    reg,
		deadLetters: dls,
		config:      config,
		logger:      logger.With(zap.String("component", "dispatcher")),
		corr:        newCorrelationTable(),
		limiters:    make(map[string]*rate.Limiter),
	}
}

// SetMetrics attaches a metrics collector.
func (d *Dispatcher) SetMetrics(c *metrics.Collector) {
	d.metrics = c
}

// Start subscribes to task responses and runs the response pump until ctx
// is cancelled or the bus closes. It is safe to call once.
func (d *Dispatcher) Start(ctx context.Context) error {
	var err error
	d.startOnce.Do(func() {
		d.sub, err = d.bus.Subscribe(d.config.OrchestratorID, types.MessageTypeTaskResponse)
		if err != nil {
			return
		}
		go d.pump(ctx)
	})
	return err
}

// Close detaches the response subscription. In-flight dispatches fail with
// their attempt timeout.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		if d.sub != nil {
			d.sub.Close()
		}
	})
}

// pump resolves incoming task responses against the correlation table.
func (d *Dispatcher) pump(ctx context.Context) {
	for {
		msg, err := d.sub.Receive(ctx)
		if err != nil {
			return
		}
		if !d.corr.resolve(msg) {
			// Duplicate or late response for an abandoned attempt.
			d.logger.Debug("discarding uncorrelated response",
				zap.String("correlation_id", msg.CorrelationID),
				zap.String("sender_id", msg.SenderID))
		}
	}
}

// Dispatch runs task to completion: agent selection, request/response over
// the bus, retries with backoff, and dead-lettering on exhaustion. The
// returned outcome is always terminal.
func (d *Dispatcher) Dispatch(ctx context.Context, workflowID string, task types.Task) (out types.TaskOutcome) {
	ctx, span := tracer.Start(ctx, "task.dispatch")
	span.SetAttributes(
		attribute.String("workflow.id", workflowID),
		attribute.String("task.id", task.ID),
		attribute.String("task.capability", task.RequiredCapability),
	)
	defer func() {
		span.SetAttributes(
			attribute.String("task.outcome", string(out.Status)),
			attribute.Int("task.attempts", out.AttemptCount),
		)
		span.End()
	}()

	start := time.Now()
	budget := task.MaxRetries + 1

	var lastErr *types.Error
	attemptsMade := 0

	for attempt := 1; attempt <= budget; attempt++ {
		if attempt > 1 {
			delay := d.config.Backoff.Delay(attempt - 1)
			d.logger.Debug("backing off before retry",
				zap.String("task_id", task.ID),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return d.finish(task, types.TaskOutcome{
					TaskID:       task.ID,
					Status:       types.OutcomeCancelled,
					Err:          types.NewError(types.ErrTransient, "dispatch cancelled during backoff").WithCause(ctx.Err()),
					AttemptCount: attemptsMade,
					Latency:      time.Since(start),
				})
			case <-time.After(delay):
			}
		}

		agentID, err := d.registry.Acquire(task.RequiredCapability)
		if err != nil {
			// No capable agent fails immediately and does not consume
			// the retry budget.
			return d.finish(task, types.TaskOutcome{
				TaskID:       task.ID,
				Status:       types.OutcomeFatal,
				Err:          types.NewFatalError(types.ErrNoCapableAgent, err.Error()),
				AttemptCount: attemptsMade,
				Latency:      time.Since(start),
			})
		}

		if lim := d.limiter(agentID); lim != nil {
			if werr := lim.Wait(ctx); werr != nil {
				d.registry.Release(agentID)
				return d.finish(task, types.TaskOutcome{
					TaskID:       task.ID,
					Status:       types.OutcomeCancelled,
					AgentID:      agentID,
					Err:          types.NewError(types.ErrTransient, "dispatch cancelled awaiting rate limit").WithCause(werr),
					AttemptCount: attemptsMade,
					Latency:      time.Since(start),
				})
			}
		}

		attemptsMade++
		task.AttemptCount = attemptsMade

		outcome, retry := d.attempt(ctx, agentID, task)
		d.registry.Release(agentID)

		if !retry {
			outcome.AttemptCount = attemptsMade
			outcome.Latency = time.Since(start)
			return d.finish(task, outcome)
		}
		lastErr = outcome.Err
	}

	// Retry budget exhausted: record exactly one dead letter.
	entry := types.DeadLetterEntry{
		TaskID:       task.ID,
		WorkflowID:   workflowID,
		Reason:       fmt.Sprintf("retry budget exhausted after %d attempts", attemptsMade),
		AttemptCount: attemptsMade,
		RecordedAt:   time.Now(),
		Task:         task,
	}
	if lastErr != nil {
		entry.LastError = lastErr.Error()
	}
	if err := d.deadLetters.Record(ctx, entry); err != nil && !errors.Is(err, deadletter.ErrAlreadyExists) {
		d.logger.Error("failed to record dead letter",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
	if d.metrics != nil {
		d.metrics.RecordDeadLetter(task.RequiredCapability)
	}
	d.logger.Warn("task dead-lettered",
		zap.String("task_id", task.ID),
		zap.String("workflow_id", workflowID),
		zap.Int("attempts", attemptsMade))

	return d.finish(task, types.TaskOutcome{
		TaskID:       task.ID,
		Status:       types.OutcomeDeadLettered,
		Err:          lastErr,
		AttemptCount: attemptsMade,
		Latency:      time.Since(start),
	})
}

// attempt runs one request/response round trip against agentID.
// retry=true means the attempt failed with a retryable condition.
func (d *Dispatcher) attempt(ctx context.Context, agentID string, task types.Task) (outcome types.TaskOutcome, retry bool) {
	correlationID := uuid.New().String()
	waiter := d.corr.register(correlationID)

	payload := map[string]any{
		types.PayloadKeyTaskID: task.ID,
		"capability":           task.RequiredCapability,
	}
	for k, v := range task.Payload {
		payload[k] = v
	}
	msg := types.NewAgentMessage(d.config.OrchestratorID, agentID, types.MessageTypeTaskRequest, correlationID).
		WithPayload(payload).
		WithPriority(task.Priority)

	if err := d.bus.Publish(ctx, msg); err != nil {
		d.corr.drop(correlationID)
		if ctx.Err() != nil {
			return types.TaskOutcome{
				TaskID:  task.ID,
				Status:  types.OutcomeCancelled,
				AgentID: agentID,
				Err:     types.NewError(types.ErrTransient, "dispatch cancelled").WithCause(ctx.Err()),
			}, false
		}
		// Queue full or agent queue closed; the agent never saw the
		// request, so its circuit is left alone.
		return types.TaskOutcome{
			TaskID:  task.ID,
			AgentID: agentID,
			Err:     types.NewTransientError(types.ErrQueueFull, err.Error()).WithAgent(agentID),
		}, true
	}

	attemptCtx, cancel := context.WithTimeout(ctx, d.config.AttemptTimeout)
	defer cancel()

	select {
	case resp := <-waiter:
		respErr := resp.ResponseError()
		if respErr == nil {
			d.registry.RecordOutcome(agentID, true)
			return types.TaskOutcome{
				TaskID:  task.ID,
				Status:  types.OutcomeSucceeded,
				Result:  resp.Payload[types.PayloadKeyResult],
				AgentID: agentID,
			}, false
		}
		if respErr.Retryable {
			d.registry.RecordOutcome(agentID, false)
			return types.TaskOutcome{
				TaskID:  task.ID,
				AgentID: agentID,
				Err:     respErr.WithAgent(agentID),
			}, true
		}
		// A fatal response is a task-level failure from a healthy,
		// responsive agent; it does not count against the circuit.
		d.registry.RecordOutcome(agentID, true)
		return types.TaskOutcome{
			TaskID:  task.ID,
			Status:  types.OutcomeFatal,
			AgentID: agentID,
			Err:     respErr.WithAgent(agentID),
		}, false

	case <-attemptCtx.Done():
		d.corr.drop(correlationID)
		d.sendCancel(agentID, correlationID)

		if ctx.Err() != nil {
			return types.TaskOutcome{
				TaskID:  task.ID,
				Status:  types.OutcomeCancelled,
				AgentID: agentID,
				Err:     types.NewError(types.ErrTransient, "dispatch cancelled awaiting response").WithCause(ctx.Err()),
			}, false
		}

		d.registry.RecordOutcome(agentID, false)
		return types.TaskOutcome{
			TaskID:  task.ID,
			AgentID: agentID,
			Err: types.NewTransientError(types.ErrDispatchTimeout,
				fmt.Sprintf("no response within %s", d.config.AttemptTimeout)).WithAgent(agentID),
		}, true
	}
}

// sendCancel signals cooperative cancellation of an abandoned attempt.
// Agents may ignore it; the retry path tolerates that.
func (d *Dispatcher) sendCancel(agentID, correlationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg := types.NewAgentMessage(d.config.OrchestratorID, agentID, types.MessageTypeCancel, correlationID)
	if err := d.bus.Publish(ctx, msg); err != nil {
		d.logger.Debug("cancel signal not delivered",
			zap.String("agent_id", agentID),
			zap.String("correlation_id", correlationID),
			zap.Error(err))
	}
}

func (d *Dispatcher) finish(task types.Task, outcome types.TaskOutcome) types.TaskOutcome {
	d.recordDispatch(task, string(outcome.Status))
	if d.metrics != nil {
		d.metrics.RecordDispatch(task.RequiredCapability, string(outcome.Status), outcome.AttemptCount, outcome.Latency)
	}
	return outcome
}

func (d *Dispatcher) recordDispatch(task types.Task, result string) {
	d.logger.Debug("dispatch attempt settled",
		zap.String("task_id", task.ID),
		zap.String("capability", task.RequiredCapability),
		zap.String("result", result),
		zap.Int("attempt_count", task.AttemptCount))
}

func (d *Dispatcher) limiter(agentID string) *rate.Limiter {
	if d.config.AgentRateLimit <= 0 {
		return nil
	}
	d.limMu.Lock()
	defer d.limMu.Unlock()
	lim, ok := d.limiters[agentID]
	if !ok {
		lim = rate.NewLimiter(d.config.AgentRateLimit, d.config.AgentRateBurst)
		d.limiters[agentID] = lim
	}
	return lim
}
