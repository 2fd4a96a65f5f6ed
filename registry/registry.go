package registry

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/swarmflow/internal/metrics"
	"github.com/BaSui01/swarmflow/types"
)

// Config configures the registry.
type Config struct {
	Breaker BreakerConfig `json:"breaker" yaml:"breaker"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Breaker: DefaultBreakerConfig()}
}

type entry struct {
	agent   types.Agent
	breaker *Breaker
	load    int
}

// Registry tracks registered agents, their capabilities, per-agent load and
// circuit breaker state. Dispatch outcomes arrive concurrently from parallel
// dispatches, so all entry state is serialized behind the registry lock and
// each breaker's own lock.
type Registry struct {
	agents  map[string]*entry
	config  Config
	mu      sync.RWMutex
	logger  *zap.Logger
	metrics *metrics.Collector
	onEvent BreakerEventHandler
}

// New creates an empty registry.
func New(config Config, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		agents: make(map[string]*entry),
		config: config,
		logger: logger.With(zap.String("component", "registry")),
	}
}

// SetMetrics attaches a metrics collector for circuit state and load gauges.
func (r *Registry) SetMetrics(c *metrics.Collector) {
	r.metrics = c
}

// SetBreakerEventHandler installs a handler invoked on every circuit state
// change. Must be called before the first Register.
func (r *Registry) SetBreakerEventHandler(h BreakerEventHandler) {
	r.onEvent = h
}

// Register adds an agent. Re-registering an existing ID refreshes its
// declared capabilities but keeps accumulated circuit state.
func (r *Registry) Register(agent types.Agent) error {
	if agent.ID == "" {
		return fmt.Errorf("register: agent ID required")
	}
	if len(agent.Capabilities) == 0 {
		return fmt.Errorf("register agent %q: at least one capability required", agent.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.agents[agent.ID]; ok {
		e.agent.Capabilities = agent.Capabilities
		e.agent.Priority = agent.Priority
		e.agent.Capacity = agent.Capacity
		r.logger.Info("agent re-registered", zap.String("agent_id", agent.ID))
		return nil
	}

	agent.Status = types.AgentIdle
	r.agents[agent.ID] = &entry{
		agent:   agent,
		breaker: NewBreaker(agent.ID, r.config.Breaker, r.onEvent, r.logger),
	}

	r.logger.Info("agent registered",
		zap.String("agent_id", agent.ID),
		zap.Strings("capabilities", agent.Capabilities),
		zap.Int("priority", agent.Priority))
	return nil
}

// Deregister removes an agent.
func (r *Registry) Deregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[agentID]; !ok {
		return
	}
	delete(r.agents, agentID)
	r.logger.Info("agent deregistered", zap.String("agent_id", agentID))
}

// Get returns a snapshot of the agent with its live status.
func (r *Registry) Get(agentID string) (types.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.agents[agentID]
	if !ok {
		return types.Agent{}, false
	}
	return r.snapshot(e), true
}

// List returns snapshots of all registered agents.
func (r *Registry) List() []types.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]types.Agent, 0, len(r.agents))
	for _, e := range r.agents {
		agents = append(agents, r.snapshot(e))
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents
}

// FindCapable returns agents declaring the capability whose status is not
// UNAVAILABLE. An agent with an open circuit reappears once its cooldown
// has elapsed, at which point selection admits a single half-open probe.
func (r *Registry) FindCapable(capability string) []types.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var capable []types.Agent
	for _, e := range r.agents {
		if !e.agent.HasCapability(capability) {
			continue
		}
		snap := r.snapshot(e)
		if snap.Status == types.AgentUnavailable {
			continue
		}
		capable = append(capable, snap)
	}
	sort.Slice(capable, func(i, j int) bool { return capable[i].ID < capable[j].ID })
	return capable
}

// Acquire selects an available, capable agent and admits one dispatch to
// it, incrementing its in-flight load. Ties are broken by agent priority,
// then by fewest consecutive failures, then by least load. Returns a
// NO_CAPABLE_AGENT error when no admission is possible.
func (r *Registry) Acquire(capability string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []*entry
	for _, e := range r.agents {
		if !e.agent.HasCapability(capability) {
			continue
		}
		if e.agent.Capacity > 0 && e.load >= e.agent.Capacity {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return "", types.NewError(types.ErrNoCapableAgent,
			fmt.Sprintf("no agent registered for capability %q with free capacity", capability))
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.agent.Priority != b.agent.Priority {
			return a.agent.Priority > b.agent.Priority
		}
		if fa, fb := a.breaker.Failures(), b.breaker.Failures(); fa != fb {
			return fa < fb
		}
		if a.load != b.load {
			return a.load < b.load
		}
		return a.agent.ID < b.agent.ID
	})

	for _, e := range candidates {
		allowed, _ := e.breaker.Allow()
		if !allowed {
			continue
		}
		e.load++
		r.reportEntry(e)
		return e.agent.ID, nil
	}

	return "", types.NewError(types.ErrNoCapableAgent,
		fmt.Sprintf("all agents for capability %q are unavailable", capability))
}

// Release decrements the in-flight load acquired for a dispatch.
func (r *Registry) Release(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[agentID]
	if !ok {
		return
	}
	if e.load > 0 {
		e.load--
	}
	r.reportEntry(e)
}

// RecordOutcome feeds a dispatch result into the agent's circuit breaker.
func (r *Registry) RecordOutcome(agentID string, success bool) {
	r.mu.RLock()
	e, ok := r.agents[agentID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	if success {
		e.breaker.RecordSuccess()
	} else {
		e.breaker.RecordFailure()
	}
	if r.metrics != nil {
		r.metrics.RecordCircuitState(agentID, int(e.breaker.State()))
	}
}

// CircuitState returns the agent's current circuit state.
func (r *Registry) CircuitState(agentID string) (CircuitState, bool) {
	r.mu.RLock()
	e, ok := r.agents[agentID]
	r.mu.RUnlock()
	if !ok {
		return CircuitClosed, false
	}
	return e.breaker.State(), true
}

// Load returns the agent's in-flight dispatch count.
func (r *Registry) Load(agentID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.agents[agentID]; ok {
		return e.load
	}
	return 0
}

// snapshot derives the externally visible agent status. Caller holds at
// least the read lock.
func (r *Registry) snapshot(e *entry) types.Agent {
	snap := e.agent
	switch {
	case e.breaker.Unavailable():
		snap.Status = types.AgentUnavailable
	case e.load > 0:
		snap.Status = types.AgentBusy
	default:
		snap.Status = types.AgentIdle
	}
	return snap
}

func (r *Registry) reportEntry(e *entry) {
	if r.metrics != nil {
		r.metrics.RecordAgentLoad(e.agent.ID, e.load)
	}
}
