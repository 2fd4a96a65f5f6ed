package registry

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitState 熔断器状态
type CircuitState int

const (
	// CircuitClosed 正常状态，允许请求通过
	CircuitClosed CircuitState = iota
	// CircuitOpen 熔断状态，拒绝所有请求
	CircuitOpen
	// CircuitHalfOpen 半开状态，允许单个探测请求
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	// FailureThreshold 连续失败次数阈值，达到后触发熔断
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// Cooldown 熔断后等待恢复的时间
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown"`
}

// DefaultBreakerConfig 默认熔断器配置
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// BreakerEvent 熔断器状态变更事件
type BreakerEvent struct {
	AgentID   string       `json:"agent_id"`
	OldState  CircuitState `json:"old_state"`
	NewState  CircuitState `json:"new_state"`
	Timestamp time.Time    `json:"timestamp"`
	Reason    string       `json:"reason"`
	Failures  int          `json:"failures"`
}

// BreakerEventHandler 接收状态变更事件
type BreakerEventHandler func(event BreakerEvent)

// Breaker 针对单个 Agent 的熔断器。
// 状态机：CLOSED --threshold 次连续失败--> OPEN --冷却期满--> HALF_OPEN，
// 半开状态仅放行一次探测；探测成功回到 CLOSED，失败重新熔断并重置冷却计时。
type Breaker struct {
	agentID  string
	config   BreakerConfig
	state    CircuitState
	failures int       // 连续失败次数
	openedAt time.Time // 进入 OPEN 的时间
	probing  bool      // 半开状态下探测请求是否已放行
	onEvent  BreakerEventHandler
	logger   *zap.Logger
	mu       sync.Mutex
}

// NewBreaker 创建熔断器
func NewBreaker(agentID string, config BreakerConfig, onEvent BreakerEventHandler, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultBreakerConfig().Cooldown
	}
	return &Breaker{
		agentID: agentID,
		config:  config,
		state:   CircuitClosed,
		onEvent: onEvent,
		logger:  logger.With(zap.String("agent_id", agentID)),
	}
}

// Allow 检查是否允许向该 Agent 派发。
// OPEN 状态下冷却期满自动转入 HALF_OPEN 并放行唯一一次探测。
func (b *Breaker) Allow() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return true, nil

	case CircuitOpen:
		if time.Since(b.openedAt) >= b.config.Cooldown {
			b.transitionTo(CircuitHalfOpen, "cooldown elapsed")
			b.probing = true
			return true, nil
		}
		return false, fmt.Errorf("circuit open for agent %s: %d consecutive failures, retry after %v",
			b.agentID, b.failures, b.config.Cooldown-time.Since(b.openedAt))

	case CircuitHalfOpen:
		if !b.probing {
			b.probing = true
			return true, nil
		}
		return false, fmt.Errorf("circuit half-open for agent %s: probe already in flight", b.agentID)

	default:
		return false, fmt.Errorf("unknown circuit state: %d", b.state)
	}
}

// RecordSuccess 记录成功
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		b.failures = 0

	case CircuitHalfOpen:
		b.transitionTo(CircuitClosed, "probe succeeded")
		b.failures = 0
		b.probing = false
	}
}

// RecordFailure 记录失败
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++

	switch b.state {
	case CircuitClosed:
		if b.failures >= b.config.FailureThreshold {
			b.transitionTo(CircuitOpen, fmt.Sprintf("%d consecutive failures", b.failures))
			b.openedAt = time.Now()
		}

	case CircuitHalfOpen:
		// 半开状态下任何失败都重新熔断并重置冷却计时
		b.transitionTo(CircuitOpen, "probe failed")
		b.openedAt = time.Now()
		b.probing = false
	}
}

// State 获取当前状态
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Unavailable 报告该 Agent 是否处于不可选取状态：
// 熔断打开且冷却期未满。冷却期满后视为可探测。
func (b *Breaker) Unavailable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == CircuitOpen && time.Since(b.openedAt) < b.config.Cooldown
}

// Failures 获取当前连续失败次数
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// transitionTo 状态转换（必须在锁内调用）
func (b *Breaker) transitionTo(newState CircuitState, reason string) {
	oldState := b.state
	b.state = newState

	b.logger.Info("circuit state change",
		zap.String("old_state", oldState.String()),
		zap.String("new_state", newState.String()),
		zap.String("reason", reason),
		zap.Int("failures", b.failures))

	if b.onEvent != nil {
		event := BreakerEvent{
			AgentID:   b.agentID,
			OldState:  oldState,
			NewState:  newState,
			Timestamp: time.Now(),
			Reason:    reason,
			Failures:  b.failures,
		}
		// 异步发送避免死锁
		go b.onEvent(event)
	}
}
