package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/swarmflow/internal/metrics"
	"github.com/BaSui01/swarmflow/internal/queue"
	"github.com/BaSui01/swarmflow/types"
)

// Policy selects how Publish behaves when a subscriber queue is full.
type Policy string

const (
	// PolicyBlock suspends the publisher until queue space is available.
	PolicyBlock Policy = "block"
	// PolicyReject fails the publish immediately with QUEUE_FULL.
	PolicyReject Policy = "reject"
)

// Config configures the bus.
type Config struct {
	// QueueSize is the per-subscriber per-message-type queue capacity.
	QueueSize int `json:"queue_size" yaml:"queue_size"`
	// Policy is the backpressure policy applied on a full queue.
	Policy Policy `json:"policy" yaml:"policy"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize: 256,
		Policy:    PolicyBlock,
	}
}

// Bus is an in-process typed pub/sub message bus. Each subscriber owns one
// bounded FIFO queue per subscribed message type.
type Bus struct {
	config  Config
	subs    map[string]*subscriber
	mu      sync.RWMutex
	closed  bool
	logger  *zap.Logger
	metrics *metrics.Collector
}

type subscriber struct {
	agentID string
	queues  map[types.MessageType]*queue.Bounded[types.AgentMessage]
}

// NewBus creates a message bus.
func NewBus(config Config, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	if config.Policy == "" {
		config.Policy = PolicyBlock
	}
	return &Bus{
		config: config,
		subs:   make(map[string]*subscriber),
		logger: logger.With(zap.String("component", "channel")),
	}
}

// SetMetrics attaches a metrics collector for queue depth reporting.
func (b *Bus) SetMetrics(c *metrics.Collector) {
	b.metrics = c
}

// Publish enqueues the message onto the receiver's queue for its type.
// Behavior on a full queue follows the configured backpressure policy.
func (b *Bus) Publish(ctx context.Context, msg types.AgentMessage) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return types.NewError(types.ErrChannelClosed, "bus is closed")
	}
	sub, ok := b.subs[msg.ReceiverID]
	var q *queue.Bounded[types.AgentMessage]
	if ok {
		q = sub.queues[msg.Type]
	}
	b.mu.RUnlock()

	if q == nil {
		return types.NewError(types.ErrUnknownReceiver,
			fmt.Sprintf("no subscriber %q for message type %q", msg.ReceiverID, msg.Type))
	}

	var err error
	switch b.config.Policy {
	case PolicyReject:
		err = q.TrySend(msg)
		if errors.Is(err, queue.ErrFull) {
			err = types.NewError(types.ErrQueueFull,
				fmt.Sprintf("queue full for %q/%q", msg.ReceiverID, msg.Type)).
				WithRetryable(true)
		}
	default:
		err = q.Send(ctx, msg)
	}
	if errors.Is(err, queue.ErrQueueClosed) {
		err = types.NewError(types.ErrChannelClosed,
			fmt.Sprintf("queue closed for %q/%q", msg.ReceiverID, msg.Type))
	}
	if err != nil {
		return err
	}

	if b.metrics != nil {
		b.metrics.RecordQueueDepth(msg.ReceiverID, string(msg.Type), q.Len())
	}
	return nil
}

// Subscribe attaches the given agent to the bus for the listed message
// types and returns a restartable subscription. Queues persist across
// subscription objects: closing a subscription and subscribing again
// resumes consumption of the same queues.
func (b *Bus) Subscribe(agentID string, msgTypes ...types.MessageType) (*Subscription, error) {
	if len(msgTypes) == 0 {
		return nil, fmt.Errorf("subscribe %q: at least one message type required", agentID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, types.NewError(types.ErrChannelClosed, "bus is closed")
	}

	sub, ok := b.subs[agentID]
	if !ok {
		sub = &subscriber{
			agentID: agentID,
			queues:  make(map[types.MessageType]*queue.Bounded[types.AgentMessage]),
		}
		b.subs[agentID] = sub
	}

	queues := make([]*queue.Bounded[types.AgentMessage], 0, len(msgTypes))
	for _, mt := range msgTypes {
		q, ok := sub.queues[mt]
		if !ok {
			q = queue.NewBounded[types.AgentMessage](b.config.QueueSize)
			sub.queues[mt] = q
		}
		queues = append(queues, q)
	}

	b.logger.Debug("subscriber attached",
		zap.String("agent_id", agentID),
		zap.Int("message_types", len(msgTypes)))

	return newSubscription(agentID, queues), nil
}

// Detach removes a subscriber and closes its queues. Already-queued
// messages remain deliverable to an open subscription; further publishes
// fail with CHANNEL_CLOSED and at-least-once senders recover via retry.
func (b *Bus) Detach(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[agentID]
	if !ok {
		return
	}
	for _, q := range sub.queues {
		q.Close()
	}
	delete(b.subs, agentID)

	b.logger.Debug("subscriber detached", zap.String("agent_id", agentID))
}

// Depth returns the queue depth for a subscriber and message type.
func (b *Bus) Depth(agentID string, msgType types.MessageType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if sub, ok := b.subs[agentID]; ok {
		if q, ok := sub.queues[msgType]; ok {
			return q.Len()
		}
	}
	return 0
}

// Close shuts the bus down and closes every subscriber queue.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		for _, q := range sub.queues {
			q.Close()
		}
	}
	b.subs = make(map[string]*subscriber)
}
