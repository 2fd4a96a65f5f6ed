package channel

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/swarmflow/types"
)

func testMsg(receiver string, mt types.MessageType, corr string) types.AgentMessage {
	return types.NewAgentMessage("orchestrator", receiver, mt, corr)
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(DefaultConfig(), zap.NewNop())
	defer bus.Close()

	sub, err := bus.Subscribe("agent-1", types.MessageTypeTaskRequest)
	require.NoError(t, err)
	defer sub.Close()

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, testMsg("agent-1", types.MessageTypeTaskRequest, "corr-1")))

	msg, err := sub.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "corr-1", msg.CorrelationID)
	assert.Equal(t, "agent-1", msg.ReceiverID)
}

func TestBus_PublishUnknownReceiver(t *testing.T) {
	bus := NewBus(DefaultConfig(), zap.NewNop())
	defer bus.Close()

	err := bus.Publish(context.Background(), testMsg("ghost", types.MessageTypeTaskRequest, "corr-1"))
	require.Error(t, err)
	assert.Equal(t, types.ErrUnknownReceiver, types.GetErrorCode(err))
}

func TestBus_FIFOPerMessageType(t *testing.T) {
	bus := NewBus(DefaultConfig(), zap.NewNop())
	defer bus.Close()

	sub, err := bus.Subscribe("agent-1", types.MessageTypeTaskRequest)
	require.NoError(t, err)
	defer sub.Close()

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		corr := fmt.Sprintf("corr-%d", i)
		require.NoError(t, bus.Publish(ctx, testMsg("agent-1", types.MessageTypeTaskRequest, corr)))
	}

	for i := 0; i < 20; i++ {
		msg, err := sub.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("corr-%d", i), msg.CorrelationID)
	}
}

func TestBus_RejectPolicyQueueFull(t *testing.T) {
	cfg := Config{QueueSize: 2, Policy: PolicyReject}
	bus := NewBus(cfg, zap.NewNop())
	defer bus.Close()

	_, err := bus.Subscribe("agent-1", types.MessageTypeTaskRequest)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, testMsg("agent-1", types.MessageTypeTaskRequest, "corr-1")))
	require.NoError(t, bus.Publish(ctx, testMsg("agent-1", types.MessageTypeTaskRequest, "corr-2")))

	err = bus.Publish(ctx, testMsg("agent-1", types.MessageTypeTaskRequest, "corr-3"))
	require.Error(t, err)
	assert.Equal(t, types.ErrQueueFull, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err))
}

func TestBus_BlockPolicyBackpressure(t *testing.T) {
	cfg := Config{QueueSize: 1, Policy: PolicyBlock}
	bus := NewBus(cfg, zap.NewNop())
	defer bus.Close()

	sub, err := bus.Subscribe("agent-1", types.MessageTypeTaskRequest)
	require.NoError(t, err)
	defer sub.Close()

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, testMsg("agent-1", types.MessageTypeTaskRequest, "corr-1")))

	published := make(chan error, 1)
	go func() {
		published <- bus.Publish(ctx, testMsg("agent-1", types.MessageTypeTaskRequest, "corr-2"))
	}()

	select {
	case <-published:
		t.Fatal("publish must suspend while the subscriber queue is full")
	case <-time.After(20 * time.Millisecond):
	}

	// Consuming one message frees a slot and unblocks the publisher.
	_, err = sub.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, <-published)
}

func TestBus_RestartableSubscription(t *testing.T) {
	bus := NewBus(DefaultConfig(), zap.NewNop())
	defer bus.Close()

	sub1, err := bus.Subscribe("agent-1", types.MessageTypeTaskRequest)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, testMsg("agent-1", types.MessageTypeTaskRequest, "corr-1")))
	require.NoError(t, bus.Publish(ctx, testMsg("agent-1", types.MessageTypeTaskRequest, "corr-2")))

	msg, err := sub1.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "corr-1", msg.CorrelationID)
	sub1.Close()

	sub2, err := bus.Subscribe("agent-1", types.MessageTypeTaskRequest)
	require.NoError(t, err)
	defer sub2.Close()

	msg, err = sub2.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "corr-2", msg.CorrelationID)
}

func TestBus_CrossTypeIsolation(t *testing.T) {
	cfg := Config{QueueSize: 1, Policy: PolicyReject}
	bus := NewBus(cfg, zap.NewNop())
	defer bus.Close()

	_, err := bus.Subscribe("agent-1", types.MessageTypeTaskRequest, types.MessageTypeCancel)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, testMsg("agent-1", types.MessageTypeTaskRequest, "corr-1")))

	// The request queue is full; the cancel queue is independent.
	require.NoError(t, bus.Publish(ctx, testMsg("agent-1", types.MessageTypeCancel, "corr-1")))
	assert.Equal(t, 1, bus.Depth("agent-1", types.MessageTypeTaskRequest))
	assert.Equal(t, 1, bus.Depth("agent-1", types.MessageTypeCancel))
}

func TestBus_DetachReleasesBackpressuredPublisher(t *testing.T) {
	cfg := Config{QueueSize: 1, Policy: PolicyBlock}
	bus := NewBus(cfg, zap.NewNop())
	defer bus.Close()

	sub, err := bus.Subscribe("agent-1", types.MessageTypeTaskRequest)
	require.NoError(t, err)
	defer sub.Close()

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, testMsg("agent-1", types.MessageTypeTaskRequest, "corr-1")))

	// The queue is full, so this publish suspends on backpressure.
	done := make(chan error, 1)
	go func() {
		done <- bus.Publish(ctx, testMsg("agent-1", types.MessageTypeTaskRequest, "corr-2"))
	}()

	select {
	case <-done:
		t.Fatal("publish must block while the queue is full")
	case <-time.After(20 * time.Millisecond):
	}

	// Deregistering the agent must release the suspended publisher with a
	// taxonomy error, not a panic.
	bus.Detach("agent-1")
	err = <-done
	require.Error(t, err)
	assert.Equal(t, types.ErrChannelClosed, types.GetErrorCode(err))
}

func TestBus_DetachedQueueStillDrains(t *testing.T) {
	bus := NewBus(DefaultConfig(), zap.NewNop())
	defer bus.Close()

	sub, err := bus.Subscribe("agent-1", types.MessageTypeTaskRequest)
	require.NoError(t, err)
	defer sub.Close()

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, testMsg("agent-1", types.MessageTypeTaskRequest, "corr-1")))

	bus.Detach("agent-1")

	// Messages enqueued before Detach are still delivered, then the
	// subscription reports closure.
	msg, err := sub.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "corr-1", msg.CorrelationID)

	_, err = sub.Receive(ctx)
	assert.ErrorIs(t, err, ErrSubscriptionClosed)
}
