package testutil

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/BaSui01/swarmflow/channel"
	"github.com/BaSui01/swarmflow/types"
)

// Response is one scripted reply from a stub agent.
type Response struct {
	Result     any
	ErrMessage string
	ErrCode    types.ErrorCode
	Delay      time.Duration // processing delay before replying
	Drop       bool          // swallow the request, simulating a hung agent
}

// Script decides the reply for the call-th request (1-based) a stub agent
// receives.
type Script func(call int, msg types.AgentMessage) Response

// AlwaysSucceed replies to every request with result.
func AlwaysSucceed(result any) Script {
	return func(int, types.AgentMessage) Response {
		return Response{Result: result}
	}
}

// FailNTimesThenSucceed fails the first n requests with a transient error,
// then succeeds with result.
func FailNTimesThenSucceed(n int, result any) Script {
	return func(call int, _ types.AgentMessage) Response {
		if call <= n {
			return Response{ErrMessage: "transient fault", ErrCode: types.ErrTransient}
		}
		return Response{Result: result}
	}
}

// AlwaysFail fails every request with the given error code.
func AlwaysFail(code types.ErrorCode) Script {
	return func(int, types.AgentMessage) Response {
		return Response{ErrMessage: "scripted failure", ErrCode: code}
	}
}

// NeverRespond swallows every request.
func NeverRespond() Script {
	return func(int, types.AgentMessage) Response {
		return Response{Drop: true}
	}
}

// StubAgent answers task requests over the bus according to its script.
type StubAgent struct {
	ID string

	bus    *channel.Bus
	sub    *channel.Subscription
	script Script

	calls    atomic.Int64
	inflight atomic.Int64
	maxSeen  atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}
}

// StartStubAgent subscribes a stub agent to the bus and starts serving
// requests. Callers must register the agent with the registry separately.
func StartStubAgent(bus *channel.Bus, id string, script Script) (*StubAgent, error) {
	sub, err := bus.Subscribe(id, types.MessageTypeTaskRequest, types.MessageTypeCancel)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &StubAgent{
		ID:     id,
		bus:    bus,
		sub:    sub,
		script: script,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go a.serve(ctx)
	return a, nil
}

// Calls returns how many task requests the agent has received.
func (a *StubAgent) Calls() int {
	return int(a.calls.Load())
}

// MaxConcurrent returns the highest number of requests observed in flight
// at once.
func (a *StubAgent) MaxConcurrent() int {
	return int(a.maxSeen.Load())
}

// Stop shuts the agent down and detaches it from the bus.
func (a *StubAgent) Stop() {
	a.cancel()
	a.sub.Close()
	<-a.done
}

func (a *StubAgent) serve(ctx context.Context) {
	defer close(a.done)
	for {
		msg, err := a.sub.Receive(ctx)
		if err != nil {
			return
		}
		if msg.Type != types.MessageTypeTaskRequest {
			continue
		}
		call := int(a.calls.Add(1))

		// Handle each request concurrently so a parallel batch can keep
		// several requests in flight against one agent.
		go a.handle(ctx, call, msg)
	}
}

func (a *StubAgent) handle(ctx context.Context, call int, msg types.AgentMessage) {
	cur := a.inflight.Add(1)
	for {
		max := a.maxSeen.Load()
		if cur <= max || a.maxSeen.CompareAndSwap(max, cur) {
			break
		}
	}
	defer a.inflight.Add(-1)

	resp := a.script(call, msg)
	if resp.Delay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(resp.Delay):
		}
	}
	if resp.Drop {
		return
	}

	payload := map[string]any{
		types.PayloadKeyTaskID: msg.Payload[types.PayloadKeyTaskID],
	}
	if resp.ErrMessage != "" {
		payload[types.PayloadKeyError] = resp.ErrMessage
		payload[types.PayloadKeyErrorCode] = string(resp.ErrCode)
	} else {
		payload[types.PayloadKeyResult] = resp.Result
	}

	reply := types.NewAgentMessage(a.ID, msg.SenderID, types.MessageTypeTaskResponse, msg.CorrelationID).
		WithPayload(payload)
	_ = a.bus.Publish(ctx, reply)
}
