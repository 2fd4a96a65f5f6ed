package channel

import (
	"context"
	"errors"
	"reflect"
	"sync"

	"github.com/BaSui01/swarmflow/internal/queue"
	"github.com/BaSui01/swarmflow/types"
)

// ErrSubscriptionClosed is returned by Receive after Close, or once every
// underlying queue has been closed and drained.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Subscription is a lazy, restartable sequence of messages for one
// subscriber. Messages of the same type arrive in FIFO order; interleaving
// across types is unspecified.
//
// A message is taken off its queue only when a Receive call claims it, so
// closing a subscription never discards queued messages: a later Subscribe
// with the same agent ID resumes exactly where this one stopped.
type Subscription struct {
	agentID string
	queues  []*queue.Bounded[types.AgentMessage]

	mu     sync.Mutex
	dead   []bool // queues observed closed-and-drained
	closed bool
	done   chan struct{}
}

func newSubscription(agentID string, queues []*queue.Bounded[types.AgentMessage]) *Subscription {
	return &Subscription{
		agentID: agentID,
		queues:  queues,
		dead:    make([]bool, len(queues)),
		done:    make(chan struct{}),
	}
}

// AgentID returns the subscriber identity.
func (s *Subscription) AgentID() string {
	return s.agentID
}

// Receive blocks until a message is available on any subscribed type queue,
// the subscription is closed, or ctx is cancelled. The set of type queues is
// dynamic per subscription, so the select is built reflectively.
func (s *Subscription) Receive(ctx context.Context) (types.AgentMessage, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return types.AgentMessage{}, ErrSubscriptionClosed
		}
		cases := make([]reflect.SelectCase, 0, len(s.queues)+2)
		indexes := make([]int, 0, len(s.queues))
		for i, q := range s.queues {
			if s.dead[i] {
				continue
			}
			cases = append(cases, reflect.SelectCase{
				Dir:  reflect.SelectRecv,
				Chan: reflect.ValueOf(q.Chan()),
			})
			indexes = append(indexes, i)
		}
		s.mu.Unlock()

		if len(indexes) == 0 {
			return types.AgentMessage{}, ErrSubscriptionClosed
		}

		ctxIdx := len(cases)
		cases = append(cases, reflect.SelectCase{
			Dir:  reflect.SelectRecv,
			Chan: reflect.ValueOf(ctx.Done()),
		})
		doneIdx := len(cases)
		cases = append(cases, reflect.SelectCase{
			Dir:  reflect.SelectRecv,
			Chan: reflect.ValueOf(s.done),
		})
		// Queue data channels are never closed; each queue's Done channel
		// signals that Detach closed it.
		for _, i := range indexes {
			cases = append(cases, reflect.SelectCase{
				Dir:  reflect.SelectRecv,
				Chan: reflect.ValueOf(s.queues[i].Done()),
			})
		}

		chosen, value, _ := reflect.Select(cases)
		switch {
		case chosen < ctxIdx:
			return value.Interface().(types.AgentMessage), nil
		case chosen == ctxIdx:
			return types.AgentMessage{}, ctx.Err()
		case chosen == doneIdx:
			return types.AgentMessage{}, ErrSubscriptionClosed
		default:
			// A type queue was closed by Detach. Drain it before marking
			// it dead so queued messages are never discarded.
			i := indexes[chosen-doneIdx-1]
			if msg, ok := s.queues[i].TryReceive(); ok {
				return msg, nil
			}
			s.mu.Lock()
			s.dead[i] = true
			s.mu.Unlock()
			continue
		}
	}
}

// Close stops delivery. Queued messages remain available to the next
// subscription for the same agent ID.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}
