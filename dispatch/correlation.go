package dispatch

import (
	"sync"

	"github.com/BaSui01/swarmflow/types"
)

// correlationTable matches task responses to waiting dispatch attempts by
// correlation ID. Each attempt registers a fresh ID; responses for unknown
// or already-abandoned IDs are discarded, which makes duplicate delivery
// after a timeout-triggered retry harmless.
type correlationTable struct {
	mu      sync.Mutex
	pending map[string]chan types.AgentMessage
}

func newCorrelationTable() *correlationTable {
	return &correlationTable{pending: make(map[string]chan types.AgentMessage)}
}

// register creates a waiter for correlationID. The returned channel is
// buffered so resolve never blocks the response pump.
func (t *correlationTable) register(correlationID string) <-chan types.AgentMessage {
	ch := make(chan types.AgentMessage, 1)
	t.mu.Lock()
	t.pending[correlationID] = ch
	t.mu.Unlock()
	return ch
}

// resolve delivers msg to its waiter, if any. Returns false for unknown or
// duplicate correlation IDs.
func (t *correlationTable) resolve(msg types.AgentMessage) bool {
	t.mu.Lock()
	ch, ok := t.pending[msg.CorrelationID]
	if ok {
		delete(t.pending, msg.CorrelationID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	ch <- msg
	return true
}

// drop abandons a waiter. A response arriving later is discarded.
func (t *correlationTable) drop(correlationID string) {
	t.mu.Lock()
	delete(t.pending, correlationID)
	t.mu.Unlock()
}

func (t *correlationTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
