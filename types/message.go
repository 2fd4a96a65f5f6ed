package types

import (
	"time"
)

// MessageType identifies the kind of message flowing between the
// orchestrator and agents.
type MessageType string

const (
	// MessageTypeTaskRequest carries a task assignment to an agent.
	MessageTypeTaskRequest MessageType = "task_request"
	// MessageTypeTaskResponse carries a task result (or structured error)
	// back to the orchestrator.
	MessageTypeTaskResponse MessageType = "task_response"
	// MessageTypeCancel requests cooperative cancellation of an in-flight task.
	MessageTypeCancel MessageType = "cancel"
	// MessageTypeHeartbeat carries agent liveness signals.
	MessageTypeHeartbeat MessageType = "heartbeat"
)

// DefaultMessagePriority is used when a message does not set an explicit priority.
const DefaultMessagePriority = 1

// AgentMessage is the wire unit exchanged over the message channel.
// CorrelationID ties a request to its eventual response and is the
// idempotency key for deduplicating at-least-once delivery.
type AgentMessage struct {
	SenderID      string         `json:"sender_id"`
	ReceiverID    string         `json:"receiver_id"`
	Type          MessageType    `json:"type"`
	Payload       map[string]any `json:"payload,omitempty"`
	CorrelationID string         `json:"correlation_id"`
	Timestamp     time.Time      `json:"timestamp"`
	Priority      int            `json:"priority"`
}

// NewAgentMessage creates a message with the given routing and correlation metadata.
func NewAgentMessage(sender, receiver string, msgType MessageType, correlationID string) AgentMessage {
	return AgentMessage{
		SenderID:      sender,
		ReceiverID:    receiver,
		Type:          msgType,
		CorrelationID: correlationID,
		Timestamp:     time.Now(),
		Priority:      DefaultMessagePriority,
	}
}

// WithPayload attaches a payload to the message.
func (m AgentMessage) WithPayload(payload map[string]any) AgentMessage {
	m.Payload = payload
	return m
}

// WithPriority overrides the delivery priority.
func (m AgentMessage) WithPriority(priority int) AgentMessage {
	m.Priority = priority
	return m
}

// Response payload keys shared between the dispatcher and agent responders.
const (
	PayloadKeyResult    = "result"
	PayloadKeyError     = "error"
	PayloadKeyErrorCode = "error_code"
	PayloadKeyTaskID    = "task_id"
)

// ResponseError extracts a structured error from a task response payload.
// Returns nil when the payload carries a success result.
func (m AgentMessage) ResponseError() *Error {
	if m.Payload == nil {
		return nil
	}
	msg, ok := m.Payload[PayloadKeyError].(string)
	if !ok || msg == "" {
		return nil
	}
	code := ErrTransient
	if c, ok := m.Payload[PayloadKeyErrorCode].(string); ok && c != "" {
		code = ErrorCode(c)
	}
	err := NewError(code, msg)
	err.Retryable = code == ErrTransient || code == ErrDispatchTimeout
	return err
}
