package domain

import "time"

type MessageType string

const (
	MessageTaskStarted   MessageType = "task_started"
	MessageTaskCompleted MessageType = "task_completed"
	MessageAgentHandoff  MessageType = "agent_handoff"
	MessageContextUpdate MessageType = "context_update"
	MessageError         MessageType = "error"
)

// MessageTypes lists every coordination event type.
var MessageTypes = []MessageType{
	MessageTaskStarted,
	MessageTaskCompleted,
	MessageAgentHandoff,
	MessageContextUpdate,
	MessageError,
}

// Message is an immutable coordination event. It is never used to mutate
// workflow state.
type Message struct {
	ID          string      `json:"id"`
	Type        MessageType `json:"type"`
	WorkflowID  WorkflowID  `json:"workflow_id"`
	SourceAgent AgentType   `json:"source_agent,omitempty"`
	TargetAgent AgentType   `json:"target_agent,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
	Payload     Data        `json:"payload,omitempty"`
}
