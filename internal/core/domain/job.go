package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Data is an opaque JSON document.
type Data = json.RawMessage

type JobID string

// AgentType names a registered agent.
type AgentType string

const (
	AgentRequestAnalyzer  AgentType = "request_analyzer"
	AgentClientData       AgentType = "client_data"
	AgentFlightSearch     AgentType = "flight_search"
	AgentQuoteGate        AgentType = "quote_gate"
	AgentProposalAnalyzer AgentType = "proposal_analyzer"
	AgentCommunication    AgentType = "communication"
	AgentProposalSender   AgentType = "proposal_sender"
)

type JobStatus string

const (
	JobPending      JobStatus = "pending"
	JobRunning      JobStatus = "running"
	JobSucceeded    JobStatus = "succeeded"
	JobFailed       JobStatus = "failed"
	JobDeadLettered JobStatus = "dead_lettered"
	// JobHeld is parked behind the workflow's active job and released
	// when that job finishes.
	JobHeld JobStatus = "held"
)

// Active reports whether the job counts against the one-active-job rule.
func (s JobStatus) Active() bool {
	return s == JobPending || s == JobRunning
}

// Finished reports whether the job will never run again.
func (s JobStatus) Finished() bool {
	return s == JobSucceeded || s == JobFailed || s == JobDeadLettered
}

// Job is a unit of work queued for one agent.
type Job struct {
	ID           JobID         `json:"id"`
	WorkflowID   WorkflowID    `json:"workflow_id"`
	AgentType    AgentType     `json:"agent_type"`
	State        WorkflowState `json:"state"`
	StateSeq     int           `json:"state_seq"`
	Payload      Data          `json:"payload,omitempty"`
	Attempt      int           `json:"attempt"`
	MaxAttempts  int           `json:"max_attempts"`
	EnqueuedAt   time.Time     `json:"enqueued_at"`
	VisibleAfter time.Time     `json:"visible_after"`
	LeaseUntil   time.Time     `json:"lease_until,omitempty"`
	Status       JobStatus     `json:"status"`
	LastError    string        `json:"last_error,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// StageJobID is the deterministic id of the job working a workflow stage.
// Re-enqueueing the same stage is therefore idempotent.
func StageJobID(id WorkflowID, seq int, agent AgentType) JobID {
	return JobID(fmt.Sprintf("%s.%d.%s", id, seq, agent))
}
