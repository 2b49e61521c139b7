package dto

import (
	"time"
)

type AcceptedResponse struct {
	WorkflowID string    `json:"workflow_id"`
	Status     string    `json:"status"`
	AcceptedAt time.Time `json:"accepted_at"`
}

type StateEntry struct {
	State     string     `json:"state"`
	EnteredAt time.Time  `json:"entered_at"`
	ExitedAt  *time.Time `json:"exited_at,omitempty"`
	Cause     string     `json:"cause,omitempty"`
}

type WorkflowResponse struct {
	WorkflowID   string       `json:"workflow_id"`
	State        string       `json:"state"`
	Terminal     bool         `json:"terminal"`
	LastError    string       `json:"last_error,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	Version      int64        `json:"version"`
	StateHistory []StateEntry `json:"state_history"`
}

type JobResponse struct {
	ID           string    `json:"id"`
	WorkflowID   string    `json:"workflow_id"`
	AgentType    string    `json:"agent_type"`
	State        string    `json:"state"`
	Status       string    `json:"status"`
	Attempt      int       `json:"attempt"`
	MaxAttempts  int       `json:"max_attempts"`
	VisibleAfter time.Time `json:"visible_after"`
	LastError    string    `json:"last_error,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}
