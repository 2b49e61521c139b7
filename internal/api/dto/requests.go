package dto

import (
	"encoding/json"
	"time"
)

// SubmitRFPRequest carries the raw RFP. WorkflowID is optional and makes
// resubmission idempotent.
type SubmitRFPRequest struct {
	WorkflowID string          `json:"workflow_id,omitempty"`
	Request    json.RawMessage `json:"request"`
}

type QuoteRequest struct {
	ID             string    `json:"id"`
	Price          float64   `json:"price"`
	Currency       string    `json:"currency"`
	ValidUntil     time.Time `json:"valid_until,omitzero"`
	SourceOperator string    `json:"source_operator,omitempty"`
}

// ReasonRequest is the optional body of cancel and advance.
type ReasonRequest struct {
	Reason string `json:"reason,omitempty"`
}
