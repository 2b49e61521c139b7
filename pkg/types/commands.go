package types

import (
	"encoding/json"
	"time"
)

type CommandKind string

const (
	CommandSubmit  CommandKind = "submit"
	CommandQuote   CommandKind = "quote"
	CommandAdvance CommandKind = "advance"
	CommandCancel  CommandKind = "cancel"
)

// Command is the single inbound envelope, carried over NATS between the
// API and the workers or applied in process.
type Command struct {
	Kind       CommandKind     `json:"kind"`
	WorkflowID string          `json:"workflow_id"`
	Request    json.RawMessage `json:"request,omitempty"`
	Quote      *QuoteSignal    `json:"quote,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	IssuedAt   time.Time       `json:"issued_at"`
}

// QuoteSignal is a quote reported by the marketplace or an operator.
type QuoteSignal struct {
	ID             string    `json:"id"`
	Price          float64   `json:"price"`
	Currency       string    `json:"currency"`
	ValidUntil     time.Time `json:"valid_until,omitzero"`
	SourceOperator string    `json:"source_operator,omitempty"`
}

// MessageEvent is a coordination message mirrored onto NATS.
type MessageEvent struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	WorkflowID  string          `json:"workflow_id"`
	SourceAgent string          `json:"source_agent,omitempty"`
	TargetAgent string          `json:"target_agent,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}
