package domain

import "time"

// Quote is a normalized operator quote collected while awaiting quotes.
type Quote struct {
	ID             string    `json:"id"`
	Price          float64   `json:"price"`
	Currency       string    `json:"currency"`
	ValidUntil     time.Time `json:"valid_until,omitzero"`
	SourceOperator string    `json:"source_operator,omitempty"`
}

// QuotePolicy decides when enough quotes are present to leave
// AwaitingQuotes without waiting for the timeout.
type QuotePolicy interface {
	Name() string
	Sufficient(quotes []Quote) bool
}

// MinQuotes is sufficient once Count quotes have arrived.
type MinQuotes struct {
	Count int
}

func (p MinQuotes) Name() string { return "min_count" }

func (p MinQuotes) Sufficient(quotes []Quote) bool {
	return p.Count > 0 && len(quotes) >= p.Count
}

// ManualQuotes never advances on its own; an operator or the timeout does.
type ManualQuotes struct{}

func (ManualQuotes) Name() string { return "manual" }

func (ManualQuotes) Sufficient([]Quote) bool { return false }
