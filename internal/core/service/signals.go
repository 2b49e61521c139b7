package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/diogoX451/skyrfp/internal/core/domain"
	"github.com/diogoX451/skyrfp/internal/core/ports"
)

// Signals applies external inputs that arrive while a workflow waits on
// operators: quotes and forced advances.
type Signals struct {
	store   ports.Store
	handoff *HandoffManager
	bus     ports.MessageBus
	clock   Clock
	policy  domain.QuotePolicy
	log     *zap.Logger
}

func NewSignals(store ports.Store, handoff *HandoffManager, bus ports.MessageBus, clock Clock, policy domain.QuotePolicy, log *zap.Logger) *Signals {
	if policy == nil {
		policy = domain.ManualQuotes{}
	}
	return &Signals{
		store:   store,
		handoff: handoff,
		bus:     bus,
		clock:   clock,
		policy:  policy,
		log:     log.With(zap.String("component", "signals")),
	}
}

// RecordQuote stores a quote in the workflow context and expedites the
// quote gate when the policy is satisfied. Quotes are accepted while the
// trip is being searched or quotes are awaited; a quote with a known id
// replaces the earlier one.
func (s *Signals) RecordQuote(ctx context.Context, id domain.WorkflowID, q domain.Quote) (bool, error) {
	if err := validateQuote(q); err != nil {
		return false, err
	}
	wf, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return false, err
	}
	if wf.CurrentState != domain.StateSearchingFlights && wf.CurrentState != domain.StateAwaitingQuotes {
		return false, fmt.Errorf("%w: %s is %s", domain.ErrNotAwaitingQuotes, id, wf.CurrentState)
	}

	raw, err := json.Marshal(q)
	if err != nil {
		return false, err
	}
	doc, err := s.store.UpdateContext(ctx, id, func(doc domain.Data) (domain.Data, error) {
		return upsertQuote(doc, q.ID, raw)
	})
	if err != nil {
		return false, fmt.Errorf("record quote: %w", err)
	}

	quotes := QuotesFromContext(doc)
	s.log.Info("quote recorded",
		zap.String("workflow_id", string(id)),
		zap.String("quote_id", q.ID),
		zap.Int("count", len(quotes)),
	)
	s.bus.Publish(newMessage(domain.MessageContextUpdate, id, "", domain.AgentQuoteGate, map[string]any{
		"keys":     []string{"quotes"},
		"quote_id": q.ID,
		"count":    len(quotes),
	}, s.clock.Now()))

	sufficient := s.policy.Sufficient(quotes)
	if !sufficient || wf.CurrentState != domain.StateAwaitingQuotes {
		return sufficient, nil
	}
	return true, s.handoff.ExpediteGate(ctx, wf, "policy:"+s.policy.Name())
}

// ForceAdvance releases the quote gate regardless of policy.
func (s *Signals) ForceAdvance(ctx context.Context, id domain.WorkflowID, reason string) error {
	wf, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "operator"
	}
	return s.handoff.ExpediteGate(ctx, wf, "forced:"+reason)
}

func validateQuote(q domain.Quote) error {
	switch {
	case strings.TrimSpace(q.ID) == "":
		return domain.ValidationError("record quote", "quote id is required")
	case q.Price < 0 || math.IsNaN(q.Price) || math.IsInf(q.Price, 0):
		return domain.ValidationError("record quote", "quote %s has invalid price %v", q.ID, q.Price)
	case strings.TrimSpace(q.Currency) == "":
		return domain.ValidationError("record quote", "quote %s has no currency", q.ID)
	}
	return nil
}

func upsertQuote(doc domain.Data, id string, raw []byte) (domain.Data, error) {
	idx := -1
	quotes := gjson.GetBytes(doc, "quotes")
	if quotes.Exists() && !quotes.IsArray() {
		return nil, fmt.Errorf("context quotes is not an array")
	}
	n := 0
	quotes.ForEach(func(_, v gjson.Result) bool {
		if v.Get("id").String() == id {
			idx = n
		}
		n++
		return true
	})
	if !quotes.Exists() {
		return sjson.SetRawBytes(doc, "quotes", []byte("["+string(raw)+"]"))
	}
	if idx >= 0 {
		return sjson.SetRawBytes(doc, fmt.Sprintf("quotes.%d", idx), raw)
	}
	return sjson.SetRawBytes(doc, "quotes.-1", raw)
}
