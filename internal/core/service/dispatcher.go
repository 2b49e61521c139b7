package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/diogoX451/skyrfp/internal/core/domain"
	"github.com/diogoX451/skyrfp/internal/core/ports"
	"github.com/diogoX451/skyrfp/pkg/types"
)

// Dispatcher applies inbound commands in process.
type Dispatcher struct {
	sm      *StateMachine
	handoff *HandoffManager
	signals *Signals
	store   ports.ContextStore
	log     *zap.Logger
}

var _ ports.CommandSink = (*Dispatcher)(nil)

func NewDispatcher(sm *StateMachine, handoff *HandoffManager, signals *Signals, store ports.ContextStore, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		sm:      sm,
		handoff: handoff,
		signals: signals,
		store:   store,
		log:     log.With(zap.String("component", "dispatcher")),
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, cmd types.Command) error {
	id := domain.WorkflowID(cmd.WorkflowID)
	switch cmd.Kind {
	case types.CommandSubmit:
		_, err := d.Submit(ctx, id, cmd.Request)
		return err
	case types.CommandQuote:
		if cmd.Quote == nil {
			return domain.ValidationError("dispatch", "quote command without quote")
		}
		_, err := d.signals.RecordQuote(ctx, id, domain.Quote{
			ID:             cmd.Quote.ID,
			Price:          cmd.Quote.Price,
			Currency:       cmd.Quote.Currency,
			ValidUntil:     cmd.Quote.ValidUntil,
			SourceOperator: cmd.Quote.SourceOperator,
		})
		return err
	case types.CommandAdvance:
		return d.signals.ForceAdvance(ctx, id, cmd.Reason)
	case types.CommandCancel:
		_, err := d.handoff.Cancel(ctx, id, cmd.Reason)
		return err
	default:
		return domain.ValidationError("dispatch", "unknown command kind %q", cmd.Kind)
	}
}

// Submit creates a workflow for an RFP request and starts it. An empty id
// is generated. Submitting an existing id restarts nothing and is not an
// error, so redelivered commands are harmless.
func (d *Dispatcher) Submit(ctx context.Context, id domain.WorkflowID, request domain.Data) (domain.WorkflowID, error) {
	if !gjson.ValidBytes(request) || !gjson.ParseBytes(request).IsObject() {
		return "", domain.ValidationError("submit", "request must be a JSON object")
	}
	if id == "" {
		id = domain.WorkflowID(uuid.NewString())
	}

	_, err := d.sm.Create(ctx, id)
	switch {
	case errors.Is(err, domain.ErrWorkflowExists):
		d.log.Info("workflow already submitted", zap.String("workflow_id", string(id)))
		return id, d.handoff.Start(ctx, id)
	case err != nil:
		return "", err
	}

	doc, err := sjson.SetRawBytes([]byte(`{}`), "request", request)
	if err != nil {
		return "", fmt.Errorf("build context: %w", err)
	}
	if _, err := d.store.MergeContext(ctx, id, doc); err != nil {
		return "", fmt.Errorf("seed context: %w", err)
	}
	if err := d.handoff.Start(ctx, id); err != nil {
		return "", fmt.Errorf("start workflow: %w", err)
	}
	return id, nil
}
