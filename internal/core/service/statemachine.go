package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/diogoX451/skyrfp/internal/core/domain"
	"github.com/diogoX451/skyrfp/internal/core/ports"
	"github.com/diogoX451/skyrfp/internal/metrics"
)

// StateMachine is the only writer of a workflow's current state. It never
// enqueues work; that belongs to the HandoffManager.
type StateMachine struct {
	store   ports.WorkflowStore
	bus     ports.MessageBus
	clock   Clock
	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewStateMachine(store ports.WorkflowStore, bus ports.MessageBus, clock Clock, m *metrics.Metrics, log *zap.Logger) *StateMachine {
	return &StateMachine{
		store:   store,
		bus:     bus,
		clock:   clock,
		metrics: m,
		log:     log.With(zap.String("component", "state_machine")),
	}
}

// Create persists a new workflow in Created.
func (sm *StateMachine) Create(ctx context.Context, id domain.WorkflowID) (*domain.Workflow, error) {
	wf := domain.NewWorkflow(id, sm.clock.Now())
	if err := sm.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("create workflow: %w", err)
	}
	sm.log.Info("workflow created", zap.String("workflow_id", string(id)))
	return wf, nil
}

// Transition moves the workflow from `from` to `to`. It is rejected
// without mutation when `from` is stale, the workflow is terminal or the
// edge is not in the adjacency table; those rejections are state conflict
// errors.
func (sm *StateMachine) Transition(ctx context.Context, id domain.WorkflowID, from, to domain.WorkflowState, cause string) (*domain.Workflow, error) {
	now := sm.clock.Now()
	wf, err := sm.store.UpdateWorkflow(ctx, id, func(w *domain.Workflow) error {
		return w.Apply(from, to, now, cause)
	})
	if err != nil {
		return nil, err
	}

	sm.metrics.Transition(string(from), string(to))
	sm.log.Info("workflow transition",
		zap.String("workflow_id", string(id)),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("cause", cause),
	)
	sm.bus.Publish(newMessage(domain.MessageContextUpdate, id, "", "", map[string]any{
		"from":  from,
		"to":    to,
		"cause": cause,
		"seq":   wf.Seq(),
	}, wf.UpdatedAt))

	return wf, nil
}
