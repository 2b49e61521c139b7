package service

import (
	"context"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/diogoX451/skyrfp/internal/core/domain"
	"github.com/diogoX451/skyrfp/internal/core/ports"
	"github.com/diogoX451/skyrfp/internal/store"
)

// HandoffOutcome tells the engine how to settle the job that produced a
// result.
type HandoffOutcome int

const (
	// HandoffAdvanced means the result moved the workflow.
	HandoffAdvanced HandoffOutcome = iota
	// HandoffStale means the workflow had already moved past the job.
	HandoffStale
	// HandoffDiscarded means the workflow is terminal; the result is dropped.
	HandoffDiscarded
)

func (o HandoffOutcome) String() string {
	switch o {
	case HandoffAdvanced:
		return "advanced"
	case HandoffStale:
		return "stale"
	default:
		return "discarded"
	}
}

const maxConflictRetries = 3

type HandoffConfig struct {
	// QuoteTimeout delays the quote gate after entering AwaitingQuotes.
	// Zero waits for a signal.
	QuoteTimeout time.Duration
	QuotePolicy  domain.QuotePolicy
}

// HandoffManager decides what runs next. It calls the StateMachine and
// enqueues follow-up jobs, never the reverse.
type HandoffManager struct {
	sm    *StateMachine
	queue *Queue
	store ports.Store
	bus   ports.MessageBus
	clock Clock
	log   *zap.Logger
	cfg   HandoffConfig
}

func NewHandoffManager(sm *StateMachine, queue *Queue, store ports.Store, bus ports.MessageBus, clock Clock, log *zap.Logger, cfg HandoffConfig) *HandoffManager {
	if cfg.QuotePolicy == nil {
		cfg.QuotePolicy = domain.ManualQuotes{}
	}
	return &HandoffManager{
		sm:    sm,
		queue: queue,
		store: store,
		bus:   bus,
		clock: clock,
		log:   log.With(zap.String("component", "handoff")),
		cfg:   cfg,
	}
}

// Start moves a Created workflow into Analyzing and enqueues the first job.
// Calling it again is harmless.
func (h *HandoffManager) Start(ctx context.Context, id domain.WorkflowID) error {
	wf, err := h.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if wf.CurrentState == domain.StateCreated {
		next, _, err := domain.NextState(domain.StateCreated, true, "")
		if err != nil {
			return err
		}
		moved, err := h.sm.Transition(ctx, id, domain.StateCreated, next, "workflow started")
		switch {
		case err == nil:
			wf = moved
		case domain.IsStateConflict(err):
			if wf, err = h.store.GetWorkflow(ctx, id); err != nil {
				return err
			}
		default:
			return err
		}
	}
	if wf.Terminal {
		return nil
	}
	_, err = h.EnsureFollowUp(ctx, wf, "")
	return err
}

// OnAgentResult applies a successful or failed agent result for job.
func (h *HandoffManager) OnAgentResult(ctx context.Context, job *domain.Job, result domain.AgentResult) (HandoffOutcome, error) {
	wf, err := h.store.GetWorkflow(ctx, job.WorkflowID)
	if err != nil {
		return 0, err
	}
	if outcome, settled, err := h.settleStale(ctx, wf, job); settled {
		return outcome, err
	}

	// 1. Decide the next state
	next, hintUsed, err := domain.NextState(wf.CurrentState, result.Success, result.NextAgent)
	if err != nil {
		return 0, err
	}
	if result.NextAgent != "" && !hintUsed {
		h.log.Warn("next agent hint ignored",
			zap.String("workflow_id", string(wf.ID)),
			zap.String("state", string(wf.CurrentState)),
			zap.String("hint", string(result.NextAgent)),
		)
	}

	// 2. Merge the agent's output before the state moves
	if result.Success && len(result.Data) > 0 {
		if _, err := h.store.MergeContext(ctx, wf.ID, result.Data); err != nil {
			return 0, fmt.Errorf("merge context: %w", err)
		}
		h.bus.Publish(newMessage(domain.MessageContextUpdate, wf.ID, job.AgentType, "", map[string]any{
			"keys": topLevelKeys(result.Data),
		}, h.clock.Now()))
	}
	if result.Success && len(result.Defaults) > 0 {
		if _, err := h.store.UpdateContext(ctx, wf.ID, func(doc domain.Data) (domain.Data, error) {
			return store.FillDocument(doc, result.Defaults)
		}); err != nil {
			return 0, fmt.Errorf("fill context defaults: %w", err)
		}
	}

	// 3. Transition
	cause := fmt.Sprintf("%s succeeded", job.AgentType)
	if hintUsed {
		cause = fmt.Sprintf("%s succeeded, branch %s", job.AgentType, result.NextAgent)
	}
	if !result.Success {
		cause = result.Error
		if cause == "" {
			cause = fmt.Sprintf("%s failed", job.AgentType)
		}
	}
	moved, err := h.sm.Transition(ctx, wf.ID, wf.CurrentState, next, cause)
	if domain.IsStateConflict(err) {
		h.log.Info("transition rejected, result dropped",
			zap.String("workflow_id", string(wf.ID)),
			zap.String("job_id", string(job.ID)),
			zap.Error(err),
		)
		latest, gerr := h.store.GetWorkflow(ctx, wf.ID)
		if gerr != nil {
			return 0, gerr
		}
		if outcome, settled, serr := h.settleStale(ctx, latest, job); settled {
			return outcome, serr
		}
		return 0, err
	}
	if err != nil {
		return 0, err
	}

	// 4. Follow up
	if moved.Terminal {
		h.finish(ctx, moved, job.AgentType)
		return HandoffAdvanced, nil
	}
	if _, err := h.EnsureFollowUp(ctx, moved, job.AgentType); err != nil {
		return 0, err
	}
	return HandoffAdvanced, nil
}

// settleStale handles jobs whose workflow is terminal or has moved on.
func (h *HandoffManager) settleStale(ctx context.Context, wf *domain.Workflow, job *domain.Job) (HandoffOutcome, bool, error) {
	if wf.Terminal {
		return HandoffDiscarded, true, nil
	}
	if job.StateSeq != wf.Seq() {
		h.log.Info("stale job result",
			zap.String("workflow_id", string(wf.ID)),
			zap.String("job_id", string(job.ID)),
			zap.Int("job_seq", job.StateSeq),
			zap.Int("workflow_seq", wf.Seq()),
		)
		_, err := h.EnsureFollowUp(ctx, wf, job.AgentType)
		return HandoffStale, true, err
	}
	return 0, false, nil
}

// EnsureFollowUp enqueues the job for the workflow's current stage unless
// it already exists. It reports the job id, empty when the stage takes no
// job (Created, terminal, or an open-ended quote wait).
func (h *HandoffManager) EnsureFollowUp(ctx context.Context, wf *domain.Workflow, source domain.AgentType) (domain.JobID, error) {
	stage, ok := domain.StageFor(wf.CurrentState)
	if !ok {
		return "", nil
	}

	doc, err := h.store.GetContext(ctx, wf.ID)
	if err != nil {
		return "", fmt.Errorf("read context: %w", err)
	}

	visible := h.clock.Now()
	payload := store.Pick(doc, stage.ContextKeys)
	if stage.State == domain.StateAwaitingQuotes {
		quotes := QuotesFromContext(doc)
		if h.cfg.QuotePolicy.Sufficient(quotes) {
			payload = withReason(payload, "policy:"+h.cfg.QuotePolicy.Name())
		} else {
			if h.cfg.QuoteTimeout <= 0 {
				return "", nil
			}
			visible = wf.EnteredAt().Add(h.cfg.QuoteTimeout)
			payload = withReason(payload, "timeout")
		}
	}

	job := &domain.Job{
		ID:           domain.StageJobID(wf.ID, wf.Seq(), stage.Agent),
		WorkflowID:   wf.ID,
		AgentType:    stage.Agent,
		State:        wf.CurrentState,
		StateSeq:     wf.Seq(),
		Payload:      payload,
		VisibleAfter: visible,
	}
	created, err := h.queue.Enqueue(ctx, job)
	if err != nil {
		return "", err
	}
	if created {
		h.bus.Publish(newMessage(domain.MessageAgentHandoff, wf.ID, source, stage.Agent, map[string]any{
			"job_id": job.ID,
			"state":  wf.CurrentState,
		}, h.clock.Now()))
	}
	return job.ID, nil
}

// ExpediteGate makes the quote gate of a workflow in AwaitingQuotes run now.
func (h *HandoffManager) ExpediteGate(ctx context.Context, wf *domain.Workflow, reason string) error {
	if wf.CurrentState != domain.StateAwaitingQuotes {
		return fmt.Errorf("%w: %s is %s", domain.ErrNotAwaitingQuotes, wf.ID, wf.CurrentState)
	}
	stage, _ := domain.StageFor(domain.StateAwaitingQuotes)
	doc, err := h.store.GetContext(ctx, wf.ID)
	if err != nil {
		return fmt.Errorf("read context: %w", err)
	}
	payload := withReason(store.Pick(doc, stage.ContextKeys), reason)
	now := h.clock.Now()

	id := domain.StageJobID(wf.ID, wf.Seq(), stage.Agent)
	ok, err := h.queue.Expedite(ctx, id, now, payload)
	if err != nil {
		return err
	}
	if ok {
		h.log.Info("quote gate expedited", zap.String("workflow_id", string(wf.ID)), zap.String("reason", reason))
		return nil
	}

	// No waiting gate job: either none was scheduled or it already ran.
	created, err := h.queue.Enqueue(ctx, &domain.Job{
		ID:           id,
		WorkflowID:   wf.ID,
		AgentType:    stage.Agent,
		State:        wf.CurrentState,
		StateSeq:     wf.Seq(),
		Payload:      payload,
		VisibleAfter: now,
	})
	if err != nil {
		return err
	}
	if created {
		h.log.Info("quote gate scheduled", zap.String("workflow_id", string(wf.ID)), zap.String("reason", reason))
		h.bus.Publish(newMessage(domain.MessageAgentHandoff, wf.ID, "", stage.Agent, map[string]any{
			"job_id": id,
			"state":  wf.CurrentState,
			"reason": reason,
		}, now))
	}
	return nil
}

// Cancel drives a non-terminal workflow to Cancelled. A running job is
// allowed to finish; its result is discarded.
func (h *HandoffManager) Cancel(ctx context.Context, id domain.WorkflowID, reason string) (*domain.Workflow, error) {
	if reason == "" {
		reason = "cancelled"
	}
	return h.drive(ctx, id, domain.StateCancelled, reason)
}

// Fail drives a non-terminal workflow to Failed. A workflow that is
// already terminal is left as is.
func (h *HandoffManager) Fail(ctx context.Context, id domain.WorkflowID, reason string) (*domain.Workflow, error) {
	wf, err := h.drive(ctx, id, domain.StateFailed, reason)
	if domain.IsStateConflict(err) {
		return h.store.GetWorkflow(ctx, id)
	}
	return wf, err
}

// OnJobDeadLettered fails the workflow when the dead job belongs to its
// current stage. Dead letters of stale jobs are ignored.
func (h *HandoffManager) OnJobDeadLettered(ctx context.Context, job *domain.Job) error {
	wf, err := h.store.GetWorkflow(ctx, job.WorkflowID)
	if err != nil {
		return err
	}
	if wf.Terminal || wf.Seq() != job.StateSeq {
		return nil
	}
	reason := fmt.Sprintf("%s dead-lettered after %d attempt(s): %s", job.AgentType, job.Attempt+1, job.LastError)
	_, err = h.Fail(ctx, wf.ID, reason)
	return err
}

func (h *HandoffManager) drive(ctx context.Context, id domain.WorkflowID, to domain.WorkflowState, cause string) (*domain.Workflow, error) {
	var lastErr error
	for i := 0; i < maxConflictRetries; i++ {
		wf, err := h.store.GetWorkflow(ctx, id)
		if err != nil {
			return nil, err
		}
		if wf.Terminal {
			return nil, &domain.Error{Kind: domain.KindStateConflict, Op: "transition",
				Err: fmt.Errorf("workflow %s is terminal (%s)", id, wf.CurrentState)}
		}
		moved, err := h.sm.Transition(ctx, id, wf.CurrentState, to, cause)
		if err == nil {
			h.finish(ctx, moved, "")
			return moved, nil
		}
		if !domain.IsStateConflict(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// finish settles the queue after a terminal transition and publishes the
// completion message.
func (h *HandoffManager) finish(ctx context.Context, wf *domain.Workflow, source domain.AgentType) {
	if n, err := h.queue.Discard(ctx, wf.ID, fmt.Sprintf("workflow %s", wf.CurrentState)); err != nil {
		h.log.Warn("discard queued jobs failed", zap.String("workflow_id", string(wf.ID)), zap.Error(err))
	} else if n > 0 {
		h.log.Info("queued jobs discarded", zap.String("workflow_id", string(wf.ID)), zap.Int("count", n))
	}
	h.bus.Publish(newMessage(domain.MessageTaskCompleted, wf.ID, source, "", map[string]any{
		"terminal":   true,
		"state":      wf.CurrentState,
		"last_error": wf.LastError,
	}, h.clock.Now()))
}

// QuotesFromContext decodes the context's quotes array. Malformed entries
// are skipped.
func QuotesFromContext(doc domain.Data) []domain.Quote {
	var quotes []domain.Quote
	gjson.GetBytes(doc, "quotes").ForEach(func(_, v gjson.Result) bool {
		id := v.Get("id").String()
		if id == "" {
			return true
		}
		q := domain.Quote{
			ID:             id,
			Price:          v.Get("price").Float(),
			Currency:       v.Get("currency").String(),
			SourceOperator: v.Get("source_operator").String(),
		}
		if t := v.Get("valid_until"); t.Exists() {
			q.ValidUntil = t.Time()
		}
		quotes = append(quotes, q)
		return true
	})
	return quotes
}

func withReason(payload domain.Data, reason string) domain.Data {
	out, err := sjson.SetBytes(payload, "reason", reason)
	if err != nil {
		return payload
	}
	return out
}

func topLevelKeys(doc domain.Data) []string {
	var keys []string
	gjson.ParseBytes(doc).ForEach(func(k, _ gjson.Result) bool {
		keys = append(keys, k.String())
		return true
	})
	return keys
}
