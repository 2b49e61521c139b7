package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/diogoX451/skyrfp/internal/core/domain"
	"github.com/diogoX451/skyrfp/internal/core/ports"
	"github.com/diogoX451/skyrfp/internal/metrics"
)

type EngineConfig struct {
	Workers          int
	PollInterval     time.Duration
	WatchdogInterval time.Duration
}

// Engine runs independent worker slots over the shared queue so one slow
// workflow never blocks another.
type Engine struct {
	store      ports.Store
	queue      *Queue
	supervisor *Supervisor
	handoff    *HandoffManager
	watchdog   *Watchdog
	bus        ports.MessageBus
	metrics    *metrics.Metrics
	log        *zap.Logger
	cfg        EngineConfig
}

func NewEngine(
	store ports.Store,
	queue *Queue,
	supervisor *Supervisor,
	handoff *HandoffManager,
	watchdog *Watchdog,
	bus ports.MessageBus,
	m *metrics.Metrics,
	log *zap.Logger,
	cfg EngineConfig,
) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = 30 * time.Second
	}
	return &Engine{
		store:      store,
		queue:      queue,
		supervisor: supervisor,
		handoff:    handoff,
		watchdog:   watchdog,
		bus:        bus,
		metrics:    m,
		log:        log.With(zap.String("component", "engine")),
		cfg:        cfg,
	}
}

// Run blocks until ctx is cancelled. Running jobs are allowed to finish
// their current step; unfinished ones are recovered through their lease.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("engine starting", zap.Int("workers", e.cfg.Workers))

	p := pool.New().WithContext(ctx)
	for i := 0; i < e.cfg.Workers; i++ {
		slot := i
		p.Go(func(ctx context.Context) error {
			return e.workerLoop(ctx, slot)
		})
	}
	if e.watchdog != nil {
		p.Go(func(ctx context.Context) error {
			return e.watchdog.Run(ctx, e.cfg.WatchdogInterval)
		})
	}

	err := p.Wait()
	e.log.Info("engine stopped")
	return err
}

func (e *Engine) workerLoop(ctx context.Context, slot int) error {
	log := e.log.With(zap.Int("slot", slot))
	for {
		if ctx.Err() != nil {
			return nil
		}
		processed, err := e.ProcessNext(ctx)
		if err != nil && ctx.Err() == nil {
			log.Error("process job failed", zap.Error(err))
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(e.cfg.PollInterval):
		}
	}
}

// ProcessNext claims and settles a single job. It reports false when no
// job was visible.
func (e *Engine) ProcessNext(ctx context.Context) (bool, error) {
	// 1. Claim
	job, err := e.queue.Dequeue(ctx)
	if errors.Is(err, domain.ErrNoJob) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	log := e.log.With(
		zap.String("job_id", string(job.ID)),
		zap.String("workflow_id", string(job.WorkflowID)),
		zap.String("agent", string(job.AgentType)),
		zap.Int("attempt", job.Attempt),
	)

	// 2. Skip work the workflow no longer needs
	wf, err := e.store.GetWorkflow(ctx, job.WorkflowID)
	if err != nil {
		return true, e.retryAfter(ctx, job, err)
	}
	if wf.Terminal {
		log.Info("workflow terminal, job dropped")
		return true, e.settle(ctx, job, HandoffDiscarded)
	}
	if job.StateSeq != wf.Seq() {
		if _, err := e.handoff.EnsureFollowUp(ctx, wf, job.AgentType); err != nil {
			return true, e.retryAfter(ctx, job, err)
		}
		log.Info("stale job skipped", zap.Int("workflow_seq", wf.Seq()))
		return true, e.settle(ctx, job, HandoffStale)
	}

	doc, err := e.store.GetContext(ctx, job.WorkflowID)
	if err != nil {
		return true, e.retryAfter(ctx, job, err)
	}

	// 3. Execute under supervision
	e.bus.Publish(newMessage(domain.MessageTaskStarted, job.WorkflowID, "", job.AgentType, map[string]any{
		"job_id":  job.ID,
		"attempt": job.Attempt,
	}, job.UpdatedAt))

	outcome := e.supervisor.Run(ctx, job, domain.Input{
		WorkflowID: job.WorkflowID,
		JobID:      job.ID,
		State:      job.State,
		Attempt:    job.Attempt,
		Context:    doc,
		Payload:    job.Payload,
	})

	// 4. Settle
	if !outcome.Succeeded() {
		return true, e.fail(ctx, job, outcome)
	}

	e.bus.Publish(newMessage(domain.MessageTaskCompleted, job.WorkflowID, job.AgentType, "", map[string]any{
		"job_id":  job.ID,
		"success": true,
	}, job.UpdatedAt.Add(outcome.Duration)))

	result, err := e.handoff.OnAgentResult(ctx, job, outcome.Result)
	if err != nil {
		return true, e.retryAfter(ctx, job, fmt.Errorf("handoff: %w", err))
	}
	e.metrics.ObserveJob(string(job.AgentType), "succeeded", outcome.Duration)
	log.Info("job succeeded", zap.String("handoff", result.String()), zap.Duration("duration", outcome.Duration))
	return true, e.settle(ctx, job, result)
}

func (e *Engine) settle(ctx context.Context, job *domain.Job, outcome HandoffOutcome) error {
	var err error
	if outcome == HandoffDiscarded {
		err = e.queue.Drop(ctx, job.ID, "workflow terminal; result discarded")
	} else {
		err = e.queue.Complete(ctx, job.ID)
	}
	if errors.Is(err, domain.ErrJobNotRunning) {
		e.log.Warn("job lease lost before settle", zap.String("job_id", string(job.ID)), zap.Error(err))
		return nil
	}
	return err
}

func (e *Engine) fail(ctx context.Context, job *domain.Job, outcome Outcome) error {
	updated, err := e.queue.Fail(ctx, job.ID, outcome.Err, outcome.Retryable)
	if errors.Is(err, domain.ErrJobNotRunning) {
		e.log.Warn("job lease lost before fail", zap.String("job_id", string(job.ID)), zap.Error(err))
		return nil
	}
	if err != nil {
		return err
	}

	label := "retried"
	if updated.Status == domain.JobDeadLettered {
		label = "dead_lettered"
	}
	e.metrics.ObserveJob(string(job.AgentType), label, outcome.Duration)
	e.log.Warn("job failed",
		zap.String("job_id", string(job.ID)),
		zap.String("workflow_id", string(job.WorkflowID)),
		zap.String("kind", outcome.Kind.String()),
		zap.Bool("retryable", outcome.Retryable),
		zap.String("status", string(updated.Status)),
		zap.Error(outcome.Err),
	)

	if updated.Status == domain.JobDeadLettered {
		return e.handoff.OnJobDeadLettered(ctx, updated)
	}
	return nil
}

// retryAfter turns an engine side failure (store, handoff) into a
// retryable job failure.
func (e *Engine) retryAfter(ctx context.Context, job *domain.Job, cause error) error {
	return e.fail(ctx, job, Outcome{
		Err:       domain.TransientError("engine", cause),
		Kind:      domain.KindTransient,
		Retryable: true,
	})
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrJobNotFound) || errors.Is(err, domain.ErrWorkflowNotFound)
}
