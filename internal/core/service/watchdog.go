package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/diogoX451/skyrfp/internal/core/domain"
	"github.com/diogoX451/skyrfp/internal/core/ports"
)

// Watchdog recovers lost work from durable state and enforces the maximum
// dwell time of bounded states.
type Watchdog struct {
	store    ports.Store
	queue    *Queue
	handoff  *HandoffManager
	clock    Clock
	maxDwell time.Duration
	log      *zap.Logger
}

func NewWatchdog(store ports.Store, queue *Queue, handoff *HandoffManager, clock Clock, maxDwell time.Duration, log *zap.Logger) *Watchdog {
	return &Watchdog{
		store:    store,
		queue:    queue,
		handoff:  handoff,
		clock:    clock,
		maxDwell: maxDwell,
		log:      log.With(zap.String("component", "watchdog")),
	}
}

// Sweep reclaims expired leases and checks every active workflow once.
func (w *Watchdog) Sweep(ctx context.Context) error {
	if n, err := w.queue.ReclaimExpired(ctx); err != nil {
		w.log.Warn("reclaim expired leases failed", zap.Error(err))
	} else if n > 0 {
		w.log.Info("expired leases reclaimed", zap.Int("count", n))
	}

	ids, err := w.store.ListActiveWorkflows(ctx, 500)
	if err != nil {
		return fmt.Errorf("list active workflows: %w", err)
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := w.check(ctx, id); err != nil {
			w.log.Warn("watchdog check failed", zap.String("workflow_id", string(id)), zap.Error(err))
		}
	}
	return nil
}

func (w *Watchdog) check(ctx context.Context, id domain.WorkflowID) error {
	wf, err := w.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if wf.Terminal {
		return nil
	}

	now := w.clock.Now()
	overdue := w.maxDwell > 0 && now.Sub(wf.EnteredAt()) > w.maxDwell

	if wf.CurrentState == domain.StateCreated {
		if !overdue {
			return nil
		}
		w.log.Warn("restarting workflow stuck in created", zap.String("workflow_id", string(id)))
		return w.handoff.Start(ctx, id)
	}

	stage, ok := domain.StageFor(wf.CurrentState)
	if !ok {
		return nil
	}
	job, err := w.queue.Get(ctx, domain.StageJobID(wf.ID, wf.Seq(), stage.Agent))
	if err != nil && !isNotFound(err) {
		return err
	}

	switch {
	case job == nil:
		jobID, err := w.handoff.EnsureFollowUp(ctx, wf, "")
		if err == nil && jobID != "" {
			w.log.Warn("re-derived missing stage job",
				zap.String("workflow_id", string(id)),
				zap.String("job_id", string(jobID)),
			)
		}
		return err
	case job.Status == domain.JobDeadLettered:
		return w.handoff.OnJobDeadLettered(ctx, job)
	case !job.Status.Finished():
		// Dwell only escalates a stage whose job ended without a handoff.
		return nil
	case stage.Unbounded:
		return nil
	case overdue:
		w.log.Warn("dwell time exceeded",
			zap.String("workflow_id", string(id)),
			zap.String("state", string(wf.CurrentState)),
			zap.String("job_status", string(job.Status)),
		)
		_, err := w.handoff.Fail(ctx, id, fmt.Sprintf("dwell time exceeded in %s", wf.CurrentState))
		return err
	}
	return nil
}

// Run sweeps every interval until ctx is done.
func (w *Watchdog) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
				w.log.Warn("watchdog sweep failed", zap.Error(err))
			}
		}
	}
}
