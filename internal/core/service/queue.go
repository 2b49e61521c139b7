package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/diogoX451/skyrfp/internal/core/domain"
	"github.com/diogoX451/skyrfp/internal/core/ports"
	"github.com/diogoX451/skyrfp/internal/metrics"
)

type QueueConfig struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	JobTimeout  time.Duration
	LeaseGrace  time.Duration
}

// Queue layers retry policy and lease bookkeeping over a JobStore.
type Queue struct {
	jobs    ports.JobStore
	bus     ports.MessageBus
	clock   Clock
	metrics *metrics.Metrics
	log     *zap.Logger
	cfg     QueueConfig
}

func NewQueue(jobs ports.JobStore, bus ports.MessageBus, clock Clock, m *metrics.Metrics, log *zap.Logger, cfg QueueConfig) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	return &Queue{
		jobs:    jobs,
		bus:     bus,
		clock:   clock,
		metrics: m,
		log:     log.With(zap.String("component", "queue")),
		cfg:     cfg,
	}
}

// Backoff is base * 2^attempt, capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Enqueue fills in defaults and stores the job. It reports false when a
// job with the same id already exists.
func (q *Queue) Enqueue(ctx context.Context, job *domain.Job) (bool, error) {
	now := q.clock.Now()
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.cfg.MaxAttempts
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now
	}
	if job.VisibleAfter.IsZero() {
		job.VisibleAfter = now
	}
	job.UpdatedAt = now

	created, err := q.jobs.EnqueueJob(ctx, job)
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", job.ID, err)
	}
	if created {
		q.log.Debug("job enqueued",
			zap.String("job_id", string(job.ID)),
			zap.String("workflow_id", string(job.WorkflowID)),
			zap.String("agent", string(job.AgentType)),
			zap.String("status", string(job.Status)),
			zap.Time("visible_after", job.VisibleAfter),
		)
	}
	return created, nil
}

// Dequeue claims the next visible job. Returns domain.ErrNoJob when idle.
func (q *Queue) Dequeue(ctx context.Context) (*domain.Job, error) {
	now := q.clock.Now()
	return q.jobs.ClaimJob(ctx, now, now.Add(q.cfg.JobTimeout+q.cfg.LeaseGrace))
}

func (q *Queue) Complete(ctx context.Context, id domain.JobID) error {
	_, err := q.jobs.FinishJob(ctx, id, domain.JobSucceeded, "", q.clock.Now())
	return err
}

// Drop finishes a running job as failed without retry or dead letter.
func (q *Queue) Drop(ctx context.Context, id domain.JobID, reason string) error {
	_, err := q.jobs.FinishJob(ctx, id, domain.JobFailed, reason, q.clock.Now())
	return err
}

// Fail records a failed attempt. A retryable failure with attempts left is
// rescheduled with exponential backoff; anything else is dead-lettered and
// an Error message published. Failing a job that is no longer running
// returns domain.ErrJobNotRunning, so a dead letter happens once.
func (q *Queue) Fail(ctx context.Context, id domain.JobID, cause error, retryable bool) (*domain.Job, error) {
	job, err := q.jobs.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.JobRunning {
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrJobNotRunning, id, job.Status)
	}

	now := q.clock.Now()
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	next := job.Attempt + 1

	if retryable && next < job.MaxAttempts {
		visible := now.Add(Backoff(next, q.cfg.BackoffBase, q.cfg.BackoffMax))
		updated, err := q.jobs.RescheduleJob(ctx, id, next, visible, msg, now)
		if err != nil {
			return nil, err
		}
		q.log.Warn("job rescheduled",
			zap.String("job_id", string(id)),
			zap.String("workflow_id", string(job.WorkflowID)),
			zap.Int("attempt", next),
			zap.Time("visible_after", visible),
			zap.String("error", msg),
		)
		return updated, nil
	}

	dead, err := q.jobs.FinishJob(ctx, id, domain.JobDeadLettered, msg, now)
	if err != nil {
		return nil, err
	}
	q.metrics.DeadLetter(string(job.AgentType))
	q.log.Error("job dead-lettered",
		zap.String("job_id", string(id)),
		zap.String("workflow_id", string(job.WorkflowID)),
		zap.String("agent", string(job.AgentType)),
		zap.Int("attempt", job.Attempt),
		zap.Bool("retryable", retryable),
		zap.String("error", msg),
	)
	q.bus.Publish(newMessage(domain.MessageError, job.WorkflowID, job.AgentType, "", map[string]any{
		"job_id":    id,
		"attempt":   job.Attempt,
		"retryable": retryable,
		"error":     msg,
	}, now))
	return dead, nil
}

// Expedite makes a waiting job visible at the given time, optionally
// replacing its payload.
func (q *Queue) Expedite(ctx context.Context, id domain.JobID, at time.Time, payload domain.Data) (bool, error) {
	return q.jobs.ExpediteJob(ctx, id, at, payload, q.clock.Now())
}

// Discard fails every queued job of a terminal workflow. Running jobs are
// left to finish; their results are discarded by the handoff.
func (q *Queue) Discard(ctx context.Context, id domain.WorkflowID, reason string) (int, error) {
	return q.jobs.DiscardWorkflowJobs(ctx, id, reason, q.clock.Now())
}

// ReclaimExpired fails every running job whose lease has lapsed as a
// retryable failure.
func (q *Queue) ReclaimExpired(ctx context.Context) (int, error) {
	expired, err := q.jobs.ListExpiredLeases(ctx, q.clock.Now(), 100)
	if err != nil {
		return 0, fmt.Errorf("list expired leases: %w", err)
	}

	n := 0
	for _, job := range expired {
		_, err := q.Fail(ctx, job.ID, domain.TransientError("lease", errors.New("lease expired")), true)
		if errors.Is(err, domain.ErrJobNotRunning) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (q *Queue) Get(ctx context.Context, id domain.JobID) (*domain.Job, error) {
	return q.jobs.GetJob(ctx, id)
}
