package ports

import (
	"context"
	"time"

	"github.com/diogoX451/skyrfp/internal/core/domain"
)

// WorkflowStore persists workflow records.
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, wf *domain.Workflow) error
	GetWorkflow(ctx context.Context, id domain.WorkflowID) (*domain.Workflow, error)
	// UpdateWorkflow runs fn against the latest record and saves the result
	// atomically. Returning an error from fn aborts without writing.
	UpdateWorkflow(ctx context.Context, id domain.WorkflowID, fn func(*domain.Workflow) error) (*domain.Workflow, error)
	ListActiveWorkflows(ctx context.Context, limit int) ([]domain.WorkflowID, error)
}

// ContextStore holds the per-workflow context document.
type ContextStore interface {
	GetContext(ctx context.Context, id domain.WorkflowID) (domain.Data, error)
	// MergeContext overwrites the top level keys present in patch.
	MergeContext(ctx context.Context, id domain.WorkflowID, patch domain.Data) (domain.Data, error)
	// UpdateContext is an atomic read-modify-write of the whole document.
	UpdateContext(ctx context.Context, id domain.WorkflowID, fn func(domain.Data) (domain.Data, error)) (domain.Data, error)
}

// JobStore is the durable half of the task queue. Every method is atomic.
type JobStore interface {
	// EnqueueJob inserts the job as pending, or held when the workflow
	// already has an active job. An existing id is left untouched and
	// reported with created=false.
	EnqueueJob(ctx context.Context, job *domain.Job) (created bool, err error)
	// ClaimJob marks the oldest visible pending job running.
	// Returns domain.ErrNoJob when nothing is visible.
	ClaimJob(ctx context.Context, now, leaseUntil time.Time) (*domain.Job, error)
	// FinishJob moves a running job to a finished status. Succeeded and
	// failed release the next held job of the workflow; dead-lettered
	// discards them.
	FinishJob(ctx context.Context, id domain.JobID, status domain.JobStatus, lastErr string, now time.Time) (*domain.Job, error)
	// RescheduleJob puts a running job back to pending for a retry.
	RescheduleJob(ctx context.Context, id domain.JobID, attempt int, visibleAfter time.Time, lastErr string, now time.Time) (*domain.Job, error)
	// ExpediteJob makes a pending job visible at the given time.
	ExpediteJob(ctx context.Context, id domain.JobID, visibleAfter time.Time, payload domain.Data, now time.Time) (bool, error)
	// DiscardWorkflowJobs fails every pending and held job of a workflow.
	DiscardWorkflowJobs(ctx context.Context, id domain.WorkflowID, reason string, now time.Time) (int, error)
	GetJob(ctx context.Context, id domain.JobID) (*domain.Job, error)
	ListWorkflowJobs(ctx context.Context, id domain.WorkflowID) ([]domain.Job, error)
	ListJobsByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error)
	ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]domain.Job, error)
}

// Store bundles the persistence the engine needs.
type Store interface {
	WorkflowStore
	ContextStore
	JobStore
	Close() error
}
