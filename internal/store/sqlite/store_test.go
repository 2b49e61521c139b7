package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diogoX451/skyrfp/internal/core/domain"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(filepath.Join(dir, "skyrfp.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func newStore(t *testing.T) *Store {
	t.Helper()
	s := openTestStore(t, t.TempDir())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedWorkflow(t *testing.T, s *Store, id domain.WorkflowID) {
	t.Helper()
	require.NoError(t, s.CreateWorkflow(context.Background(), domain.NewWorkflow(id, t0)))
}

func stageJob(wf domain.WorkflowID, seq int, agent domain.AgentType, visible time.Time) *domain.Job {
	return &domain.Job{
		ID:           domain.StageJobID(wf, seq, agent),
		WorkflowID:   wf,
		AgentType:    agent,
		StateSeq:     seq,
		MaxAttempts:  3,
		EnqueuedAt:   t0,
		VisibleAfter: visible,
		UpdatedAt:    t0,
	}
}

func TestWorkflowLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedWorkflow(t, s, "wf-1")

	err := s.CreateWorkflow(ctx, domain.NewWorkflow("wf-1", t0))
	assert.ErrorIs(t, err, domain.ErrWorkflowExists)

	_, err = s.GetWorkflow(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrWorkflowNotFound)

	wf, err := s.UpdateWorkflow(ctx, "wf-1", func(w *domain.Workflow) error {
		return w.Apply(domain.StateCreated, domain.StateAnalyzing, t0.Add(time.Second), "start")
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StateAnalyzing, wf.CurrentState)
	assert.EqualValues(t, 1, wf.Version)

	got, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, []domain.WorkflowState{domain.StateCreated, domain.StateAnalyzing}, got.Path())

	// A rejected update writes nothing.
	_, err = s.UpdateWorkflow(ctx, "wf-1", func(w *domain.Workflow) error {
		return w.Apply(domain.StateCreated, domain.StateAnalyzing, t0, "dup")
	})
	assert.True(t, domain.IsStateConflict(err))
	got, err = s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.Version)

	ids, err := s.ListActiveWorkflows(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []domain.WorkflowID{"wf-1"}, ids)
}

func TestConcurrentTransitionsOneWins(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedWorkflow(t, s, "wf-race")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateWorkflow(ctx, "wf-race", func(w *domain.Workflow) error {
				return w.Apply(domain.StateCreated, domain.StateAnalyzing, t0, "start")
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case domain.IsStateConflict(err):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 7, conflicts)
}

func TestContextMerge(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedWorkflow(t, s, "wf-ctx")

	doc, err := s.GetContext(ctx, "wf-ctx")
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(doc))

	_, err = s.MergeContext(ctx, "wf-ctx", []byte(`{"request":{"from":"KTEB"}}`))
	require.NoError(t, err)
	doc, err = s.MergeContext(ctx, "wf-ctx", []byte(`{"analysis":{"pax":4}}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"request":{"from":"KTEB"},"analysis":{"pax":4}}`, string(doc))

	_, err = s.MergeContext(ctx, "missing", []byte(`{}`))
	assert.ErrorIs(t, err, domain.ErrWorkflowNotFound)
}

func TestEnqueueIsIdempotentAndHoldsFollowUps(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	first := stageJob("wf-q", 1, domain.AgentRequestAnalyzer, t0)
	created, err := s.EnqueueJob(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.JobPending, first.Status)

	created, err = s.EnqueueJob(ctx, stageJob("wf-q", 1, domain.AgentRequestAnalyzer, t0))
	require.NoError(t, err)
	assert.False(t, created)

	second := stageJob("wf-q", 2, domain.AgentClientData, t0)
	created, err = s.EnqueueJob(ctx, second)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.JobHeld, second.Status)

	claimed, err := s.ClaimJob(ctx, t0, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, first.ID, claimed.ID)
	assert.Equal(t, domain.JobRunning, claimed.Status)

	_, err = s.ClaimJob(ctx, t0, t0.Add(time.Minute))
	assert.ErrorIs(t, err, domain.ErrNoJob)

	done, err := s.FinishJob(ctx, first.ID, domain.JobSucceeded, "", t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, domain.JobSucceeded, done.Status)

	released, err := s.GetJob(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, released.Status)

	_, err = s.FinishJob(ctx, first.ID, domain.JobSucceeded, "", t0)
	assert.ErrorIs(t, err, domain.ErrJobNotRunning)
}

func TestClaimRespectsVisibilityAndOrder(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.EnqueueJob(ctx, stageJob("wf-a", 1, domain.AgentRequestAnalyzer, t0.Add(time.Minute)))
	require.NoError(t, err)
	_, err = s.EnqueueJob(ctx, stageJob("wf-b", 1, domain.AgentRequestAnalyzer, t0.Add(10*time.Second)))
	require.NoError(t, err)

	_, err = s.ClaimJob(ctx, t0, t0.Add(time.Minute))
	assert.ErrorIs(t, err, domain.ErrNoJob)

	job, err := s.ClaimJob(ctx, t0.Add(2*time.Minute), t0.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowID("wf-b"), job.WorkflowID)
}

func TestDeadLetterDiscardsHeld(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	first := stageJob("wf-d", 1, domain.AgentFlightSearch, t0)
	_, err := s.EnqueueJob(ctx, first)
	require.NoError(t, err)
	held := stageJob("wf-d", 2, domain.AgentQuoteGate, t0)
	_, err = s.EnqueueJob(ctx, held)
	require.NoError(t, err)

	_, err = s.ClaimJob(ctx, t0, t0.Add(time.Minute))
	require.NoError(t, err)
	_, err = s.FinishJob(ctx, first.ID, domain.JobDeadLettered, "boom", t0)
	require.NoError(t, err)

	got, err := s.GetJob(ctx, held.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.Status)

	dead, err := s.ListJobsByStatus(ctx, domain.JobDeadLettered, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "boom", dead[0].LastError)
}

func TestRescheduleExpediteDiscard(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	job := stageJob("wf-r", 1, domain.AgentClientData, t0)
	_, err := s.EnqueueJob(ctx, job)
	require.NoError(t, err)
	_, err = s.ClaimJob(ctx, t0, t0.Add(time.Minute))
	require.NoError(t, err)

	retry, err := s.RescheduleJob(ctx, job.ID, 1, t0.Add(time.Hour), "timeout", t0)
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, retry.Status)
	assert.Equal(t, 1, retry.Attempt)
	assert.True(t, retry.LeaseUntil.IsZero())

	_, err = s.RescheduleJob(ctx, job.ID, 2, t0, "again", t0)
	assert.ErrorIs(t, err, domain.ErrJobNotRunning)

	ok, err := s.ExpediteJob(ctx, job.ID, t0, []byte(`{"reason":"forced"}`), t0)
	require.NoError(t, err)
	assert.True(t, ok)
	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.VisibleAfter.Equal(t0))
	assert.JSONEq(t, `{"reason":"forced"}`, string(got.Payload))

	n, err := s.DiscardWorkflowJobs(ctx, "wf-r", "workflow cancelled", t0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ok, err = s.ExpediteJob(ctx, job.ID, t0, nil, t0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExpiredLeases(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.EnqueueJob(ctx, stageJob("wf-l", 1, domain.AgentCommunication, t0))
	require.NoError(t, err)
	_, err = s.ClaimJob(ctx, t0, t0.Add(time.Minute))
	require.NoError(t, err)

	expired, err := s.ListExpiredLeases(ctx, t0.Add(30*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, expired)

	expired, err = s.ListExpiredLeases(ctx, t0.Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, expired, 1)
}

func TestStatePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := openTestStore(t, dir)
	seedWorkflow(t, s, "wf-p")
	_, err := s.MergeContext(ctx, "wf-p", []byte(`{"request":{"pax":2}}`))
	require.NoError(t, err)
	_, err = s.EnqueueJob(ctx, stageJob("wf-p", 1, domain.AgentRequestAnalyzer, t0))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened := openTestStore(t, dir)
	defer reopened.Close()

	wf, err := reopened.GetWorkflow(ctx, "wf-p")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCreated, wf.CurrentState)

	doc, err := reopened.GetContext(ctx, "wf-p")
	require.NoError(t, err)
	assert.JSONEq(t, `{"request":{"pax":2}}`, string(doc))

	jobs, err := reopened.ListWorkflowJobs(ctx, "wf-p")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobPending, jobs[0].Status)
}
