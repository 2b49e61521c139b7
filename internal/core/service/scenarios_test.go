package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/diogoX451/skyrfp/internal/agents"
	"github.com/diogoX451/skyrfp/internal/core/domain"
)

func TestKnownClientRunsEveryStage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessConfig{policy: domain.MinQuotes{Count: 2}})

	h.submit("rfp-a", knownRequest())
	h.drain()

	wf := h.workflow("rfp-a")
	assert.Equal(t, path(
		domain.StateCreated,
		domain.StateAnalyzing,
		domain.StateFetchingClientData,
		domain.StateSearchingFlights,
		domain.StateAwaitingQuotes,
	), wf.Path())
	assert.Equal(t, "c-ana", gjson.GetBytes(h.context("rfp-a"), "client.id").String())

	sufficient, err := h.signals.RecordQuote(ctx, "rfp-a", domain.Quote{ID: "q1", Price: 42000, Currency: "USD"})
	require.NoError(t, err)
	assert.False(t, sufficient)
	assert.Zero(t, h.drain(), "one quote does not satisfy the policy")

	sufficient, err = h.signals.RecordQuote(ctx, "rfp-a", domain.Quote{ID: "q2", Price: 31000, Currency: "USD", SourceOperator: "Aero"})
	require.NoError(t, err)
	assert.True(t, sufficient)
	h.drain()

	wf = h.workflow("rfp-a")
	assert.Equal(t, domain.StateCompleted, wf.CurrentState)
	assert.True(t, wf.Terminal)
	assert.Len(t, wf.StateHistory, 9)

	doc := h.context("rfp-a")
	assert.Equal(t, "policy:min_count", gjson.GetBytes(doc, "quote_gate.reason").String())
	assert.Equal(t, "q2", gjson.GetBytes(doc, "proposals.ranked.0.quote_id").String())
	assert.Equal(t, knownClient, gjson.GetBytes(doc, "delivery.to").String())
	assert.Equal(t, 1, h.mailer.Sent())

	for _, job := range h.jobs("rfp-a") {
		assert.Equal(t, domain.JobSucceeded, job.Status, job.ID)
	}
	done := h.messages.of(domain.MessageTaskCompleted, "rfp-a")
	require.NotEmpty(t, done)
	assert.True(t, gjson.GetBytes(done[len(done)-1].Payload, "terminal").Bool())
	assert.Len(t, h.messages.of(domain.MessageAgentHandoff, "rfp-a"), 7)
}

func TestAnonymousRequestSkipsClientLookup(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	h.submit("rfp-b", anonymousRequest())
	h.drain()

	wf := h.workflow("rfp-b")
	assert.Equal(t, path(
		domain.StateCreated,
		domain.StateAnalyzing,
		domain.StateSearchingFlights,
		domain.StateAwaitingQuotes,
	), wf.Path())
	assert.False(t, wf.Visited(domain.StateFetchingClientData))
	assert.Contains(t, wf.StateHistory[2].Cause, "branch flight_search")
	assert.False(t, gjson.GetBytes(h.context("rfp-b"), "client").Exists())
}

func TestTransientErrorsRetryWithoutDuplicateMerge(t *testing.T) {
	flaky := newScripted(domain.AgentFlightSearch, func(_ context.Context, call int, _ domain.Input) (domain.AgentResult, error) {
		if call <= 2 {
			return domain.AgentResult{}, domain.TransientError("create trip", errors.New("connection reset"))
		}
		return domain.Succeed(domain.Data(`{"trip":{"id":"trip-1"}}`)), nil
	})
	h := newHarness(t, harnessConfig{agents: []domain.Agent{flaky}})

	h.submit("rfp-c", knownRequest())
	h.drain()
	jobID := domain.StageJobID("rfp-c", 3, domain.AgentFlightSearch)
	job := h.job(jobID)
	assert.Equal(t, domain.JobPending, job.Status)
	assert.Equal(t, 1, job.Attempt)
	assert.Equal(t, h.clock.Now().Add(2*time.Second), job.VisibleAfter)
	assert.Contains(t, job.LastError, "connection reset")

	h.clock.Advance(time.Minute)
	h.drain()
	job = h.job(jobID)
	assert.Equal(t, 2, job.Attempt)
	assert.Equal(t, h.clock.Now().Add(4*time.Second), job.VisibleAfter)

	h.clock.Advance(time.Minute)
	h.drain()

	job = h.job(jobID)
	assert.Equal(t, domain.JobSucceeded, job.Status)
	assert.Equal(t, 3, flaky.Calls())
	assert.Equal(t, domain.StateAwaitingQuotes, h.workflow("rfp-c").CurrentState)

	merges := 0
	for _, m := range h.messages.of(domain.MessageContextUpdate, "rfp-c") {
		if m.SourceAgent == domain.AgentFlightSearch {
			merges++
		}
	}
	assert.Equal(t, 1, merges)
	assert.Equal(t, "trip-1", gjson.GetBytes(h.context("rfp-c"), "trip.id").String())
}

func TestValidationErrorIsDeadLetteredOnce(t *testing.T) {
	bad := newScripted(domain.AgentClientData, func(context.Context, int, domain.Input) (domain.AgentResult, error) {
		return domain.AgentResult{}, domain.ValidationError("client data", "malformed email")
	})
	h := newHarness(t, harnessConfig{agents: []domain.Agent{bad}})

	h.submit("rfp-d", knownRequest())
	h.drain()

	job := h.job(domain.StageJobID("rfp-d", 2, domain.AgentClientData))
	assert.Equal(t, domain.JobDeadLettered, job.Status)
	assert.Equal(t, 0, job.Attempt)
	assert.Equal(t, 1, bad.Calls())

	wf := h.workflow("rfp-d")
	assert.Equal(t, domain.StateFailed, wf.CurrentState)
	assert.Contains(t, wf.LastError, "malformed email")
	assert.Len(t, h.messages.of(domain.MessageError, "rfp-d"), 1)

	_, err := h.queue.Fail(context.Background(), job.ID, errors.New("again"), true)
	assert.ErrorIs(t, err, domain.ErrJobNotRunning)
}

func TestForcedAdvanceWithNoQuotes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessConfig{})

	h.submit("rfp-e", knownRequest())
	h.drain()
	require.Equal(t, domain.StateAwaitingQuotes, h.workflow("rfp-e").CurrentState)

	require.NoError(t, h.signals.ForceAdvance(ctx, "rfp-e", "no operators available"))
	h.drain()

	wf := h.workflow("rfp-e")
	assert.True(t, wf.Visited(domain.StateAnalyzingProposals))
	assert.Equal(t, domain.StateCompleted, wf.CurrentState)

	doc := h.context("rfp-e")
	assert.JSONEq(t, `[]`, gjson.GetBytes(doc, "quotes").Raw)
	assert.False(t, gjson.GetBytes(doc, "quotes_sufficient").Bool())
	assert.Equal(t, "forced:no operators available", gjson.GetBytes(doc, "quote_gate.reason").String())
	assert.EqualValues(t, 0, gjson.GetBytes(doc, "proposals.count").Int())
}

func TestQuoteTimeoutReleasesGate(t *testing.T) {
	h := newHarness(t, harnessConfig{quoteTimeout: time.Hour})

	h.submit("rfp-t", knownRequest())
	h.drain()
	gate := h.job(domain.StageJobID("rfp-t", 4, domain.AgentQuoteGate))
	assert.Equal(t, domain.JobPending, gate.Status)
	assert.Equal(t, h.workflow("rfp-t").EnteredAt().Add(time.Hour), gate.VisibleAfter)

	h.clock.Advance(59 * time.Minute)
	assert.Zero(t, h.drain())

	h.clock.Advance(2 * time.Minute)
	h.drain()
	assert.Equal(t, domain.StateCompleted, h.workflow("rfp-t").CurrentState)
	assert.Equal(t, "timeout", gjson.GetBytes(h.context("rfp-t"), "quote_gate.reason").String())
}

func TestQuotesDuringSearchSatisfyPolicyOnEntry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessConfig{policy: domain.MinQuotes{Count: 2}, quoteTimeout: 24 * time.Hour})

	h.submit("rfp-s", knownRequest())
	h.step()
	h.step()
	require.Equal(t, domain.StateSearchingFlights, h.workflow("rfp-s").CurrentState)

	for _, q := range []domain.Quote{
		{ID: "q1", Price: 50000, Currency: "USD"},
		{ID: "q2", Price: 45000, Currency: "USD"},
		{ID: "q1", Price: 40000, Currency: "USD"},
	} {
		_, err := h.signals.RecordQuote(ctx, "rfp-s", q)
		require.NoError(t, err)
	}
	quotes := QuotesFromContext(h.context("rfp-s"))
	require.Len(t, quotes, 2)
	assert.Equal(t, 40000.0, quotes[0].Price, "a repeated quote id replaces the earlier quote")

	h.drain()
	doc := h.context("rfp-s")
	assert.Equal(t, domain.StateCompleted, h.workflow("rfp-s").CurrentState)
	assert.Equal(t, "policy:min_count", gjson.GetBytes(doc, "quote_gate.reason").String())
	assert.Equal(t, "q1", gjson.GetBytes(doc, "proposals.ranked.0.quote_id").String())
}

func TestQuoteRecordedWhileGateRunsIsKept(t *testing.T) {
	ctx := context.Background()
	gate := agents.NewQuoteGate()
	var (
		h       *harness
		lateErr error
	)
	wrapped := newScripted(domain.AgentQuoteGate, func(ctx context.Context, _ int, in domain.Input) (domain.AgentResult, error) {
		// The webhook answers while the gate job holds its lease.
		_, lateErr = h.signals.RecordQuote(ctx, in.WorkflowID, domain.Quote{ID: "late", Price: 30000, Currency: "USD"})
		return gate.Execute(ctx, in)
	})
	h = newHarness(t, harnessConfig{policy: domain.MinQuotes{Count: 1}, agents: []domain.Agent{wrapped}})

	h.submit("rfp-l", knownRequest())
	h.drain()
	require.Equal(t, domain.StateAwaitingQuotes, h.workflow("rfp-l").CurrentState)

	_, err := h.signals.RecordQuote(ctx, "rfp-l", domain.Quote{ID: "q1", Price: 42000, Currency: "USD"})
	require.NoError(t, err)
	h.drain()

	require.NoError(t, lateErr)
	assert.Equal(t, 1, wrapped.Calls())
	wf := h.workflow("rfp-l")
	assert.Equal(t, domain.StateCompleted, wf.CurrentState)

	doc := h.context("rfp-l")
	quotes := QuotesFromContext(doc)
	require.Len(t, quotes, 2)
	assert.Equal(t, "q1", quotes[0].ID)
	assert.Equal(t, "late", quotes[1].ID)
	assert.EqualValues(t, 1, gjson.GetBytes(doc, "quote_gate.count").Int(), "the gate counts what it saw")
	assert.EqualValues(t, 2, gjson.GetBytes(doc, "proposals.count").Int())
	assert.Equal(t, "late", gjson.GetBytes(doc, "proposals.ranked.0.quote_id").String())
}

func TestRecordQuoteRejections(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessConfig{})
	h.submit("rfp-q", knownRequest())

	_, err := h.signals.RecordQuote(ctx, "rfp-q", domain.Quote{ID: "q1", Price: 1, Currency: "USD"})
	assert.ErrorIs(t, err, domain.ErrNotAwaitingQuotes)

	for name, q := range map[string]domain.Quote{
		"no id":          {Price: 1, Currency: "USD"},
		"negative price": {ID: "q", Price: -1, Currency: "USD"},
		"no currency":    {ID: "q", Price: 1},
	} {
		_, err := h.signals.RecordQuote(ctx, "rfp-q", q)
		assert.Equal(t, domain.KindValidation, domain.KindOf(err), name)
	}

	_, err = h.signals.RecordQuote(ctx, "missing", domain.Quote{ID: "q1", Price: 1, Currency: "USD"})
	assert.ErrorIs(t, err, domain.ErrWorkflowNotFound)
}

func TestCancelDiscardsQueuedWork(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessConfig{})
	h.submit("rfp-x", knownRequest())

	wf, err := h.handoff.Cancel(ctx, "rfp-x", "client withdrew")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, wf.CurrentState)

	job := h.job(domain.StageJobID("rfp-x", 1, domain.AgentRequestAnalyzer))
	assert.Equal(t, domain.JobFailed, job.Status)
	assert.Zero(t, h.drain())

	_, err = h.handoff.Cancel(ctx, "rfp-x", "again")
	assert.True(t, domain.IsStateConflict(err))

	done := h.messages.of(domain.MessageTaskCompleted, "rfp-x")
	require.Len(t, done, 1)
	assert.Equal(t, "cancelled", gjson.GetBytes(done[0].Payload, "state").String())
}

func TestCancelWhileRunningDiscardsResult(t *testing.T) {
	var h *harness
	analyzer := newScripted(domain.AgentRequestAnalyzer, func(ctx context.Context, _ int, in domain.Input) (domain.AgentResult, error) {
		if _, err := h.handoff.Cancel(ctx, in.WorkflowID, "operator"); err != nil {
			return domain.AgentResult{}, err
		}
		return domain.Succeed(domain.Data(`{"analysis":{"late":true}}`)), nil
	})
	h = newHarness(t, harnessConfig{agents: []domain.Agent{analyzer}})

	h.submit("rfp-r", knownRequest())
	h.drain()

	assert.Equal(t, domain.StateCancelled, h.workflow("rfp-r").CurrentState)
	assert.False(t, gjson.GetBytes(h.context("rfp-r"), "analysis").Exists())

	job := h.job(domain.StageJobID("rfp-r", 1, domain.AgentRequestAnalyzer))
	assert.Equal(t, domain.JobFailed, job.Status)
	assert.Equal(t, "workflow terminal; result discarded", job.LastError)
	assert.Len(t, h.jobs("rfp-r"), 1)
}

func TestStaleResultIsNotApplied(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessConfig{})
	h.submit("rfp-st", knownRequest())
	h.step()
	require.Equal(t, domain.StateFetchingClientData, h.workflow("rfp-st").CurrentState)
	before := h.context("rfp-st")

	outcome, err := h.handoff.OnAgentResult(ctx, &domain.Job{
		ID:         domain.StageJobID("rfp-st", 1, domain.AgentRequestAnalyzer),
		WorkflowID: "rfp-st",
		AgentType:  domain.AgentRequestAnalyzer,
		StateSeq:   1,
	}, domain.Succeed(domain.Data(`{"analysis":{"replayed":true}}`)))
	require.NoError(t, err)
	assert.Equal(t, HandoffStale, outcome)
	assert.Equal(t, domain.StateFetchingClientData, h.workflow("rfp-st").CurrentState)
	assert.JSONEq(t, string(before), string(h.context("rfp-st")))
}

func TestRetriesExhaustedFailWorkflow(t *testing.T) {
	down := newScripted(domain.AgentRequestAnalyzer, func(context.Context, int, domain.Input) (domain.AgentResult, error) {
		return domain.AgentResult{}, errors.New("upstream timeout")
	})
	h := newHarness(t, harnessConfig{agents: []domain.Agent{down}})
	h.submit("rfp-z", knownRequest())

	for i := 0; i < 3; i++ {
		h.drain()
		h.clock.Advance(time.Minute)
	}

	assert.Equal(t, 3, down.Calls())
	job := h.job(domain.StageJobID("rfp-z", 1, domain.AgentRequestAnalyzer))
	assert.Equal(t, domain.JobDeadLettered, job.Status)
	assert.Equal(t, 2, job.Attempt)

	wf := h.workflow("rfp-z")
	assert.Equal(t, domain.StateFailed, wf.CurrentState)
	assert.Contains(t, wf.LastError, "after 3 attempt(s)")
	assert.Len(t, h.messages.of(domain.MessageError, "rfp-z"), 1)
}

func TestPanicIsFatal(t *testing.T) {
	boom := newScripted(domain.AgentRequestAnalyzer, func(context.Context, int, domain.Input) (domain.AgentResult, error) {
		panic("nil map")
	})
	h := newHarness(t, harnessConfig{agents: []domain.Agent{boom}})
	h.submit("rfp-p", knownRequest())
	h.drain()

	assert.Equal(t, 1, boom.Calls())
	assert.Equal(t, domain.StateFailed, h.workflow("rfp-p").CurrentState)
	assert.Equal(t, domain.JobDeadLettered, h.job(domain.StageJobID("rfp-p", 1, domain.AgentRequestAnalyzer)).Status)
}

func TestConcurrentWorkflowsProgressIndependently(t *testing.T) {
	slow := newScripted(domain.AgentRequestAnalyzer, func(ctx context.Context, _ int, in domain.Input) (domain.AgentResult, error) {
		if in.WorkflowID == "slow" {
			select {
			case <-time.After(200 * time.Millisecond):
			case <-ctx.Done():
				return domain.AgentResult{}, ctx.Err()
			}
		}
		return domain.Succeed(domain.Data(`{"analysis":{"route":{"from":"SBGR","to":"SBRJ"},"departure_date":"2026-04-10","passengers":2}}`)), nil
	})
	h := newHarness(t, harnessConfig{agents: []domain.Agent{slow}})

	ids := []domain.WorkflowID{"slow", "w1", "w2", "w3", "w4", "w5"}
	for _, id := range ids {
		h.submit(id, knownRequest())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			wf, err := h.store.GetWorkflow(context.Background(), id)
			if err != nil || wf.CurrentState != domain.StateAwaitingQuotes {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	for _, id := range ids {
		wf := h.workflow(id)
		assert.Equal(t, path(
			domain.StateCreated,
			domain.StateAnalyzing,
			domain.StateFetchingClientData,
			domain.StateSearchingFlights,
			domain.StateAwaitingQuotes,
		), wf.Path(), id)
		assert.Len(t, h.jobs(id), 3, id)
	}
}
