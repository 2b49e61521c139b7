package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/diogoX451/skyrfp/internal/agents"
	"github.com/diogoX451/skyrfp/internal/core/domain"
	"github.com/diogoX451/skyrfp/internal/core/ports"
	"github.com/diogoX451/skyrfp/internal/messaging/inproc"
	"github.com/diogoX451/skyrfp/internal/metrics"
	"github.com/diogoX451/skyrfp/internal/store/sqlite"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// scripted is an agent whose behaviour is supplied by the test.
type scripted struct {
	domain.BaseAgent
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, call int, in domain.Input) (domain.AgentResult, error)
}

func newScripted(t domain.AgentType, fn func(ctx context.Context, call int, in domain.Input) (domain.AgentResult, error)) *scripted {
	return &scripted{BaseAgent: domain.NewBaseAgent(t), fn: fn}
}

func (s *scripted) Execute(ctx context.Context, in domain.Input) (domain.AgentResult, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	return s.fn(ctx, call, in)
}

func (s *scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// overlay serves test agents in front of the builtin registry.
type overlay struct {
	base   ports.AgentProvider
	agents map[domain.AgentType]domain.Agent
}

func (o overlay) Get(t domain.AgentType) (domain.Agent, error) {
	if a, ok := o.agents[t]; ok {
		return a, nil
	}
	return o.base.Get(t)
}

type recorder struct {
	mu   sync.Mutex
	msgs []domain.Message
}

func (r *recorder) handle(msg domain.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) of(t domain.MessageType, wf domain.WorkflowID) []domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Message
	for _, m := range r.msgs {
		if m.Type == t && m.WorkflowID == wf {
			out = append(out, m)
		}
	}
	return out
}

type harnessConfig struct {
	dir          string
	start        time.Time
	quoteTimeout time.Duration
	policy       domain.QuotePolicy
	maxDwell     time.Duration
	jobTimeout   time.Duration
	maxAttempts  int
	agents       []domain.Agent
}

type harness struct {
	t          *testing.T
	clock      *fakeClock
	store      *sqlite.Store
	bus        *inproc.Bus
	mailer     *agents.LogMailer
	market     *agents.RefMarketplace
	sm         *StateMachine
	queue      *Queue
	supervisor *Supervisor
	handoff    *HandoffManager
	signals    *Signals
	dispatcher *Dispatcher
	watchdog   *Watchdog
	engine     *Engine
	messages   *recorder
}

const knownClient = "ana@example.com"

func newHarness(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()
	if cfg.dir == "" {
		cfg.dir = t.TempDir()
	}
	if cfg.start.IsZero() {
		cfg.start = t0
	}
	if cfg.jobTimeout == 0 {
		cfg.jobTimeout = time.Minute
	}
	if cfg.maxAttempts == 0 {
		cfg.maxAttempts = 3
	}

	st, err := sqlite.Open(filepath.Join(cfg.dir, "skyrfp.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	log := zap.NewNop()
	m := metrics.New()
	clock := newFakeClock(cfg.start)
	bus := inproc.New(log)
	rec := &recorder{}
	bus.SubscribeAll(rec.handle)

	h := &harness{
		t:        t,
		clock:    clock,
		store:    st,
		bus:      bus,
		mailer:   agents.NewLogMailer(log),
		market:   agents.NewRefMarketplace(),
		messages: rec,
	}

	registry := agents.NewRegistry(log)
	agents.RegisterBuiltins(registry, agents.Deps{
		Directory: agents.NewStaticDirectory([]agents.ClientProfile{
			{ID: "c-ana", Name: "Ana", Email: knownClient, Tier: "gold"},
		}),
		Marketplace: h.market,
		Mailer:      h.mailer,
		Log:         log,
	})
	require.NoError(t, registry.Initialize(context.Background()))
	provider := overlay{base: registry, agents: make(map[domain.AgentType]domain.Agent)}
	for _, a := range cfg.agents {
		provider.agents[a.Type()] = a
	}

	h.sm = NewStateMachine(st, bus, clock, m, log)
	h.queue = NewQueue(st, bus, clock, m, log, QueueConfig{
		MaxAttempts: cfg.maxAttempts,
		BackoffBase: time.Second,
		BackoffMax:  10 * time.Second,
		JobTimeout:  cfg.jobTimeout,
		LeaseGrace:  time.Second,
	})
	h.supervisor = NewSupervisor(provider, log, SupervisorConfig{
		JobTimeout:          cfg.jobTimeout,
		ExternalMaxAttempts: 2,
	})
	h.handoff = NewHandoffManager(h.sm, h.queue, st, bus, clock, log, HandoffConfig{
		QuoteTimeout: cfg.quoteTimeout,
		QuotePolicy:  cfg.policy,
	})
	h.signals = NewSignals(st, h.handoff, bus, clock, cfg.policy, log)
	h.dispatcher = NewDispatcher(h.sm, h.handoff, h.signals, st, log)
	h.watchdog = NewWatchdog(st, h.queue, h.handoff, clock, cfg.maxDwell, log)
	h.engine = NewEngine(st, h.queue, h.supervisor, h.handoff, h.watchdog, bus, m, log, EngineConfig{
		Workers:          4,
		PollInterval:     5 * time.Millisecond,
		WatchdogInterval: time.Hour,
	})
	return h
}

func (h *harness) submit(id domain.WorkflowID, request string) {
	h.t.Helper()
	got, err := h.dispatcher.Submit(context.Background(), id, domain.Data(request))
	require.NoError(h.t, err)
	require.Equal(h.t, id, got)
}

// drain processes jobs until none is visible.
func (h *harness) drain() int {
	h.t.Helper()
	n := 0
	for ; n < 100; n++ {
		ok, err := h.engine.ProcessNext(context.Background())
		require.NoError(h.t, err)
		if !ok {
			return n
		}
	}
	h.t.Fatalf("queue did not drain after %d jobs", n)
	return n
}

func (h *harness) step() {
	h.t.Helper()
	ok, err := h.engine.ProcessNext(context.Background())
	require.NoError(h.t, err)
	require.True(h.t, ok, "expected a visible job")
}

func (h *harness) workflow(id domain.WorkflowID) *domain.Workflow {
	h.t.Helper()
	wf, err := h.store.GetWorkflow(context.Background(), id)
	require.NoError(h.t, err)
	return wf
}

func (h *harness) context(id domain.WorkflowID) domain.Data {
	h.t.Helper()
	doc, err := h.store.GetContext(context.Background(), id)
	require.NoError(h.t, err)
	return doc
}

func (h *harness) jobs(id domain.WorkflowID) []domain.Job {
	h.t.Helper()
	jobs, err := h.store.ListWorkflowJobs(context.Background(), id)
	require.NoError(h.t, err)
	return jobs
}

func (h *harness) job(id domain.JobID) *domain.Job {
	h.t.Helper()
	job, err := h.queue.Get(context.Background(), id)
	require.NoError(h.t, err)
	return job
}

func knownRequest() string {
	return `{"from":"SBGR","to":"SBRJ","date":"2026-04-10","pax":4,"client":{"email":"` + knownClient + `"}}`
}

func anonymousRequest() string {
	return `{"from":"SBGR","to":"SBKP","date":"2026-04-10","pax":2}`
}

func path(states ...domain.WorkflowState) []domain.WorkflowState {
	return states
}
