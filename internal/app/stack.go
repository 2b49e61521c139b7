// Package app assembles the engine from configuration. The worker runs it;
// rfpctl runs it in process for local work.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/diogoX451/skyrfp/internal/agents"
	"github.com/diogoX451/skyrfp/internal/config"
	"github.com/diogoX451/skyrfp/internal/core/domain"
	"github.com/diogoX451/skyrfp/internal/core/ports"
	"github.com/diogoX451/skyrfp/internal/core/service"
	"github.com/diogoX451/skyrfp/internal/messaging/inproc"
	"github.com/diogoX451/skyrfp/internal/metrics"
)

type Stack struct {
	Store      ports.Store
	Bus        *inproc.Bus
	Registry   *agents.Registry
	Dispatcher *service.Dispatcher
	Engine     *service.Engine
	Watchdog   *service.Watchdog
}

// Build wires every engine component over st. Agent collaborators left
// empty in deps use the in-process implementations.
func Build(ctx context.Context, cfg *config.Config, st ports.Store, deps agents.Deps, m *metrics.Metrics, log *zap.Logger) (*Stack, error) {
	policy, err := QuotePolicy(cfg.Engine)
	if err != nil {
		return nil, err
	}
	if deps.Log == nil {
		deps.Log = log
	}

	registry := agents.NewRegistry(log)
	agents.RegisterBuiltins(registry, deps)
	if err := registry.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize agents: %w", err)
	}

	clock := service.SystemClock{}
	bus := inproc.New(log)

	sm := service.NewStateMachine(st, bus, clock, m, log)
	queue := service.NewQueue(st, bus, clock, m, log, service.QueueConfig{
		MaxAttempts: cfg.Engine.MaxAttempts,
		BackoffBase: cfg.Engine.BackoffBase,
		BackoffMax:  cfg.Engine.BackoffMax,
		JobTimeout:  cfg.Engine.JobTimeout,
		LeaseGrace:  cfg.Engine.LeaseGrace,
	})
	supervisor := service.NewSupervisor(registry, log, service.SupervisorConfig{
		JobTimeout:          cfg.Engine.JobTimeout,
		ExternalMaxAttempts: cfg.Engine.ExternalMaxAttempts,
	})
	handoff := service.NewHandoffManager(sm, queue, st, bus, clock, log, service.HandoffConfig{
		QuoteTimeout: cfg.Engine.QuoteTimeout,
		QuotePolicy:  policy,
	})
	signals := service.NewSignals(st, handoff, bus, clock, policy, log)
	watchdog := service.NewWatchdog(st, queue, handoff, clock, cfg.Engine.MaxDwell, log)
	engine := service.NewEngine(st, queue, supervisor, handoff, watchdog, bus, m, log, service.EngineConfig{
		Workers:          cfg.Engine.Workers,
		PollInterval:     cfg.Engine.PollInterval,
		WatchdogInterval: cfg.Engine.WatchdogInterval,
	})

	return &Stack{
		Store:      st,
		Bus:        bus,
		Registry:   registry,
		Dispatcher: service.NewDispatcher(sm, handoff, signals, st, log),
		Engine:     engine,
		Watchdog:   watchdog,
	}, nil
}

// Shutdown releases the agents. The store is owned by the caller.
func (s *Stack) Shutdown(ctx context.Context) error {
	return s.Registry.Shutdown(ctx)
}

func QuotePolicy(cfg config.EngineConfig) (domain.QuotePolicy, error) {
	switch cfg.QuotePolicy {
	case "min_count", "":
		return domain.MinQuotes{Count: cfg.MinQuotes}, nil
	case "manual":
		return domain.ManualQuotes{}, nil
	default:
		return nil, fmt.Errorf("unknown quote policy %q", cfg.QuotePolicy)
	}
}
