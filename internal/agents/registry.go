package agents

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/diogoX451/skyrfp/internal/core/domain"
	"github.com/diogoX451/skyrfp/internal/core/ports"
)

// Registry maps agent types to factories. Agents are built and initialized
// once at startup; there is no lookup by reflection.
type Registry struct {
	mu        sync.RWMutex
	factories map[domain.AgentType]domain.AgentFactory
	agents    map[domain.AgentType]domain.Agent
	log       *zap.Logger
}

var _ ports.AgentProvider = (*Registry)(nil)

func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		factories: make(map[domain.AgentType]domain.AgentFactory),
		agents:    make(map[domain.AgentType]domain.Agent),
		log:       log.With(zap.String("component", "agents")),
	}
}

func (r *Registry) Register(agentType domain.AgentType, factory domain.AgentFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[agentType] = factory
}

// Initialize builds and initializes every registered agent.
func (r *Registry) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.typesLocked() {
		if _, ok := r.agents[t]; ok {
			continue
		}
		agent, err := r.factories[t]()
		if err != nil {
			return fmt.Errorf("build agent %s: %w", t, err)
		}
		if agent.Type() != t {
			return fmt.Errorf("agent registered as %s reports type %s", t, agent.Type())
		}
		if err := agent.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize agent %s: %w", t, err)
		}
		r.agents[t] = agent
		r.log.Debug("agent initialized", zap.String("agent", string(t)))
	}
	return nil
}

func (r *Registry) Get(t domain.AgentType) (domain.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownAgent, t)
	}
	return agent, nil
}

// Types lists the registered agent types in a stable order.
func (r *Registry) Types() []domain.AgentType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.typesLocked()
}

func (r *Registry) typesLocked() []domain.AgentType {
	out := make([]domain.AgentType, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Shutdown stops every initialized agent and reports all failures.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for t, agent := range r.agents {
		if err := agent.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown agent %s: %w", t, err))
		}
		delete(r.agents, t)
	}
	return errors.Join(errs...)
}

const DefaultOpsInbox = "rfp-desk@localhost"

// Deps are the external collaborators of the builtin agents.
type Deps struct {
	Directory   ClientDirectory
	Marketplace Marketplace
	Mailer      Mailer
	// OpsInbox receives proposals for unidentified requesters.
	OpsInbox string
	Log      *zap.Logger
}

// RegisterBuiltins registers one agent per transient workflow state.
// Missing collaborators fall back to the in-process implementations.
func RegisterBuiltins(r *Registry, deps Deps) {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Directory == nil {
		deps.Directory = NewStaticDirectory(nil)
	}
	if deps.Marketplace == nil {
		deps.Marketplace = NewRefMarketplace()
	}
	if deps.Mailer == nil {
		deps.Mailer = NewLogMailer(deps.Log)
	}
	if deps.OpsInbox == "" {
		deps.OpsInbox = DefaultOpsInbox
	}

	r.Register(domain.AgentRequestAnalyzer, func() (domain.Agent, error) {
		return NewRequestAnalyzer(), nil
	})
	r.Register(domain.AgentClientData, func() (domain.Agent, error) {
		return NewClientDataAgent(deps.Directory), nil
	})
	r.Register(domain.AgentFlightSearch, func() (domain.Agent, error) {
		return NewFlightSearchAgent(deps.Marketplace), nil
	})
	r.Register(domain.AgentQuoteGate, func() (domain.Agent, error) {
		return NewQuoteGate(), nil
	})
	r.Register(domain.AgentProposalAnalyzer, func() (domain.Agent, error) {
		return NewProposalAnalyzer(), nil
	})
	r.Register(domain.AgentCommunication, func() (domain.Agent, error) {
		return NewCommunicationAgent(), nil
	})
	r.Register(domain.AgentProposalSender, func() (domain.Agent, error) {
		return NewProposalSender(deps.Mailer, deps.OpsInbox), nil
	})
}
