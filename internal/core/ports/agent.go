package ports

import "github.com/diogoX451/skyrfp/internal/core/domain"

// AgentProvider resolves the initialized agent for a job.
type AgentProvider interface {
	Get(t domain.AgentType) (domain.Agent, error)
}
