package domain

import "context"

// BaseAgent implements the lifecycle hooks most agents do not need.
// Agents embed it and provide Execute.
type BaseAgent struct {
	agentType AgentType
}

func NewBaseAgent(t AgentType) BaseAgent {
	return BaseAgent{agentType: t}
}

func (b BaseAgent) Type() AgentType                      { return b.agentType }
func (b BaseAgent) Initialize(ctx context.Context) error { return nil }
func (b BaseAgent) Shutdown(ctx context.Context) error   { return nil }

// Succeed is a successful result carrying data to merge into the context.
func Succeed(data Data) AgentResult {
	return AgentResult{Success: true, Data: data}
}
