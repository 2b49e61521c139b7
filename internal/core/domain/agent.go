package domain

import "context"

// Input is what an agent receives for one job.
type Input struct {
	WorkflowID WorkflowID
	JobID      JobID
	State      WorkflowState
	Attempt    int
	// Context is the workflow's context document read at dispatch time.
	Context Data
	// Payload is the snapshot handed over by the previous stage.
	Payload Data
}

// AgentResult is returned by every agent execution.
type AgentResult struct {
	Success bool `json:"success"`
	// Data is merged into the workflow context on success.
	Data Data `json:"data,omitempty"`
	// Defaults are written only for keys the context does not hold yet.
	Defaults Data `json:"defaults,omitempty"`
	// NextAgent lets the agent pick a branch where the route allows one.
	NextAgent AgentType `json:"next_agent,omitempty"`
	Error     string    `json:"error,omitempty"`
	Retryable bool      `json:"retryable"`
}

// Agent is the uniform execution contract of a specialised agent. Execute
// must be idempotent with respect to external side effects.
type Agent interface {
	Type() AgentType
	Initialize(ctx context.Context) error
	Execute(ctx context.Context, in Input) (AgentResult, error)
	Shutdown(ctx context.Context) error
}

// ErrorClassifier may be implemented by agents that want to override how
// their errors are classified.
type ErrorClassifier interface {
	ClassifyError(err error) ErrorKind
}

// AgentFactory builds an agent once at startup.
type AgentFactory func() (Agent, error)
