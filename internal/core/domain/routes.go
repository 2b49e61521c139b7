package domain

import "fmt"

// Stage binds a transient state to the agent that works it.
type Stage struct {
	State WorkflowState
	Agent AgentType
	// ContextKeys is the slice of context handed to the agent as payload.
	ContextKeys []string
	// Unbounded stages wait at human speed and have no max dwell.
	Unbounded bool
}

var stages = map[WorkflowState]Stage{
	StateAnalyzing: {
		State: StateAnalyzing, Agent: AgentRequestAnalyzer,
		ContextKeys: []string{"request"},
	},
	StateFetchingClientData: {
		State: StateFetchingClientData, Agent: AgentClientData,
		ContextKeys: []string{"request", "analysis"},
	},
	StateSearchingFlights: {
		State: StateSearchingFlights, Agent: AgentFlightSearch,
		ContextKeys: []string{"analysis", "client"},
	},
	StateAwaitingQuotes: {
		State: StateAwaitingQuotes, Agent: AgentQuoteGate,
		ContextKeys: []string{"trip"}, Unbounded: true,
	},
	StateAnalyzingProposals: {
		State: StateAnalyzingProposals, Agent: AgentProposalAnalyzer,
		ContextKeys: []string{"analysis", "client", "quotes"},
	},
	StateGeneratingCommunication: {
		State: StateGeneratingCommunication, Agent: AgentCommunication,
		ContextKeys: []string{"request", "client", "proposals"},
	},
	StateSendingProposal: {
		State: StateSendingProposal, Agent: AgentProposalSender,
		ContextKeys: []string{"communication"},
	},
}

// StageFor returns the stage worked in state s. Created and the terminal
// states have none.
func StageFor(s WorkflowState) (Stage, bool) {
	st, ok := stages[s]
	return st, ok
}

// StateForAgent returns the state an agent works.
func StateForAgent(a AgentType) (WorkflowState, bool) {
	for s, st := range stages {
		if st.Agent == a {
			return s, true
		}
	}
	return "", false
}

// route is one row of the handoff table for successful results.
type route struct {
	next WorkflowState
	// branches may be selected through AgentResult.NextAgent.
	branches []WorkflowState
}

var routes = map[WorkflowState]route{
	StateCreated:                 {next: StateAnalyzing},
	StateAnalyzing:               {next: StateFetchingClientData, branches: []WorkflowState{StateSearchingFlights}},
	StateFetchingClientData:      {next: StateSearchingFlights},
	StateSearchingFlights:        {next: StateAwaitingQuotes},
	StateAwaitingQuotes:          {next: StateAnalyzingProposals},
	StateAnalyzingProposals:      {next: StateGeneratingCommunication},
	StateGeneratingCommunication: {next: StateSendingProposal},
	StateSendingProposal:         {next: StateCompleted},
}

// NextState looks up the handoff table keyed by (current, success). The
// hint overrides the default target only when the route permits the branch;
// an unusable hint yields hintUsed=false and the default target.
func NextState(current WorkflowState, success bool, hint AgentType) (next WorkflowState, hintUsed bool, err error) {
	if current.IsTerminal() {
		return "", false, fmt.Errorf("no route out of terminal state %s", current)
	}
	if !success {
		return StateFailed, false, nil
	}
	r, ok := routes[current]
	if !ok {
		return "", false, fmt.Errorf("no route from %s", current)
	}
	if hint == "" {
		return r.next, false, nil
	}
	target, ok := StateForAgent(hint)
	if !ok {
		return r.next, false, nil
	}
	if target == r.next {
		return r.next, true, nil
	}
	for _, b := range r.branches {
		if b == target {
			return b, true, nil
		}
	}
	return r.next, false, nil
}
