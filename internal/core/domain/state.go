package domain

// WorkflowState is the stage an RFP workflow currently occupies.
type WorkflowState string

const (
	StateCreated                 WorkflowState = "created"
	StateAnalyzing               WorkflowState = "analyzing"
	StateFetchingClientData      WorkflowState = "fetching_client_data"
	StateSearchingFlights        WorkflowState = "searching_flights"
	StateAwaitingQuotes          WorkflowState = "awaiting_quotes"
	StateAnalyzingProposals      WorkflowState = "analyzing_proposals"
	StateGeneratingCommunication WorkflowState = "generating_communication"
	StateSendingProposal         WorkflowState = "sending_proposal"
	StateCompleted               WorkflowState = "completed"
	StateFailed                  WorkflowState = "failed"
	StateCancelled               WorkflowState = "cancelled"
)

// States lists every workflow state in pipeline order.
var States = []WorkflowState{
	StateCreated,
	StateAnalyzing,
	StateFetchingClientData,
	StateSearchingFlights,
	StateAwaitingQuotes,
	StateAnalyzingProposals,
	StateGeneratingCommunication,
	StateSendingProposal,
	StateCompleted,
	StateFailed,
	StateCancelled,
}

// transitions is the static adjacency table. Failed and Cancelled are
// reachable from every transient state and are appended in init.
var transitions = map[WorkflowState][]WorkflowState{
	StateCreated:                 {StateAnalyzing},
	StateAnalyzing:               {StateFetchingClientData, StateSearchingFlights},
	StateFetchingClientData:      {StateSearchingFlights},
	StateSearchingFlights:        {StateAwaitingQuotes},
	StateAwaitingQuotes:          {StateAnalyzingProposals},
	StateAnalyzingProposals:      {StateGeneratingCommunication},
	StateGeneratingCommunication: {StateSendingProposal},
	StateSendingProposal:         {StateCompleted},
}

func init() {
	for from, next := range transitions {
		transitions[from] = append(next, StateFailed, StateCancelled)
	}
}

// IsTerminal reports whether no further transition is possible from s.
func (s WorkflowState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Valid reports whether s is one of the known states.
func (s WorkflowState) Valid() bool {
	return s.Order() >= 0
}

// Order returns the position of s in the pipeline, or -1 when unknown.
func (s WorkflowState) Order() int {
	for i, st := range States {
		if st == s {
			return i
		}
	}
	return -1
}

func (s WorkflowState) String() string { return string(s) }

// CanTransition reports whether to is a legal successor of from.
func CanTransition(from, to WorkflowState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Successors returns the legal successors of s.
func Successors(s WorkflowState) []WorkflowState {
	out := make([]WorkflowState, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// ParseState converts a persisted name into a WorkflowState.
func ParseState(name string) (WorkflowState, bool) {
	s := WorkflowState(name)
	return s, s.Valid()
}
