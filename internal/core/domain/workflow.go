package domain

import (
	"fmt"
	"time"
)

// WorkflowID identifies one RFP end to end.
type WorkflowID string

// StateEntry is one interval of the workflow's state history.
type StateEntry struct {
	State     WorkflowState `json:"state"`
	EnteredAt time.Time     `json:"entered_at"`
	ExitedAt  *time.Time    `json:"exited_at,omitempty"`
	Cause     string        `json:"cause,omitempty"`
}

// Workflow is the persisted record of a single RFP.
type Workflow struct {
	ID           WorkflowID    `json:"id"`
	CurrentState WorkflowState `json:"current_state"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	StateHistory []StateEntry  `json:"state_history"`
	Terminal     bool          `json:"terminal"`
	LastError    string        `json:"last_error,omitempty"`
	Version      int64         `json:"version"`
}

// NewWorkflow returns a workflow in the Created state.
func NewWorkflow(id WorkflowID, now time.Time) *Workflow {
	return &Workflow{
		ID:           id,
		CurrentState: StateCreated,
		CreatedAt:    now,
		UpdatedAt:    now,
		StateHistory: []StateEntry{{State: StateCreated, EnteredAt: now}},
	}
}

// Seq is the index of the current state in the history. Jobs carry the
// sequence they were enqueued for so stale results can be recognised.
func (w *Workflow) Seq() int {
	return len(w.StateHistory) - 1
}

// EnteredAt returns when the current state was entered.
func (w *Workflow) EnteredAt() time.Time {
	if len(w.StateHistory) == 0 {
		return w.CreatedAt
	}
	return w.StateHistory[len(w.StateHistory)-1].EnteredAt
}

// Visited reports whether s appears anywhere in the history.
func (w *Workflow) Visited(s WorkflowState) bool {
	for _, e := range w.StateHistory {
		if e.State == s {
			return true
		}
	}
	return false
}

// Path returns the visited states in order.
func (w *Workflow) Path() []WorkflowState {
	out := make([]WorkflowState, 0, len(w.StateHistory))
	for _, e := range w.StateHistory {
		out = append(out, e.State)
	}
	return out
}

// Apply validates and performs a transition in memory. It never mutates the
// workflow when it returns an error.
func (w *Workflow) Apply(from, to WorkflowState, now time.Time, cause string) error {
	if w.Terminal {
		return &Error{Kind: KindStateConflict, Op: "transition",
			Err: fmt.Errorf("workflow %s is terminal (%s)", w.ID, w.CurrentState)}
	}
	if w.CurrentState != from {
		return &Error{Kind: KindStateConflict, Op: "transition",
			Err: fmt.Errorf("workflow %s is in %s, not %s", w.ID, w.CurrentState, from)}
	}
	if !CanTransition(from, to) {
		return &Error{Kind: KindStateConflict, Op: "transition",
			Err: fmt.Errorf("illegal transition %s -> %s", from, to)}
	}

	// History stays monotonic even when the wall clock steps backwards.
	if last := w.EnteredAt(); now.Before(last) {
		now = last
	}

	exited := now
	w.StateHistory[len(w.StateHistory)-1].ExitedAt = &exited
	w.StateHistory = append(w.StateHistory, StateEntry{State: to, EnteredAt: now, Cause: cause})
	w.CurrentState = to
	w.UpdatedAt = now
	w.Terminal = to.IsTerminal()
	if to == StateFailed && cause != "" {
		w.LastError = cause
	}
	return nil
}

// Clone returns a deep copy safe to hand to other goroutines.
func (w *Workflow) Clone() *Workflow {
	c := *w
	c.StateHistory = make([]StateEntry, len(w.StateHistory))
	for i, e := range w.StateHistory {
		c.StateHistory[i] = e
		if e.ExitedAt != nil {
			t := *e.ExitedAt
			c.StateHistory[i].ExitedAt = &t
		}
	}
	return &c
}
