package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"

	"github.com/diogoX451/skyrfp/internal/api/dto"
	"github.com/diogoX451/skyrfp/internal/core/domain"
	"github.com/diogoX451/skyrfp/pkg/types"
)

// Handler: POST /api/v1/rfps
func (s *Server) handleSubmitRFP(w http.ResponseWriter, r *http.Request) {
	var req dto.SubmitRFPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if !gjson.ParseBytes(req.Request).IsObject() {
		respondError(w, http.StatusBadRequest, "MISSING_REQUEST", "request must be a JSON object")
		return
	}

	workflowID := req.WorkflowID
	if workflowID == "" {
		workflowID = s.newID()
	}
	cmd := types.Command{
		Kind:       types.CommandSubmit,
		WorkflowID: workflowID,
		Request:    req.Request,
		IssuedAt:   s.now().UTC(),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.commands.Dispatch(ctx, cmd); err != nil {
		respondDomainError(w, err)
		return
	}

	// Responde 202 Accepted (processamento assíncrono)
	respondJSON(w, http.StatusAccepted, dto.AcceptedResponse{
		WorkflowID: workflowID,
		Status:     "accepted",
		AcceptedAt: cmd.IssuedAt,
	})
}

// Handler: GET /api/v1/workflows/{id}
func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	wf, err := s.store.GetWorkflow(ctx, domain.WorkflowID(chi.URLParam(r, "id")))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toWorkflowResponse(wf))
}

// Handler: GET /api/v1/workflows/{id}/context
func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	id := domain.WorkflowID(chi.URLParam(r, "id"))
	if _, err := s.store.GetWorkflow(ctx, id); err != nil {
		respondDomainError(w, err)
		return
	}
	doc, err := s.store.GetContext(ctx, id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if len(doc) == 0 {
		doc = domain.Data(`{}`)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

// Handler: GET /api/v1/workflows/{id}/jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	id := domain.WorkflowID(chi.URLParam(r, "id"))
	if _, err := s.store.GetWorkflow(ctx, id); err != nil {
		respondDomainError(w, err)
		return
	}
	jobs, err := s.store.ListWorkflowJobs(ctx, id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toJobResponses(jobs))
}

// Handler: GET /api/v1/jobs/dead-letters
func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	jobs, err := s.store.ListJobsByStatus(ctx, domain.JobDeadLettered, 100)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toJobResponses(jobs))
}

func toWorkflowResponse(wf *domain.Workflow) dto.WorkflowResponse {
	history := make([]dto.StateEntry, len(wf.StateHistory))
	for i, e := range wf.StateHistory {
		history[i] = dto.StateEntry{
			State:     string(e.State),
			EnteredAt: e.EnteredAt,
			ExitedAt:  e.ExitedAt,
			Cause:     e.Cause,
		}
	}
	return dto.WorkflowResponse{
		WorkflowID:   string(wf.ID),
		State:        string(wf.CurrentState),
		Terminal:     wf.Terminal,
		LastError:    wf.LastError,
		CreatedAt:    wf.CreatedAt,
		UpdatedAt:    wf.UpdatedAt,
		Version:      wf.Version,
		StateHistory: history,
	}
}

func toJobResponses(jobs []domain.Job) []dto.JobResponse {
	out := make([]dto.JobResponse, len(jobs))
	for i, j := range jobs {
		out[i] = dto.JobResponse{
			ID:           string(j.ID),
			WorkflowID:   string(j.WorkflowID),
			AgentType:    string(j.AgentType),
			State:        string(j.State),
			Status:       string(j.Status),
			Attempt:      j.Attempt,
			MaxAttempts:  j.MaxAttempts,
			VisibleAfter: j.VisibleAfter,
			LastError:    j.LastError,
			UpdatedAt:    j.UpdatedAt,
		}
	}
	return out
}
