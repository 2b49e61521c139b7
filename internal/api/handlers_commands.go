package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/diogoX451/skyrfp/internal/api/dto"
	"github.com/diogoX451/skyrfp/pkg/types"
)

// Handler: POST /api/v1/workflows/{id}/cancel
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.handleReasonCommand(w, r, types.CommandCancel)
}

// Handler: POST /api/v1/workflows/{id}/advance
// Releases the quote gate regardless of the quote policy.
func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	s.handleReasonCommand(w, r, types.CommandAdvance)
}

func (s *Server) handleReasonCommand(w http.ResponseWriter, r *http.Request, kind types.CommandKind) {
	var req dto.ReasonRequest
	// O corpo é opcional
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	s.dispatch(w, r, types.Command{
		Kind:       kind,
		WorkflowID: chi.URLParam(r, "id"),
		Reason:     req.Reason,
	})
}

// Handler: POST /api/v1/workflows/{id}/quotes
func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req dto.QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if req.ID == "" || req.Currency == "" {
		respondError(w, http.StatusBadRequest, "INVALID_QUOTE", "id and currency are required")
		return
	}

	s.dispatch(w, r, types.Command{
		Kind:       types.CommandQuote,
		WorkflowID: chi.URLParam(r, "id"),
		Quote: &types.QuoteSignal{
			ID:             req.ID,
			Price:          req.Price,
			Currency:       req.Currency,
			ValidUntil:     req.ValidUntil,
			SourceOperator: req.SourceOperator,
		},
	})
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, cmd types.Command) {
	cmd.IssuedAt = s.now().UTC()

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.commands.Dispatch(ctx, cmd); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, dto.AcceptedResponse{
		WorkflowID: cmd.WorkflowID,
		Status:     "accepted",
		AcceptedAt: cmd.IssuedAt,
	})
}
