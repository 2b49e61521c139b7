package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/diogoX451/skyrfp/internal/api/dto"
	"github.com/diogoX451/skyrfp/internal/core/domain"
	"github.com/diogoX451/skyrfp/internal/core/ports"
)

const Version = "0.3.0"

// ReadStore is the read side the API serves inspection endpoints from.
type ReadStore interface {
	GetWorkflow(ctx context.Context, id domain.WorkflowID) (*domain.Workflow, error)
	GetContext(ctx context.Context, id domain.WorkflowID) (domain.Data, error)
	ListWorkflowJobs(ctx context.Context, id domain.WorkflowID) ([]domain.Job, error)
	ListJobsByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error)
}

// Server encapsula todas dependências da API
type Server struct {
	router   *chi.Mux
	commands ports.CommandSink
	store    ReadStore
	metrics  http.Handler
	log      *zap.Logger
	now      func() time.Time
	newID    func() string
}

// NewServer cria server com dependências injetadas. metrics may be nil.
func NewServer(commands ports.CommandSink, store ReadStore, metrics http.Handler, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		router:   chi.NewRouter(),
		commands: commands,
		store:    store,
		metrics:  metrics,
		log:      log.With(zap.String("component", "api")),
		now:      time.Now,
		newID:    uuid.NewString,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))
}

func (s *Server) setupRoutes() {
	// Health
	s.router.Get("/health", s.handleHealth)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics)
	}

	// API v1
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(jsonContentType)

		r.Post("/rfps", s.handleSubmitRFP)

		// Workflows
		r.Get("/workflows/{id}", s.handleGetWorkflow)
		r.Get("/workflows/{id}/context", s.handleGetContext)
		r.Get("/workflows/{id}/jobs", s.handleListJobs)
		r.Post("/workflows/{id}/cancel", s.handleCancel)
		r.Post("/workflows/{id}/advance", s.handleAdvance)
		r.Post("/workflows/{id}/quotes", s.handleQuote)

		r.Get("/jobs/dead-letters", s.handleDeadLetters)

		r.Post("/webhooks/marketplace", s.handleMarketplaceWebhook)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler: Health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	respondJSON(w, http.StatusOK, dto.HealthResponse{
		Status:    "healthy",
		Timestamp: s.now().UTC(),
		Version:   Version,
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// Helper: JSON content-type
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Helper: Responder JSON
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Helper: Responder erro
func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, dto.ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// respondDomainError maps engine errors to HTTP statuses.
func respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrWorkflowNotFound):
		respondError(w, http.StatusNotFound, "WORKFLOW_NOT_FOUND", err.Error())
	case errors.Is(err, domain.ErrWorkflowExists):
		respondError(w, http.StatusConflict, "WORKFLOW_EXISTS", err.Error())
	case errors.Is(err, domain.ErrNotAwaitingQuotes):
		respondError(w, http.StatusConflict, "NOT_AWAITING_QUOTES", err.Error())
	case domain.IsStateConflict(err):
		respondError(w, http.StatusConflict, "STATE_CONFLICT", err.Error())
	case domain.KindOf(err) == domain.KindValidation:
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}
