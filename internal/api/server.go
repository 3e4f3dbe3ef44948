package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"civicsync/internal/bulk"
	"civicsync/internal/models"
	"civicsync/internal/ratelimit"
	"civicsync/internal/store"
	"civicsync/internal/telemetry"
)

// ReportStore is the read/notification surface the HTTP handlers need.
// *store.Store satisfies it; tests substitute an in-memory fake.
type ReportStore interface {
	GetReport(ctx context.Context, id string) (models.Report, error)
	ListHistory(ctx context.Context, reportID string) ([]models.StatusHistoryEntry, error)
	ListNotifications(ctx context.Context, userID string, limit int) ([]models.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
}

// Server wires HTTP handlers for the portal's orchestration surface.
type Server struct {
	reports      ReportStore
	orchestrator *bulk.Orchestrator
	limiter      *ratelimit.TokenBucket
}

// New constructs the API server. limiter may be nil to disable rate
// limiting.
func New(reports ReportStore, orchestrator *bulk.Orchestrator, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		reports:      reports,
		orchestrator: orchestrator,
		limiter:      limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/bulk", s.handleBulk)
	r.Get("/reports/{id}", s.handleGetReport)
	r.Get("/reports/{id}/history", s.handleHistory)
	r.Get("/notifications", s.handleListNotifications)
	r.Post("/notifications/{id}/read", s.handleMarkRead)
	return r
}

type bulkRequest struct {
	Kind   bulk.Kind   `json:"kind"`
	IDs    []string    `json:"ids"`
	Params bulk.Params `json:"params"`
}

func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(r)
	if !ok {
		http.Error(w, "missing actor identity", http.StatusUnauthorized)
		return
	}

	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.IDs) == 0 {
		http.Error(w, "ids are required", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), actor.ID)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	result, err := s.orchestrator.Run(r.Context(), bulk.Request{
		Kind:   req.Kind,
		IDs:    req.IDs,
		Params: req.Params,
		Actor:  actor,
	})
	if err != nil {
		if errors.Is(err, bulk.ErrPermissionDenied) {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	report, err := s.reports.GetReport(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "report not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entries, err := s.reports.ListHistory(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(r)
	if !ok {
		http.Error(w, "missing actor identity", http.StatusUnauthorized)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := s.reports.ListNotifications(r.Context(), actor.ID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.reports.MarkNotificationRead(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "notification not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "read"})
}

// actorFromRequest reads the CurrentUser capability from headers. The
// gateway in front of the portal authenticates; this code only consumes the
// resulting identity.
func actorFromRequest(r *http.Request) (models.User, bool) {
	id := r.Header.Get("X-User-ID")
	role := r.Header.Get("X-User-Role")
	if id == "" || role == "" {
		return models.User{}, false
	}
	return models.User{ID: id, Role: models.Role(role)}, true
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
