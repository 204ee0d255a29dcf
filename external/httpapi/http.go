package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	extplugnmeet "github.com/foxseedlab/ingestbridge/external/plugnmeet"
	"github.com/foxseedlab/ingestbridge/internal/orchestrator"
	"github.com/foxseedlab/ingestbridge/internal/queue"
	"github.com/foxseedlab/ingestbridge/internal/source"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const maxBodyBytes = 1 << 20

type JobStatusReader interface {
	Status(ctx context.Context, id string) (queue.JobState, error)
}

// Auth holds the api key and secret callers sign session requests with.
// An empty secret disables the check.
type Auth struct {
	Key    string
	Secret string
}

type Handler struct {
	sessions orchestrator.SessionCreator
	jobs     JobStatusReader
	auth     Auth
	router   chi.Router
}

func NewHandler(sessions orchestrator.SessionCreator, jobs JobStatusReader, auth Auth) *Handler {
	h := &Handler{sessions: sessions, jobs: jobs, auth: auth}
	h.buildRouter()
	return h
}

func (h *Handler) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(time.Minute))

	r.Get("/healthz", h.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.With(h.requireSignature).Post("/sessions", h.handleCreateSession)
		r.Get("/jobs/{id}", h.handleJobStatus)
	})
	h.router = r
}

func (h *Handler) Router() http.Handler {
	return h.router
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createSessionRequest struct {
	SessionID       string         `json:"session_id"`
	Title           string         `json:"title"`
	GroupTag        string         `json:"group_tag"`
	ExtraAttributes map[string]any `json:"extra_attributes"`
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if req.Title == "" {
		req.Title = req.SessionID
	}

	s, err := h.sessions.CreateSession(r.Context(), source.CreateSessionRequest{
		SessionID:       req.SessionID,
		Title:           req.Title,
		GroupTag:        req.GroupTag,
		ExtraAttributes: req.ExtraAttributes,
	})
	switch {
	case errors.Is(err, orchestrator.ErrSessionCreationUnavailable):
		writeError(w, http.StatusServiceUnavailable, "session creation is not available")
		return
	case err != nil:
		slog.Error("session creation failed", "session_id", req.SessionID, "error", err)
		writeError(w, http.StatusBadGateway, "session creation failed")
		return
	case s == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"session_id": req.SessionID})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id":  s.SessionID,
		"instance_id": s.InstanceID,
		"started_at":  s.StartedAt,
	})
}

func (h *Handler) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	state, err := h.jobs.Status(r.Context(), id)
	if errors.Is(err, queue.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		slog.Error("job status lookup failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "job status lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) requireSignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.auth.Secret == "" {
			next.ServeHTTP(w, r)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable body")
			return
		}
		if r.Header.Get("API-KEY") != h.auth.Key || !extplugnmeet.Verify(h.auth.Secret, body, r.Header.Get("HASH-SIGNATURE")) {
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
