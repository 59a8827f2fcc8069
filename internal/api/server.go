// CoachSync - Offline-First Sync Engine for Video Coaching Clients
// Copyright 2026 ReelCoach
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/reelcoach/coachsync

// Package api exposes the daemon's local HTTP surface: health, metrics,
// sync status, and the manual sync controls the host UI calls. It binds to
// loopback; there is no authentication layer because the daemon is a
// per-user local process.
package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/reelcoach/coachsync/internal/coordinator"
	"github.com/reelcoach/coachsync/internal/entity"
	"github.com/reelcoach/coachsync/internal/logging"
	"github.com/reelcoach/coachsync/internal/outbox"
	"github.com/reelcoach/coachsync/internal/store"
)

// Server handles the daemon's HTTP requests.
type Server struct {
	coord *coordinator.Coordinator
	queue *outbox.Queue
}

// NewServer creates a Server.
func NewServer(coord *coordinator.Coordinator, queue *outbox.Queue) *Server {
	return &Server{coord: coord, queue: queue}
}

// Router builds the chi router for the daemon.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1/sync", func(r chi.Router) {
		r.Post("/trigger", s.handleTrigger)
		r.Get("/status/{type}/{id}", s.handleStatus)
		r.Post("/retry/{type}/{id}", s.handleRetry)
		r.Post("/discard/{type}/{id}", s.handleDiscard)
	})
	r.Get("/v1/outbox/stats", s.handleOutboxStats)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	s.coord.TriggerSync()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

type statusResponse struct {
	EntityType string            `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Status     entity.SyncStatus `json:"status"`
	State      coordinator.State `json:"state"`
	LastError  string            `json:"last_error,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	typ, id, ok := entityParams(w, r)
	if !ok {
		return
	}

	status, err := s.coord.Status(r.Context(), typ, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := statusResponse{
		EntityType: string(typ),
		EntityID:   id,
		Status:     status,
		State:      s.coord.EntityState(typ, id),
	}
	if status == entity.StatusFailed {
		if terminal, err := s.queue.TerminalFor(r.Context(), typ, id); err == nil && len(terminal) > 0 {
			resp.LastError = terminal[len(terminal)-1].LastError
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	typ, id, ok := entityParams(w, r)
	if !ok {
		return
	}

	n, err := s.queue.RetryTerminal(r.Context(), typ, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	typ, id, ok := entityParams(w, r)
	if !ok {
		return
	}

	n, err := s.coord.DiscardFailed(r.Context(), typ, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"discarded": n})
}

func (s *Server) handleOutboxStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.GetStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// entityParams parses and validates the {type}/{id} route parameters.
func entityParams(w http.ResponseWriter, r *http.Request) (entity.Type, string, bool) {
	typ := entity.Type(chi.URLParam(r, "type"))
	id := chi.URLParam(r, "id")
	if !typ.Valid() {
		writeError(w, http.StatusBadRequest, errors.New("unknown entity type"))
		return "", "", false
	}
	if id == "" {
		writeError(w, http.StatusBadRequest, errors.New("entity id is required"))
		return "", "", false
	}
	return typ, id, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn().Err(err).Msg("Failed to encode API response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	if errors.Is(err, store.ErrNotFound) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
