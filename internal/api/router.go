package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/c2mon/c2mon-sub007/internal/messaging"
)

// defaultJournalLimit is the number of journal entries returned without ?limit.
const defaultJournalLimit = 100

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/connection", s.handleConnection)
		r.Get("/queues", s.handleQueues)
		r.Get("/journal", s.handleJournal)
		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth answers 200 while the broker connection is up and 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	state := s.client.State()
	status, code := "ok", http.StatusOK
	if state != messaging.StateConnected {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"connection": state.String(),
		"version":    s.version,
	})
}

func (s *Server) handleConnection(w http.ResponseWriter, _ *http.Request) {
	state := s.client.State()
	writeJSON(w, http.StatusOK, map[string]any{
		"state":            state.String(),
		"connected":        state == messaging.StateConnected,
		"pending_requests": s.client.PendingRequests(),
	})
}

// handleQueues returns the size of every active dispatch queue and its
// counters.
func (s *Server) handleQueues(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sizes":  s.client.QueueSizes(),
		"queues": s.client.Stats(),
	})
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeNotFound(w, "health journal is not enabled")
		return
	}

	limit := defaultJournalLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("reading health journal failed", "error", err)
		writeInternalError(w, "failed to read health journal")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}
