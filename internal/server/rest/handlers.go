package rest

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tripwire/honeypot/internal/server/storage"
)

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	store Store
}

// NewServer creates a new Server with the provided storage layer.
func NewServer(store Store) *Server {
	return &Server{store: store}
}

// handleHealthz responds to GET /healthz.
//
// This endpoint does not require authentication and returns HTTP 200 with a
// simple JSON body so load balancers and orchestrators can verify liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleGetSessions responds to GET /api/v1/sessions.
//
// Supported query parameters:
//
//	instance   – exact deployment-instance filter (optional)
//	engagement – one of LOW, MEDIUM, HIGH (optional)
//	from       – RFC3339 start of the start_ts window (required)
//	to         – RFC3339 end of the start_ts window (required)
//	limit      – maximum number of results (default 100, max 1000)
//	offset     – pagination offset (default 0)
//
// Returns HTTP 400 when required parameters are missing or malformed.
// Returns HTTP 200 with a JSON array of SessionSummary objects on success.
func (s *Server) handleGetSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	from, to, ok := parseWindow(w, q)
	if !ok {
		return
	}

	sq := storage.SessionQuery{From: from, To: to}

	if instance := q.Get("instance"); instance != "" {
		sq.Instance = instance
	}

	if eng := q.Get("engagement"); eng != "" {
		switch eng {
		case "LOW", "MEDIUM", "HIGH":
			sq.Engagement = &eng
		default:
			writeError(w, http.StatusBadRequest, "'engagement' must be one of LOW, MEDIUM, HIGH")
			return
		}
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		if limit > 1000 {
			limit = 1000
		}
		sq.Limit = limit
	}

	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "'offset' must be a non-negative integer")
			return
		}
		sq.Offset = offset
	}

	sessions, err := s.store.QuerySessions(r.Context(), sq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query sessions")
		return
	}

	// Ensure we always return a JSON array, not null.
	if sessions == nil {
		sessions = []storage.SessionSummary{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(sessions)
}

// handleGetSessionByID responds to GET /api/v1/sessions/{id}.
//
// Returns HTTP 404 when no session with the given ID has been mirrored yet.
// Returns HTTP 200 with a single SessionSummary object on success.
func (s *Server) handleGetSessionByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sessions, err := s.store.QuerySessions(r.Context(), storage.SessionQuery{
		SessionID: id,
		From:      time.Unix(0, 0),
		To:        time.Now().Add(24 * time.Hour),
		Limit:     1,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query session")
		return
	}
	if len(sessions) == 0 {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(sessions[0])
}

// handleGetAudit responds to GET /api/v1/audit.
//
// Supported query parameters:
//
//	session_id – exact session ID (required)
//	from       – RFC3339 start of the created_at window (required)
//	to         – RFC3339 end of the created_at window (required)
//
// Returns HTTP 400 when required parameters are missing or malformed.
// Returns HTTP 200 with a JSON array of AuditEntry objects on success.
func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	sessionID := q.Get("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "query parameter 'session_id' is required")
		return
	}

	from, to, ok := parseWindow(w, q)
	if !ok {
		return
	}

	entries, err := s.store.QueryAuditEntries(r.Context(), sessionID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query audit entries")
		return
	}

	if entries == nil {
		entries = []storage.AuditEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(entries)
}

// parseWindow parses the required 'from'/'to' RFC3339 query parameters
// shared by handleGetSessions and handleGetAudit. On malformed input it
// writes the error response itself and returns ok=false.
func parseWindow(w http.ResponseWriter, q url.Values) (from, to time.Time, ok bool) {
	fromStr, toStr := q.Get("from"), q.Get("to")
	if fromStr == "" || toStr == "" {
		writeError(w, http.StatusBadRequest, "query parameters 'from' and 'to' are required (RFC3339)")
		return
	}

	var err error
	from, err = time.Parse(time.RFC3339, fromStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'from' must be a valid RFC3339 timestamp")
		return
	}
	to, err = time.Parse(time.RFC3339, toStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'to' must be a valid RFC3339 timestamp")
		return
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "'to' must be after 'from'")
		return
	}
	return from, to, true
}

