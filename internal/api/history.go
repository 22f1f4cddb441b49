package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/webcrawl-indexer/internal/store"
)

const (
	defaultSessionLimit = 50
	maxSessionLimit     = 500
	defaultHostLimit    = 100
	maxHostLimit        = 1000
	historyTimeout      = 3 * time.Second
)

// historyHandler exposes the read-only session history.
type historyHandler struct {
	repo    store.SessionRepository
	timeout time.Duration
	logger  *zap.Logger
}

func newHistoryHandler(repo store.SessionRepository, logger *zap.Logger) *historyHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &historyHandler{repo: repo, timeout: historyTimeout, logger: logger}
}

// listSessions handles GET /v1/sessions?status=&limit=&offset=. It returns
// {"sessions": [...]}, 400 for invalid filters, 503 without a repository and
// 500 when the repository fails.
func (h *historyHandler) listSessions(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeErrorTo(w, http.StatusServiceUnavailable, "session history unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultSessionLimit, maxSessionLimit)
	if err != nil {
		writeErrorTo(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *store.SessionStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed, parseErr := store.ParseSessionStatus(raw)
		if parseErr != nil {
			writeErrorTo(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		status = &parsed
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	runs, err := h.repo.ListSessions(ctx, status, limit, offset)
	if err != nil {
		h.logger.Error("list sessions failed", zap.Error(err))
		writeErrorTo(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"sessions": toSessionDTOs(runs)})
}

// getSession handles GET /v1/sessions/{session_id}: 404 on store.ErrNotFound.
func (h *historyHandler) getSession(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeErrorTo(w, http.StatusServiceUnavailable, "session history unavailable")
		return
	}
	id, err := parseSessionID(r)
	if err != nil {
		writeErrorTo(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.repo.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeErrorTo(w, http.StatusNotFound, "session not found")
			return
		}
		h.logger.Error("get session failed", zap.Error(err))
		writeErrorTo(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"session": toSessionDTO(run)})
}

// listHosts handles GET /v1/sessions/{session_id}/hosts?limit=&offset=.
func (h *historyHandler) listHosts(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeErrorTo(w, http.StatusServiceUnavailable, "session history unavailable")
		return
	}
	id, err := parseSessionID(r)
	if err != nil {
		writeErrorTo(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultHostLimit, maxHostLimit)
	if err != nil {
		writeErrorTo(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	hosts, err := h.repo.ListSessionHosts(ctx, id, limit, offset)
	if err != nil {
		h.logger.Error("list session hosts failed", zap.Error(err))
		writeErrorTo(w, http.StatusInternalServerError, "failed to list session hosts")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"hosts": toHostDTOs(hosts)})
}

func (h *historyHandler) writeJSON(w http.ResponseWriter, status int, payload any) {
	if err := encodeJSON(w, status, payload); err != nil {
		h.logger.Error("write JSON failed", zap.Error(err))
	}
}

func parseSessionID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "session_id")
	if raw == "" {
		return uuid.UUID{}, errors.New("session_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid session_id")
	}
	return id, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

type sessionDTO struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	Note       *string    `json:"note,omitempty"`
}

type hostDTO struct {
	Host        string    `json:"host"`
	LastUpdate  time.Time `json:"last_update"`
	Fetches     int64     `json:"fetches"`
	BytesTotal  int64     `json:"bytes_total"`
	Fetch2xx    int64     `json:"fetch_2xx"`
	Fetch3xx    int64     `json:"fetch_3xx"`
	Fetch4xx    int64     `json:"fetch_4xx"`
	Fetch5xx    int64     `json:"fetch_5xx"`
	FetchFailed int64     `json:"fetch_failed"`
}

func toSessionDTOs(in []store.SessionRun) []sessionDTO {
	out := make([]sessionDTO, 0, len(in))
	for _, run := range in {
		out = append(out, toSessionDTO(run))
	}
	return out
}

func toSessionDTO(run store.SessionRun) sessionDTO {
	return sessionDTO{
		ID:         run.ID.String(),
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Status:     string(run.Status),
		Note:       run.Note,
	}
}

func toHostDTOs(in []store.HostStats) []hostDTO {
	out := make([]hostDTO, 0, len(in))
	for _, st := range in {
		out = append(out, hostDTO{
			Host:        st.Host,
			LastUpdate:  st.LastUpdate,
			Fetches:     st.Fetches,
			BytesTotal:  st.BytesTotal,
			Fetch2xx:    st.Fetch2xx,
			Fetch3xx:    st.Fetch3xx,
			Fetch4xx:    st.Fetch4xx,
			Fetch5xx:    st.Fetch5xx,
			FetchFailed: st.FetchFailed,
		})
	}
	return out
}
