package audit

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ziadkadry99/audit-trail/internal/tenant"
)

// streamInterval is how often the integrity stream polls job status.
const streamInterval = 250 * time.Millisecond

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

type pageResponse struct {
	Data       []Entry    `json:"data"`
	Pagination pagination `json:"pagination"`
}

type summaryResponse struct {
	Data    *Summary `json:"data"`
	Filters Filters  `json:"filters"`
}

type handlers struct {
	store   *Store
	checker *Checker
	logger  *zap.Logger
}

// RegisterRoutes mounts the audit trail API under /api/audit. Every route
// requires a tenant identity (see tenant.Middleware).
func RegisterRoutes(r chi.Router, store *Store, checker *Checker, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handlers{store: store, checker: checker, logger: logger}

	r.Route("/api/audit", func(r chi.Router) {
		r.Use(h.requireTenant)
		r.Get("/", h.list)
		r.Get("/summary", h.summary)
		r.Get("/entity/{entityType}/{entityId}", h.entityHistory)
		r.Post("/integrity", h.startIntegrity)
		r.Get("/integrity", h.integrityStatus)
		r.Get("/integrity/stream", h.integrityStream)
		r.Get("/{id}", h.getByID)
	})
}

// requireTenant rejects requests without a tenant identity before any
// parameter is looked at.
func (h *handlers) requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tenantOf(r) == "" {
			h.writeError(w, r, ErrMissingTenant)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handlers) list(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantOf(r)
	q := r.URL.Query()

	f, err := ParseFilters(q)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := ParsePage(q, h.store.defaultLimit, h.store.maxLimit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	page, err := h.store.List(r.Context(), tenantID, f, p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPageResponse(page))
}

func (h *handlers) summary(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantOf(r)
	q := r.URL.Query()

	f, err := ParseFilters(q)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	g, err := ParseGranularity(q.Get("granularity"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	sum, err := h.store.Summarize(r.Context(), tenantID, f, g)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summaryResponse{Data: sum, Filters: f})
}

func (h *handlers) entityHistory(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantOf(r)
	q := r.URL.Query()

	p, err := ParsePage(q, h.store.defaultLimit, h.store.maxLimit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	includeArchived, err := parseBoolParam(q, "includeArchived")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	page, err := h.store.EntityHistory(r.Context(), tenantID,
		chi.URLParam(r, "entityType"), chi.URLParam(r, "entityId"), p, includeArchived)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPageResponse(page))
}

func (h *handlers) getByID(w http.ResponseWriter, r *http.Request) {
	includeArchived, err := parseBoolParam(r.URL.Query(), "includeArchived")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	entry, err := h.store.Get(r.Context(), tenantOf(r), chi.URLParam(r, "id"), includeArchived)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *handlers) startIntegrity(w http.ResponseWriter, r *http.Request) {
	resume, err := parseBoolParam(r.URL.Query(), "resume")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status, err := h.checker.Start(tenantOf(r), resume)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, status)
}

func (h *handlers) integrityStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.checker.Status(tenantOf(r)))
}

// integrityStream pushes the tenant's check status whenever it changes and
// closes once the check is no longer running.
func (h *handlers) integrityStream(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantOf(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("integrity stream upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(streamInterval)
	defer ticker.Stop()

	var last *CheckStatus
	for {
		status := h.checker.Status(tenantID)
		if last == nil || statusChanged(*last, status) {
			if err := conn.WriteJSON(status); err != nil {
				h.logger.Debug("integrity stream write failed", zap.Error(err))
				return
			}
			last = &status
		}
		if status.Phase != PhaseRunning {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(status.Phase)))
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func statusChanged(a, b CheckStatus) bool {
	return a.Phase != b.Phase || a.Checked != b.Checked || a.Total != b.Total
}

func newPageResponse(p *Page) pageResponse {
	rows := p.Rows
	if rows == nil {
		rows = []Entry{}
	}
	return pageResponse{
		Data:       rows,
		Pagination: pagination{Page: p.Page, Limit: p.Limit, Total: p.Total, Pages: p.Pages()},
	}
}

func tenantOf(r *http.Request) string {
	id, _ := tenant.FromContext(r.Context())
	return id.TenantID
}

func parseBoolParam(q url.Values, name string) (bool, error) {
	v := q.Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		verr := &ValidationError{}
		verr.Add(name, "must be a boolean")
		return false, verr
	}
	return b, nil
}

// writeError maps audit errors onto HTTP responses. Unexpected errors are
// logged and reported without detail.
func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "validation_failed",
			"details": verr.Fields,
		})
	case errors.Is(err, ErrMissingTenant):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	case errors.Is(err, ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
	default:
		h.logger.Error("audit request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
