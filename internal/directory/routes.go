package directory

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ziadkadry99/audit-trail/internal/audit"
	"github.com/ziadkadry99/audit-trail/internal/tenant"
)

type putResponse struct {
	Data  *User          `json:"data"`
	Audit *audit.Receipt `json:"audit"`
}

// RegisterRoutes mounts the user directory API routes.
func RegisterRoutes(r chi.Router, store *Store) {
	r.Route("/api/users", func(r chi.Router) {
		r.Get("/{id}", handleGet(store))
		r.Put("/{id}", handlePut(store))
	})
}

func handleGet(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := tenant.FromContext(r.Context())
		u, err := store.Get(r.Context(), id.TenantID, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, store.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": u})
	}
}

func handlePut(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := tenant.FromContext(r.Context())
		if actor.TenantID == "" {
			writeError(w, store.logger, audit.ErrMissingTenant)
			return
		}

		var p Profile
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}

		u, receipt, err := store.Put(r.Context(), actor, chi.URLParam(r, "id"), p)
		if err != nil {
			writeError(w, store.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, putResponse{Data: u, Audit: receipt})
	}
}

func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var verr *audit.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation_failed", "details": verr.Fields})
	case errors.Is(err, audit.ErrMissingTenant):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	case errors.Is(err, audit.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
	case errors.Is(err, ErrIDTaken):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "conflict"})
	default:
		logger.Error("directory request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
