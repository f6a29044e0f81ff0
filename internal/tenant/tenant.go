// Package tenant carries the request's tenant and acting user through a
// context. Authentication happens upstream; this package only adapts the
// identity headers set by the gateway.
package tenant

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/google/uuid"
)

const (
	HeaderTenantID = "X-Tenant-ID"
	HeaderUserID   = "X-User-ID"
)

// Identity is the tenant context of a request.
type Identity struct {
	TenantID  string
	UserID    string // empty for system-initiated actions
	IPAddress string
	UserAgent string
}

type contextKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored in ctx, if any.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok && id.TenantID != ""
}

// Middleware reads the identity headers into the request context. Requests
// without a tenant header pass through without an identity so handlers can
// decide; malformed headers are rejected with 401.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get(HeaderTenantID)
		if tenantID == "" {
			next.ServeHTTP(w, r)
			return
		}
		if _, err := uuid.Parse(tenantID); err != nil {
			unauthorized(w, HeaderTenantID+" must be a UUID")
			return
		}

		userID := r.Header.Get(HeaderUserID)
		if userID != "" {
			if _, err := uuid.Parse(userID); err != nil {
				unauthorized(w, HeaderUserID+" must be a UUID")
				return
			}
		}

		id := Identity{
			TenantID:  tenantID,
			UserID:    userID,
			IPAddress: clientIP(r),
			UserAgent: r.UserAgent(),
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// clientIP strips the port from RemoteAddr. middleware.RealIP may already
// have replaced it with a bare address.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized", "message": message})
}
