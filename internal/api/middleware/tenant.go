package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/fleetgate/fleetgate/pkg/models"
)

type contextKey string

const (
	// TenantIDKey is the context key for the tenant id.
	TenantIDKey contextKey = "tenant_id"
	// UserIDKey is the context key for the user id.
	UserIDKey contextKey = "user_id"
	// SessionIDKey is the context key for the session id.
	SessionIDKey contextKey = "session_id"
)

// UserContextExtractor reads the identity headers into the request context.
// X-Tenant-Id is required; requests without it are rejected before they
// reach a handler.
func UserContextExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := strings.TrimSpace(r.Header.Get("X-Tenant-Id"))
		if tenant == "" {
			http.Error(w, `{"error":"missing X-Tenant-Id header"}`, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), TenantIDKey, tenant)
		if user := strings.TrimSpace(r.Header.Get("X-User-Id")); user != "" {
			ctx = context.WithValue(ctx, UserIDKey, user)
		}
		if session := strings.TrimSpace(r.Header.Get("X-Session-Id")); session != "" {
			ctx = context.WithValue(ctx, SessionIDKey, session)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetTenantID retrieves the tenant id from the request context.
func GetTenantID(ctx context.Context) string {
	if v, ok := ctx.Value(TenantIDKey).(string); ok {
		return v
	}
	return ""
}

// GetUserContext builds the UserContext the core operates on.
func GetUserContext(ctx context.Context) models.UserContext {
	uc := models.UserContext{TenantID: GetTenantID(ctx)}
	if v, ok := ctx.Value(UserIDKey).(string); ok {
		uc.UserID = v
	}
	if v, ok := ctx.Value(SessionIDKey).(string); ok {
		uc.SessionID = v
	}
	return uc
}
