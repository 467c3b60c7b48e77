package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// Identity headers are set by the trusted gateway in front of the engine.
const (
	HeaderUserID  = "X-User-ID"
	HeaderAdminID = "X-Admin-ID"
)

type ctxKey int

const (
	userKey ctxKey = iota
	adminKey
)

// APIKey returns middleware that validates requests using either a Bearer
// token in the Authorization header or a static key in the X-API-Key header.
// If apiKey is empty, the middleware passes all requests through.
func APIKey(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			token := extractToken(r)
			if token == "" {
				writeError(w, "missing authentication token", http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
				writeError(w, "invalid authentication token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// Principal attaches the gateway-supplied identities to the request
// context. It does not reject anything; RequireUser and RequireAdmin do.
func Principal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if uid := strings.TrimSpace(r.Header.Get(HeaderUserID)); uid != "" {
			ctx = context.WithValue(ctx, userKey, uid)
		}
		if aid := strings.TrimSpace(r.Header.Get(HeaderAdminID)); aid != "" {
			ctx = context.WithValue(ctx, adminKey, aid)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserID returns the authenticated user, if any.
func UserID(ctx context.Context) string {
	s, _ := ctx.Value(userKey).(string)
	return s
}

// AdminID returns the authenticated admin, if any.
func AdminID(ctx context.Context) string {
	s, _ := ctx.Value(adminKey).(string)
	return s
}

// RequireUser rejects requests without a user or admin identity.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if UserID(r.Context()) == "" && AdminID(r.Context()) == "" {
			writeError(w, "missing "+HeaderUserID, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin rejects requests without an admin identity.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if AdminID(r.Context()) == "" {
			writeError(w, "admin access required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// canAccess reports whether the caller may read userID's data.
func canAccess(ctx context.Context, userID string) bool {
	return AdminID(ctx) != "" || UserID(ctx) == userID
}
