package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// ScopeAdmin grants access to state-changing endpoints.
const ScopeAdmin = "admin"

// claimsKey is a context key for the authenticated token claims.
type claimsKey struct{}

// ClaimsFromContext returns the token claims from the request context.
// Returns nil if the request is not authenticated.
func ClaimsFromContext(ctx context.Context) *Claims {
	if c, ok := ctx.Value(claimsKey{}).(*Claims); ok {
		return c
	}
	return nil
}

// Middleware validates bearer tokens on API routes. Non-API paths
// (healthz, readyz, metrics) are skipped. Browsers cannot set headers on
// WebSocket requests, so the token may also be passed as ?token=.
// Non-GET requests require the admin scope.
func Middleware(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, "/api/") {
				next.ServeHTTP(w, r)
				return
			}

			tokenString := ""
			if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
				tokenString = strings.TrimPrefix(h, "Bearer ")
			} else if q := r.URL.Query().Get("token"); q != "" {
				tokenString = q
			}
			if tokenString == "" {
				writeAuthError(w, http.StatusUnauthorized, "missing or invalid authorization header")
				return
			}

			claims, err := tokens.Validate(tokenString)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			if r.Method != http.MethodGet && r.Method != http.MethodHead && claims.Scope != ScopeAdmin {
				writeAuthError(w, http.StatusForbidden, "token scope does not allow this request")
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   "about:blank",
		"title":  http.StatusText(status),
		"status": status,
		"detail": detail,
	})
}
