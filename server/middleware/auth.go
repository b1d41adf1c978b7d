package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tickloom/tickloom/server/auth"
	"github.com/tickloom/tickloom/server/store"
)

// ContextKey is a strict type for context keys to prevent collisions.
type ContextKey string

// PrincipalKey is the context key for the authenticated principal.
const PrincipalKey ContextKey = "principal"

// Auth enforces API key authentication. STRICT: fails fast on missing or
// malformed headers; every failure gets the same 401 body.
func Auth(svc *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeAuthError(w, "missing Authorization header")
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeAuthError(w, "invalid Authorization format, expected 'Bearer <key>'")
				return
			}

			principal, err := svc.Authenticate(r.Context(), parts[1])
			if err != nil {
				writeAuthError(w, "invalid api key")
				return
			}

			ctx := context.WithValue(r.Context(), PrincipalKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": "unauthorized", "message": msg},
	})
}

// GetPrincipalFromContext retrieves the authenticated principal.
func GetPrincipalFromContext(ctx context.Context) (*auth.Principal, error) {
	val := ctx.Value(PrincipalKey)
	if val == nil {
		return nil, fmt.Errorf("principal not found in context")
	}
	p, ok := val.(*auth.Principal)
	if !ok {
		return nil, fmt.Errorf("principal in context has wrong type")
	}
	return p, nil
}

// GetOrgFromContext is a shortcut for the authenticated organization.
func GetOrgFromContext(ctx context.Context) (*store.Organization, error) {
	p, err := GetPrincipalFromContext(ctx)
	if err != nil {
		return nil, err
	}
	return p.Org, nil
}
