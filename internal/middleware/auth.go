package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/shellgate/shellgate/internal/auth"
	"github.com/shellgate/shellgate/internal/config"
	"github.com/shellgate/shellgate/internal/database"
)

type contextKey string

const principalContextKey contextKey = "principal"

func deny(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// RequireAuth resolves the session cookie to a principal and stores it on
// the request context. The session store carries the identity snapshot, so
// no user-table query happens per request; deleted users are handled by
// session revocation at delete time.
func RequireAuth(store *auth.SessionStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if config.Cfg.AuthDisabled {
				user, err := database.GetFirstAdmin()
				if err != nil {
					deny(w, http.StatusInternalServerError, map[string]string{"detail": "No admin user found"})
					return
				}
				p := auth.Principal{UserID: user.ID, Username: user.Username, Role: user.Role}
				next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
				return
			}

			cookie, err := r.Cookie(auth.SessionCookie)
			if err != nil {
				deny(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
				return
			}

			p, ok := store.Lookup(cookie.Value)
			if !ok {
				deny(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
				return
			}

			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
		})
	}
}

// RequireCapability gates a route on one capability key of the
// authenticated principal's role. Must run inside RequireAuth.
func RequireCapability(capability string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := GetPrincipal(r)
			if !ok || !auth.RoleHas(p.Role, capability) {
				deny(w, http.StatusForbidden, map[string]string{
					"detail":  "Access denied",
					"missing": capability,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := GetPrincipal(r)
		if !ok || p.Role != "admin" {
			deny(w, http.StatusForbidden, map[string]string{"detail": "Admin access required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func withPrincipal(ctx context.Context, p auth.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// GetPrincipal returns the authenticated principal attached by RequireAuth.
func GetPrincipal(r *http.Request) (auth.Principal, bool) {
	p, ok := r.Context().Value(principalContextKey).(auth.Principal)
	return p, ok
}
