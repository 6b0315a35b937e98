package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/onnwee/hookpulse/internal/auth"
)

// TokenAuthorizer validates a bearer token for a scope.
type TokenAuthorizer interface {
	Authorize(token string, scope auth.Scope) (*auth.Claims, error)
}

// AccessTokenParam is the query parameter accepted in place of the
// Authorization header, for browser WebSocket clients that cannot set headers.
const AccessTokenParam = "access_token"

// bearerToken extracts the token from the Authorization header or, failing
// that, the access_token query parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get(AccessTokenParam)
}

// RequireScope rejects requests without a valid token granting scope. A nil
// authorizer disables authentication. metrics may be nil.
func RequireScope(authorizer TokenAuthorizer, scope auth.Scope, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if authorizer == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				reject(w, r, metrics, "missing", http.StatusUnauthorized, "auth_failed", "Bearer token required")
				return
			}
			claims, err := authorizer.Authorize(token, scope)
			switch {
			case err == nil:
			case errors.Is(err, auth.ErrMissingScope):
				reject(w, r, metrics, "scope", http.StatusForbidden, "forbidden", "Token does not grant "+string(scope))
				return
			case errors.Is(err, auth.ErrExpiredToken):
				reject(w, r, metrics, "expired", http.StatusUnauthorized, "auth_failed", "Token has expired")
				return
			default:
				reject(w, r, metrics, "invalid", http.StatusUnauthorized, "auth_failed", "Invalid token")
				return
			}
			ctx := SetPrincipal(r.Context(), claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func reject(w http.ResponseWriter, r *http.Request, metrics *Metrics, reason string, status int, code, message string) {
	if metrics != nil {
		metrics.IncAuthFailures(reason)
	}
	SetErrorCode(r.Context(), code)
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="hookpulse"`)
	}
	writeEnvelope(w, status, code, message)
}
