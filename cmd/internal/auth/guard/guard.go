// Package guard provides the HTTP access-control middleware: bearer token
// verification plus role gating. The websocket gateway applies the same
// verifier contract to tokens presented as a query parameter.
package guard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"vouch/cmd/identity"
	"vouch/cmd/internal/auth/session"
	"vouch/cmd/security/token"
)

// Verifier checks an access token and resolves the calling principal.
// *session.Service satisfies it.
type Verifier interface {
	VerifyAccess(ctx context.Context, raw string) (session.Principal, error)
}

type ctxKey struct{}

// ContextWithPrincipal returns a context carrying the verified principal.
func ContextWithPrincipal(ctx context.Context, p session.Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the principal stored by Middleware, if any.
func FromContext(ctx context.Context) (session.Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(session.Principal)
	return p, ok
}

// Middleware verifies the Authorization bearer token and injects the
// principal into the request context. Requests that fail verification get a
// JSON error and never reach the wrapped handler.
func Middleware(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearer(r)
			if raw == "" {
				deny(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}
			p, err := v.VerifyAccess(r.Context(), raw)
			if err != nil {
				status, code := ClassifyVerifyError(err)
				deny(w, status, code, "access denied")
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), p)))
		})
	}
}

// Require gates a handler on the caller holding one of the given roles.
// It must run inside Middleware.
func Require(roles ...identity.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := FromContext(r.Context())
			if !ok {
				deny(w, http.StatusUnauthorized, "unauthorized", "missing principal")
				return
			}
			for _, role := range roles {
				if p.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			deny(w, http.StatusForbidden, "forbidden", "insufficient role")
		})
	}
}

// ClassifyVerifyError maps a VerifyAccess failure onto an HTTP status and a
// stable error code. Credential and token problems are 401, account and role
// problems are 403.
func ClassifyVerifyError(err error) (int, string) {
	switch {
	case errors.Is(err, token.ErrExpired):
		return http.StatusUnauthorized, "token_expired"
	case errors.Is(err, token.ErrMalformed),
		errors.Is(err, token.ErrSignatureInvalid),
		errors.Is(err, token.ErrWrongKind):
		return http.StatusUnauthorized, "invalid_token"
	case errors.Is(err, session.ErrStaleToken):
		return http.StatusUnauthorized, "token_stale"
	case session.IsSessionInvalid(err):
		return http.StatusUnauthorized, "session_not_active"
	case errors.Is(err, session.ErrAccountInactive):
		return http.StatusForbidden, "account_inactive"
	case errors.Is(err, session.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}

func bearer(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "bearer "
	if len(raw) <= len(prefix) || !strings.EqualFold(raw[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(raw[len(prefix):])
}

func deny(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]map[string]string{
		"error": {"code": code, "message": msg},
	})
}
