package authapi

import (
	"errors"
	"net/http"
	"strings"

	"vouch/cmd/internal/auth/session"
	"vouch/cmd/security/token"
)

// bearerToken extracts the Bearer token from an Authorization header.
func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	const prefix = "bearer "
	if len(raw) <= len(prefix) || !strings.EqualFold(raw[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(raw[len(prefix):])
}

// requireAuth verifies the caller's access token. On failure it writes the
// error response and returns ok=false.
func (h *Handler) requireAuth(w http.ResponseWriter, r *http.Request) (session.Principal, bool) {
	raw := bearerToken(r)
	if raw == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return session.Principal{}, false
	}

	p, err := h.auth.VerifyAccess(r.Context(), raw)
	if err != nil {
		h.writeAuthFailure(w, err, "auth.verify.fail")
		return session.Principal{}, false
	}
	return p, true
}

// writeAuthFailure maps token and session errors onto HTTP responses.
func (h *Handler) writeAuthFailure(w http.ResponseWriter, err error, logKey string) {
	switch {
	case errors.Is(err, token.ErrExpired):
		writeError(w, http.StatusUnauthorized, "token_expired", "token has expired")
	case errors.Is(err, token.ErrMalformed),
		errors.Is(err, token.ErrSignatureInvalid),
		errors.Is(err, token.ErrWrongKind):
		writeError(w, http.StatusUnauthorized, "invalid_token", "invalid token")
	case errors.Is(err, session.ErrStaleToken):
		writeError(w, http.StatusUnauthorized, "token_stale", "token version is stale")
	case errors.Is(err, session.ErrRefreshReuseDetected):
		writeError(w, http.StatusUnauthorized, "refresh_reuse_detected", "refresh token reuse detected")
	case session.IsSessionInvalid(err):
		writeError(w, http.StatusUnauthorized, "session_not_active", "session is no longer active")
	case errors.Is(err, session.ErrAccountInactive):
		writeError(w, http.StatusForbidden, "account_inactive", "account is not active")
	case errors.Is(err, session.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "forbidden")
	default:
		h.log.Error(logKey, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}
