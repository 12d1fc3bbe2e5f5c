package authapi

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"vouch/cmd/identity"
	"vouch/cmd/internal/auth/guard"
	"vouch/cmd/internal/auth/session"
	"vouch/cmd/security/password"
)

// Handler wires the HTTP auth endpoints to the session service.
type Handler struct {
	log  *slog.Logger
	cfg  Config
	auth *session.Service

	// pool backs the audit log and login throttling. Optional: without it the
	// handler still works, it just neither audits nor throttles.
	pool   *pgxpool.Pool
	schema string

	metrics  MetricsRecorder
	cutConns ConnectionCloser
}

// MetricsRecorder receives auth outcome events. Optional.
type MetricsRecorder interface {
	RecordLogin(outcome string)
	RecordRotation(outcome string)
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithAuditLog enables database-backed auditing and login throttling.
func WithAuditLog(pool *pgxpool.Pool, schema string) HandlerOption {
	return func(h *Handler) {
		h.pool = pool
		if s := strings.TrimSpace(schema); s != "" {
			h.schema = s
		}
	}
}

// WithMetrics wires auth outcome counters.
func WithMetrics(m MetricsRecorder) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// ConnectionCloser severs a user's live realtime connections and reports how
// many were closed.
type ConnectionCloser func(userID string) int

// WithConnectionCloser makes admin deactivation and deletion cut the user's
// websocket connections immediately instead of waiting for the gateway's
// periodic re-verification.
func WithConnectionCloser(cut ConnectionCloser) HandlerOption {
	return func(h *Handler) { h.cutConns = cut }
}

// NewHandler constructs an auth Handler.
func NewHandler(log *slog.Logger, cfg Config, auth *session.Service, opts ...HandlerOption) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if auth == nil {
		return nil, errors.New("authapi: nil session service")
	}

	h := &Handler{log: log, cfg: cfg, auth: auth, schema: "vouch"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h, nil
}

// Register wires auth routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/auth/signup", h.handleSignup)
	mux.HandleFunc("/auth/login", h.handleLogin)
	mux.HandleFunc("/auth/refresh", h.handleRefresh)
	mux.HandleFunc("/auth/logout", h.handleLogout)
	mux.HandleFunc("/auth/logout_all", h.handleLogoutAll)
	mux.HandleFunc("/auth/password", h.handleChangePassword)
	mux.HandleFunc("/auth/sessions", h.handleSessionList)
	mux.HandleFunc("/auth/sessions/", h.handleSessionRevoke)
	mux.HandleFunc("/me", h.handleMe)

	adminOnly := guard.Middleware(h.auth)
	requireAdmin := guard.Require(identity.RoleAdmin)
	mux.Handle("/admin/users/", adminOnly(requireAdmin(http.HandlerFunc(h.handleAdminUser))))
}

// ---- handlers ----

func (h *Handler) recordLogin(outcome string) {
	if h.metrics != nil {
		h.metrics.RecordLogin(outcome)
	}
}

func (h *Handler) recordRotation(outcome string) {
	if h.metrics != nil {
		h.metrics.RecordRotation(outcome)
	}
}

func (h *Handler) cutUserConnections(userID string) {
	if h.cutConns == nil {
		return
	}
	if n := h.cutConns(userID); n > 0 {
		h.log.Info("auth.admin.ws_closed", "user_id", userID, "connections", n)
	}
}

func (h *Handler) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req signupRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Username) == "" || strings.TrimSpace(req.Email) == "" ||
		strings.TrimSpace(req.Role) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "username, email, role and password are required")
		return
	}

	ctx := r.Context()
	user, err := h.auth.Register(ctx, session.RegisterInput{
		Username: req.Username,
		Email:    req.Email,
		Name:     req.Name,
		Role:     req.Role,
		Password: req.Password,
	})
	if err != nil {
		switch {
		case errors.Is(err, session.ErrForbidden):
			writeError(w, http.StatusForbidden, "role_not_allowed", "this role cannot self-register")
		case identity.IsConflict(err):
			writeError(w, http.StatusConflict, "conflict", "username or email already exists")
		case errors.Is(err, password.ErrPasswordTooShort), errors.Is(err, password.ErrPasswordTooLong):
			writeError(w, http.StatusBadRequest, "invalid_password", "password does not meet the length policy")
		case identity.IsInvalidInput(err):
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid input")
		default:
			h.log.Error("auth.signup.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}

	h.insertAudit(ctx, "auth.signup", &user.ID, nil, clientIP(r, h.cfg.TrustProxy), r.UserAgent(), nil)
	writeJSON(w, http.StatusCreated, signupResponse{User: toUserResponse(user)})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	identifier := strings.TrimSpace(req.Identifier)
	if identifier == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "identifier and password are required")
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()
	ip := clientIP(r, h.cfg.TrustProxy)
	ua := strings.TrimSpace(r.UserAgent())
	normIdent := identity.NormalizeIdentifier(identifier)

	// Throttle before touching credentials.
	if blocked, retryAfter, err := h.checkLoginIPThrottle(ctx, ip, now); err != nil {
		h.log.Error("auth.login.throttle_ip.fail", "err", err)
		writeError(w, http.StatusServiceUnavailable, "server_busy", "please retry later")
		return
	} else if blocked {
		h.recordLogin("rate_limited")
		h.auditLoginRateLimited(ctx, ip, ua, normIdent, retryAfter)
		writeRateLimited(w, retryAfter)
		return
	}
	if blocked, retryAfter, err := h.checkLoginIdentifierLockout(ctx, normIdent, now); err != nil {
		h.log.Error("auth.login.lockout.fail", "err", err)
		writeError(w, http.StatusServiceUnavailable, "server_busy", "please retry later")
		return
	} else if blocked {
		h.recordLogin("rate_limited")
		h.auditLoginRateLimited(ctx, ip, ua, normIdent, retryAfter)
		writeRateLimited(w, retryAfter)
		return
	}

	dev := session.DeviceContext{UserAgent: ua, IP: ip}
	issued, user, err := h.auth.Authenticate(ctx, identifier, req.Password, dev)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrInvalidCredentials):
			h.recordLogin("invalid_credentials")
			h.auditLoginFailed(ctx, ip, ua, normIdent, "invalid_credentials")
			writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		case errors.Is(err, session.ErrAccountInactive):
			h.recordLogin("account_inactive")
			h.auditLoginFailed(ctx, ip, ua, normIdent, "account_inactive")
			writeError(w, http.StatusForbidden, "account_inactive", "account is not active")
		default:
			h.recordLogin("error")
			h.log.Error("auth.login.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}

	h.recordLogin("success")
	h.auditLoginSuccess(ctx, user.ID, issued.SessionID, ip, ua, normIdent)
	writeJSON(w, http.StatusOK, loginResponse{
		User:    toUserResponse(user),
		Session: toTokenResponse(issued),
	})
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req refreshRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	ctx := r.Context()
	ip := clientIP(r, h.cfg.TrustProxy)
	ua := strings.TrimSpace(r.UserAgent())

	issued, err := h.auth.Rotate(ctx, req.RefreshToken, session.DeviceContext{UserAgent: ua, IP: ip})
	if err != nil {
		if errors.Is(err, session.ErrRefreshReuseDetected) {
			h.recordRotation("reuse_detected")
			h.auditRefreshReuse(ctx, ip, ua)
			writeError(w, http.StatusUnauthorized, "refresh_reuse_detected", "refresh token reuse detected")
			return
		}
		h.recordRotation("denied")
		h.writeAuthFailure(w, err, "auth.refresh.fail")
		return
	}

	h.recordRotation("success")
	h.insertAudit(ctx, "auth.refresh.success", nil, &issued.SessionID, ip, ua, nil)
	writeJSON(w, http.StatusOK, refreshResponse{Session: toTokenResponse(issued)})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	if p.SessionID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "token carries no session")
		return
	}

	ctx := r.Context()
	if err := h.auth.RevokeSession(ctx, p, p.SessionID); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			// Already gone; logout is idempotent from the client's view.
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.log.Error("auth.logout.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.insertAudit(ctx, "auth.logout", &p.UserID, &p.SessionID, clientIP(r, h.cfg.TrustProxy), r.UserAgent(), nil)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	if err := h.auth.RevokeAll(ctx, p.UserID); err != nil {
		h.log.Error("auth.logout_all.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.insertAudit(ctx, "auth.logout_all", &p.UserID, nil, clientIP(r, h.cfg.TrustProxy), r.UserAgent(), nil)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req changePasswordRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if req.CurrentPassword == "" || req.NewPassword == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "current_password and new_password are required")
		return
	}

	ctx := r.Context()
	if err := h.auth.ChangePassword(ctx, p.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		switch {
		case errors.Is(err, session.ErrInvalidCredentials):
			writeError(w, http.StatusUnauthorized, "invalid_credentials", "current password is wrong")
		case errors.Is(err, password.ErrPasswordTooShort), errors.Is(err, password.ErrPasswordTooLong):
			writeError(w, http.StatusBadRequest, "invalid_password", "password does not meet the length policy")
		default:
			h.log.Error("auth.password_change.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}

	h.insertAudit(ctx, "auth.password_changed", &p.UserID, nil, clientIP(r, h.cfg.TrustProxy), r.UserAgent(), nil)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSessionList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	rows, err := h.auth.ListSessions(r.Context(), p.UserID)
	if err != nil {
		h.log.Error("auth.sessions.list.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	resp := sessionsResponse{Sessions: make([]sessionInfo, 0, len(rows))}
	for _, row := range rows {
		resp.Sessions = append(resp.Sessions, toSessionInfo(row, p.SessionID))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSessionRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	sessionID := strings.TrimPrefix(r.URL.Path, "/auth/sessions/")
	if sessionID == "" || strings.Contains(sessionID, "/") {
		writeError(w, http.StatusBadRequest, "invalid_request", "session id is required")
		return
	}

	ctx := r.Context()
	if err := h.auth.RevokeSession(ctx, p, sessionID); err != nil {
		switch {
		case errors.Is(err, session.ErrSessionNotFound):
			writeError(w, http.StatusNotFound, "not_found", "session not found")
		case errors.Is(err, session.ErrForbidden):
			writeError(w, http.StatusForbidden, "forbidden", "not your session")
		default:
			h.log.Error("auth.sessions.revoke.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}

	h.insertAudit(ctx, "auth.session_revoked", &p.UserID, &sessionID, clientIP(r, h.cfg.TrustProxy), r.UserAgent(), nil)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	u, err := h.auth.User(r.Context(), p.UserID)
	if err != nil {
		if identity.IsNotFound(err) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "user not found")
			return
		}
		h.log.Error("auth.me.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	writeJSON(w, http.StatusOK, meResponse{User: toUserResponse(u)})
}

// handleAdminUser dispatches /admin/users/{id} and /admin/users/{id}/active.
// Authentication and the admin role gate run in the guard middleware.
func (h *Handler) handleAdminUser(w http.ResponseWriter, r *http.Request) {
	p, ok := guard.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing principal")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/admin/users/")
	userID, tail, _ := strings.Cut(rest, "/")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user id is required")
		return
	}

	ctx := r.Context()
	switch {
	case tail == "active" && r.Method == http.MethodPost:
		var req setActiveRequest
		if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
			return
		}
		if err := h.auth.SetAccountActive(ctx, userID, req.Active); err != nil {
			h.writeAdminFailure(w, err, "auth.admin.set_active.fail")
			return
		}
		if !req.Active {
			h.cutUserConnections(userID)
		}
		h.insertAudit(ctx, "auth.account_active_changed", &userID, nil,
			clientIP(r, h.cfg.TrustProxy), r.UserAgent(),
			map[string]any{"active": req.Active, "actor": p.UserID})
		w.WriteHeader(http.StatusNoContent)

	case tail == "" && r.Method == http.MethodDelete:
		if err := h.auth.DeleteAccount(ctx, userID); err != nil {
			h.writeAdminFailure(w, err, "auth.admin.delete.fail")
			return
		}
		h.cutUserConnections(userID)
		h.insertAudit(ctx, "auth.account_deleted", &userID, nil,
			clientIP(r, h.cfg.TrustProxy), r.UserAgent(),
			map[string]any{"actor": p.UserID})
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) writeAdminFailure(w http.ResponseWriter, err error, logKey string) {
	if identity.IsNotFound(err) || errors.Is(err, session.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "user not found")
		return
	}
	h.log.Error(logKey, "err", err)
	writeError(w, http.StatusInternalServerError, "server_error", "internal error")
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}
