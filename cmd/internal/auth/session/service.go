package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"vouch/cmd/identity"
	"vouch/cmd/security/password"
	"vouch/cmd/security/token"
)

// Service implements the high-level credential and session operations.
//
// It registers and authenticates users, issues access/refresh token pairs,
// verifies access tokens statelessly, rotates refresh tokens with reuse
// detection, and revokes sessions per-device or user-wide.
type Service struct {
	cfg       Config
	users     identity.Store
	sessions  Store
	codec     *token.Codec
	passwords *password.Hasher

	now func() time.Time
}

// Issued is the result of authenticating or rotating: a short-lived access
// token plus the refresh token that continues the session chain.
type Issued struct {
	SessionID        string
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// Principal is the verified caller attached to a request after access-token
// verification.
type Principal struct {
	UserID       string
	Role         identity.Role
	TokenVersion int64

	// SessionID comes from the token's sid claim when present. Informational;
	// verification does not depend on it.
	SessionID string
}

// IsAdmin reports whether the principal carries the admin role.
func (p Principal) IsAdmin() bool { return p.Role == identity.RoleAdmin }

// NewService constructs a Service.
func NewService(cfg Config, users identity.Store, sessions Store, codec *token.Codec, passwords *password.Hasher) (*Service, error) {
	if users == nil || sessions == nil || codec == nil || passwords == nil {
		return nil, errors.New("session: nil dependency")
	}
	return &Service{
		cfg:       cfg,
		users:     users,
		sessions:  sessions,
		codec:     codec,
		passwords: passwords,
		now:       time.Now,
	}, nil
}

// RegisterInput describes a signup request.
type RegisterInput struct {
	Username string
	Email    string
	Name     string
	Role     string
	Password string
}

// Register creates a new account. Only self-registerable roles are accepted;
// recruiters start inactive and wait for an admin. Uniqueness conflicts
// surface as identity.ConflictError.
func (s *Service) Register(ctx context.Context, in RegisterInput) (identity.User, error) {
	role, ok := identity.ParseRole(in.Role)
	if !ok {
		return identity.User{}, identity.OpError{
			Op: "session.Register", Kind: identity.ErrInvalidInput, Msg: "unknown role",
		}
	}
	if !role.SelfRegisterable() {
		return identity.User{}, ErrForbidden
	}

	hash, err := s.passwords.Hash(in.Password)
	if err != nil {
		return identity.User{}, err
	}

	return s.users.Create(ctx, identity.CreateInput{
		Username:     in.Username,
		Email:        in.Email,
		Name:         in.Name,
		Role:         role,
		IsActive:     role.ActiveOnSignup(),
		PasswordHash: hash,
		Now:          s.now().UTC(),
	})
}

// Authenticate checks credentials and opens a new session.
//
// A wrong identifier and a wrong password fail identically with
// ErrInvalidCredentials, and the missing-user path still burns a hash
// verification so the two are not separable by timing.
func (s *Service) Authenticate(ctx context.Context, identifier, plainPassword string, dev DeviceContext) (Issued, identity.User, error) {
	now := s.now().UTC()

	user, err := s.users.GetByIdentifier(ctx, identifier)
	if err != nil {
		if identity.IsNotFound(err) || identity.IsInvalidInput(err) {
			s.passwords.DummyVerify(plainPassword)
			return Issued{}, identity.User{}, ErrInvalidCredentials
		}
		return Issued{}, identity.User{}, err
	}

	ok, err := s.passwords.Verify(plainPassword, user.PasswordHash)
	if err != nil || !ok {
		return Issued{}, identity.User{}, ErrInvalidCredentials
	}

	if !user.IsActive {
		return Issued{}, identity.User{}, ErrAccountInactive
	}

	issued, err := s.openSession(ctx, now, user, dev)
	if err != nil {
		return Issued{}, identity.User{}, err
	}
	return issued, user, nil
}

// openSession mints a refresh token, persists its hash as a new session row,
// and issues the paired access token.
func (s *Service) openSession(ctx context.Context, now time.Time, user identity.User, dev DeviceContext) (Issued, error) {
	refreshExp := now.Add(s.cfg.RefreshTTL)

	refreshPlain, err := s.codec.Issue(token.Claims{
		UserID:       user.ID,
		Kind:         token.KindRefresh,
		Role:         string(user.Role),
		TokenVersion: user.TokenVersion,
	}, s.cfg.RefreshTTL)
	if err != nil {
		return Issued{}, err
	}

	sessionID, err := s.sessions.Create(ctx, now, user.ID, dev, token.HashRefreshTokenHex(refreshPlain), refreshExp)
	if err != nil {
		return Issued{}, err
	}

	access, accessExp, err := s.issueAccess(now, user, sessionID)
	if err != nil {
		return Issued{}, err
	}

	return Issued{
		SessionID:        sessionID,
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refreshPlain,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (s *Service) issueAccess(now time.Time, user identity.User, sessionID string) (string, time.Time, error) {
	ttl := s.cfg.AccessTTLFor(string(user.Role))
	raw, err := s.codec.Issue(token.Claims{
		UserID:       user.ID,
		Kind:         token.KindAccess,
		Role:         string(user.Role),
		TokenVersion: user.TokenVersion,
		SessionID:    sessionID,
	}, ttl)
	if err != nil {
		return "", time.Time{}, err
	}
	return raw, now.Add(ttl), nil
}

// VerifyAccess verifies an access token with a single user read and no
// session lookup. Tokens from before the user's last token_version bump fail
// with ErrStaleToken; tokens for unknown users fail hard.
func (s *Service) VerifyAccess(ctx context.Context, raw string) (Principal, error) {
	claims, err := s.codec.Parse(raw)
	if err != nil {
		return Principal{}, err
	}
	if err := claims.RequireKind(token.KindAccess); err != nil {
		return Principal{}, err
	}

	user, err := s.users.GetByID(ctx, claims.UserID)
	if err != nil {
		if identity.IsNotFound(err) {
			return Principal{}, ErrSessionNotFound
		}
		return Principal{}, err
	}
	if !user.IsActive {
		return Principal{}, ErrAccountInactive
	}
	if claims.TokenVersion != user.TokenVersion {
		return Principal{}, ErrStaleToken
	}

	return Principal{
		UserID:       user.ID,
		Role:         user.Role,
		TokenVersion: user.TokenVersion,
		SessionID:    claims.SessionID,
	}, nil
}

// Rotate exchanges a refresh token for a fresh pair. The consumed session is
// revoked and linked to its replacement in one atomic store operation, so a
// concurrently presented copy of the same token loses cleanly.
//
// Presenting an already-rotated token is treated as theft evidence: every
// session of the user is revoked, the token_version is bumped, and the caller
// sees ErrRefreshReuseDetected.
func (s *Service) Rotate(ctx context.Context, rawRefresh string, dev DeviceContext) (Issued, error) {
	rawRefresh = strings.TrimSpace(rawRefresh)
	if rawRefresh == "" || len(rawRefresh) > 4096 {
		return Issued{}, ErrSessionNotFound
	}

	now := s.now().UTC()

	claims, err := s.codec.Parse(rawRefresh)
	if err != nil {
		return Issued{}, err
	}
	if err := claims.RequireKind(token.KindRefresh); err != nil {
		return Issued{}, err
	}

	user, err := s.users.GetByID(ctx, claims.UserID)
	if err != nil {
		if identity.IsNotFound(err) {
			return Issued{}, ErrSessionNotFound
		}
		return Issued{}, err
	}
	if !user.IsActive {
		return Issued{}, ErrAccountInactive
	}
	if claims.TokenVersion != user.TokenVersion {
		return Issued{}, ErrStaleToken
	}

	newRefresh, err := s.codec.Issue(token.Claims{
		UserID:       user.ID,
		Kind:         token.KindRefresh,
		Role:         string(user.Role),
		TokenVersion: user.TokenVersion,
	}, s.cfg.RefreshTTL)
	if err != nil {
		return Issued{}, err
	}
	refreshExp := now.Add(s.cfg.RefreshTTL)

	consumed, err := s.sessions.ConsumeAndReplace(ctx, now, token.HashRefreshTokenHex(rawRefresh), Replacement{
		RefreshTokenHash: token.HashRefreshTokenHex(newRefresh),
		ExpiresAt:        refreshExp,
		Device:           dev,
	})
	if err != nil {
		var reuse ReuseError
		if errors.As(err, &reuse) {
			// Escalate: kill outstanding access tokens too.
			_, _ = s.users.BumpTokenVersion(ctx, reuse.UserID, now)
		}
		return Issued{}, err
	}
	if consumed.Old.UserID != user.ID {
		// The hash resolved to a session the token's subject does not own.
		// The rotation has already committed, so revoke the replacement
		// rather than leave a live row behind.
		_ = s.sessions.Revoke(ctx, now, consumed.NewSessionID, "owner_mismatch")
		return Issued{}, ErrSessionNotFound
	}

	access, accessExp, err := s.issueAccess(now, user, consumed.NewSessionID)
	if err != nil {
		return Issued{}, err
	}

	return Issued{
		SessionID:        consumed.NewSessionID,
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     newRefresh,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// RevokeSession revokes a single session. Owners may revoke their own
// sessions; admins may revoke anyone's.
func (s *Service) RevokeSession(ctx context.Context, caller Principal, sessionID string) error {
	row, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if row.UserID != caller.UserID && !caller.IsAdmin() {
		return ErrForbidden
	}
	return s.sessions.Revoke(ctx, s.now().UTC(), sessionID, "logout")
}

// RevokeAll logs the user out everywhere: the token_version bump invalidates
// every outstanding access token, then the session rows are revoked. The
// bump comes first so a crash between the two steps leaves only stale
// sessions behind, never live ones.
func (s *Service) RevokeAll(ctx context.Context, userID string) error {
	now := s.now().UTC()

	if _, err := s.users.BumpTokenVersion(ctx, userID, now); err != nil {
		return err
	}
	return s.sessions.RevokeAllForUser(ctx, now, userID, "logout_all")
}

// ChangePassword verifies the current password, stores the new digest, and
// revokes every session. The caller logs in again with the new password.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if identity.IsNotFound(err) {
			return ErrSessionNotFound
		}
		return err
	}

	ok, err := s.passwords.Verify(current, user.PasswordHash)
	if err != nil || !ok {
		return ErrInvalidCredentials
	}

	hash, err := s.passwords.Hash(next)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePassword(ctx, userID, hash, s.now().UTC()); err != nil {
		return err
	}
	return s.RevokeAll(ctx, userID)
}

// ListSessions returns the user's active sessions, newest first.
func (s *Service) ListSessions(ctx context.Context, userID string) ([]Row, error) {
	return s.sessions.ListActiveForUser(ctx, s.now().UTC(), userID)
}

// SetAccountActive flips a user's active flag. Deactivation also severs
// every live credential.
func (s *Service) SetAccountActive(ctx context.Context, userID string, active bool) error {
	now := s.now().UTC()

	if err := s.users.SetActive(ctx, userID, active, now); err != nil {
		return err
	}
	if !active {
		return s.RevokeAll(ctx, userID)
	}
	return nil
}

// DeleteAccount soft-deletes the user and severs every live credential.
func (s *Service) DeleteAccount(ctx context.Context, userID string) error {
	now := s.now().UTC()

	if _, err := s.users.BumpTokenVersion(ctx, userID, now); err != nil {
		return err
	}
	if err := s.sessions.RevokeAllForUser(ctx, now, userID, "account_deleted"); err != nil {
		return err
	}
	return s.users.SoftDelete(ctx, userID, now)
}

// User fetches the principal's user record.
func (s *Service) User(ctx context.Context, userID string) (identity.User, error) {
	return s.users.GetByID(ctx, userID)
}
