package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"vouch/cmd/identity"
	"vouch/cmd/security/password"
	"vouch/cmd/security/token"
)

// testClock delegates to the real clock until Set pins it.
type testClock struct {
	mu    sync.Mutex
	fixed time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fixed.IsZero() {
		return time.Now().UTC()
	}
	return c.fixed
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fixed = t
}

func (c *testClock) Reset() { c.Set(time.Time{}) }

func newTestService(t *testing.T) (*Service, *identity.MemoryStore, *testClock) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.SecretKey = "0123456789abcdef0123456789abcdef"

	clock := &testClock{}
	codec, err := token.NewCodec([]byte(cfg.SecretKey), cfg.Issuer, token.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	pwCfg := password.DefaultConfig()
	pwCfg.Params.MemoryKiB = 8 * 1024
	pwCfg.Params.Iterations = 1
	pwCfg.Params.Parallelism = 1
	hasher, err := password.NewHasher(pwCfg)
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}

	users := identity.NewMemoryStore()
	sessions := NewMemoryStore()

	svc, err := NewService(cfg, users, sessions, codec, hasher)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	svc.now = clock.Now
	return svc, users, clock
}

func register(t *testing.T, svc *Service, username, role string) identity.User {
	t.Helper()
	u, err := svc.Register(context.Background(), RegisterInput{
		Username: username,
		Email:    username + "@example.com",
		Name:     "Test " + username,
		Role:     role,
		Password: "hunter2hunter2",
	})
	if err != nil {
		t.Fatalf("Register(%s): %v", username, err)
	}
	return u
}

func login(t *testing.T, svc *Service, identifier string) Issued {
	t.Helper()
	issued, _, err := svc.Authenticate(context.Background(), identifier, "hunter2hunter2", DeviceContext{UserAgent: "test-agent"})
	if err != nil {
		t.Fatalf("Authenticate(%s): %v", identifier, err)
	}
	return issued
}

func TestRegisterRoles(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	applicant := register(t, svc, "anna", "applicant")
	if !applicant.IsActive {
		t.Fatal("applicants must start active")
	}

	recruiter := register(t, svc, "rita", "recruiter")
	if recruiter.IsActive {
		t.Fatal("recruiters must start inactive")
	}

	_, err := svc.Register(ctx, RegisterInput{
		Username: "boss", Email: "boss@example.com", Role: "admin", Password: "hunter2hunter2",
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("admin signup: want ErrForbidden, got %v", err)
	}

	_, err = svc.Register(ctx, RegisterInput{
		Username: "anna", Email: "dup@example.com", Role: "applicant", Password: "hunter2hunter2",
	})
	if !identity.IsConflict(err) {
		t.Fatalf("duplicate username: want conflict, got %v", err)
	}

	_, err = svc.Register(ctx, RegisterInput{
		Username: "shorty", Email: "shorty@example.com", Role: "applicant", Password: "tiny",
	})
	if !errors.Is(err, password.ErrPasswordTooShort) {
		t.Fatalf("short password: want ErrPasswordTooShort, got %v", err)
	}
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	register(t, svc, "anna", "applicant")

	issued := login(t, svc, "anna")
	if issued.AccessToken == "" || issued.RefreshToken == "" || issued.SessionID == "" {
		t.Fatalf("incomplete issue: %+v", issued)
	}
	if !issued.RefreshExpiresAt.After(issued.AccessExpiresAt) {
		t.Fatal("refresh must outlive access")
	}

	// Wrong password and unknown user must fail identically.
	_, _, err := svc.Authenticate(ctx, "anna", "wrong-password", DeviceContext{})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: want ErrInvalidCredentials, got %v", err)
	}
	_, _, err = svc.Authenticate(ctx, "nobody", "hunter2hunter2", DeviceContext{})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown user: want ErrInvalidCredentials, got %v", err)
	}

	// Inactive account: correct credentials, explicit refusal.
	register(t, svc, "rita", "recruiter")
	_, _, err = svc.Authenticate(ctx, "rita", "hunter2hunter2", DeviceContext{})
	if !errors.Is(err, ErrAccountInactive) {
		t.Fatalf("inactive account: want ErrAccountInactive, got %v", err)
	}

	// Email works as identifier, case-insensitively.
	if _, _, err := svc.Authenticate(ctx, "ANNA@Example.com", "hunter2hunter2", DeviceContext{}); err != nil {
		t.Fatalf("login by email: %v", err)
	}
}

func TestVerifyAccess(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	u := register(t, svc, "anna", "applicant")
	issued := login(t, svc, "anna")

	p, err := svc.VerifyAccess(ctx, issued.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccess: %v", err)
	}
	if p.UserID != u.ID || p.Role != identity.RoleApplicant || p.SessionID != issued.SessionID {
		t.Fatalf("principal mismatch: %+v", p)
	}

	if _, err := svc.VerifyAccess(ctx, issued.RefreshToken); !errors.Is(err, token.ErrWrongKind) {
		t.Fatalf("refresh as access: want ErrWrongKind, got %v", err)
	}
	if _, err := svc.VerifyAccess(ctx, "garbage"); !errors.Is(err, token.ErrMalformed) {
		t.Fatalf("garbage: want ErrMalformed, got %v", err)
	}
}

// A token signed with the right secret but carrying no token_version claim
// decodes as version 0, which can never equal a live user's counter (users
// start at 1), so it reads as stale even for a never-bumped account.
func TestVerifyAccessMissingVersionClaim(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	u := register(t, svc, "anna", "applicant")
	if u.TokenVersion != 1 {
		t.Fatalf("token_version at creation: got %d, want 1", u.TokenVersion)
	}

	now := time.Now().UTC()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":  "vouch",
		"sub":  u.ID,
		"iat":  now.Unix(),
		"exp":  now.Add(time.Hour).Unix(),
		"type": "access",
		"role": "applicant",
	}).SignedString([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := svc.VerifyAccess(ctx, raw); !errors.Is(err, ErrStaleToken) {
		t.Fatalf("versionless token: want ErrStaleToken, got %v", err)
	}
}

func TestRevokeAllStalesTokens(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	u := register(t, svc, "anna", "applicant")
	issued := login(t, svc, "anna")

	if err := svc.RevokeAll(ctx, u.ID); err != nil {
		t.Fatalf("RevokeAll: %v", err)
	}

	// The pre-bump access token is structurally valid but soft-revoked.
	if _, err := svc.VerifyAccess(ctx, issued.AccessToken); !errors.Is(err, ErrStaleToken) {
		t.Fatalf("old access after revoke-all: want ErrStaleToken, got %v", err)
	}
	// The refresh token fails on version before touching the store.
	if _, err := svc.Rotate(ctx, issued.RefreshToken, DeviceContext{}); !errors.Is(err, ErrStaleToken) {
		t.Fatalf("old refresh after revoke-all: want ErrStaleToken, got %v", err)
	}

	// Fresh login works and carries the new version.
	again := login(t, svc, "anna")
	if _, err := svc.VerifyAccess(ctx, again.AccessToken); err != nil {
		t.Fatalf("VerifyAccess after re-login: %v", err)
	}

	sessions, err := svc.ListSessions(ctx, u.ID)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("active sessions after revoke-all + login: got %d, want 1", len(sessions))
	}
}

func TestRotate(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	u := register(t, svc, "anna", "applicant")
	first := login(t, svc, "anna")

	second, err := svc.Rotate(ctx, first.RefreshToken, DeviceContext{UserAgent: "rotated"})
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if second.SessionID == first.SessionID {
		t.Fatal("rotation must produce a new session id")
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatal("rotation must produce a new refresh token")
	}
	if _, err := svc.VerifyAccess(ctx, second.AccessToken); err != nil {
		t.Fatalf("VerifyAccess on rotated pair: %v", err)
	}

	// Lineage: one active session, the replacement.
	active, err := svc.ListSessions(ctx, u.ID)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(active) != 1 || active[0].ID != second.SessionID {
		t.Fatalf("active sessions after rotation: %+v", active)
	}

	// Access tokens never rotate sessions.
	if _, err := svc.Rotate(ctx, second.AccessToken, DeviceContext{}); !errors.Is(err, token.ErrWrongKind) {
		t.Fatalf("access as refresh: want ErrWrongKind, got %v", err)
	}
}

func TestRotateReuseDetection(t *testing.T) {
	t.Parallel()
	svc, users, _ := newTestService(t)
	ctx := context.Background()

	u := register(t, svc, "anna", "applicant")
	first := login(t, svc, "anna")

	second, err := svc.Rotate(ctx, first.RefreshToken, DeviceContext{})
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	// Presenting the consumed token again is theft evidence.
	_, err = svc.Rotate(ctx, first.RefreshToken, DeviceContext{})
	if !errors.Is(err, ErrRefreshReuseDetected) {
		t.Fatalf("reuse: want ErrRefreshReuseDetected, got %v", err)
	}

	// The whole family is dead, including the legitimate replacement.
	if _, err := svc.Rotate(ctx, second.RefreshToken, DeviceContext{}); err == nil {
		t.Fatal("replacement refresh must be dead after reuse")
	}
	if _, err := svc.VerifyAccess(ctx, second.AccessToken); !errors.Is(err, ErrStaleToken) {
		t.Fatalf("replacement access after reuse: want ErrStaleToken, got %v", err)
	}

	got, err := users.GetByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.TokenVersion == u.TokenVersion {
		t.Fatal("reuse must bump token_version")
	}
}

// ownerSwapStore reports a different owner for every consumed session,
// simulating a refresh hash that resolves to a foreign row.
type ownerSwapStore struct {
	Store
	owner string
}

func (s *ownerSwapStore) ConsumeAndReplace(ctx context.Context, now time.Time, refreshHash string, next Replacement) (Consumed, error) {
	consumed, err := s.Store.ConsumeAndReplace(ctx, now, refreshHash, next)
	if err == nil {
		consumed.Old.UserID = s.owner
	}
	return consumed, err
}

func TestRotateOwnerMismatchLeavesNoLiveSession(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	u := register(t, svc, "anna", "applicant")
	issued := login(t, svc, "anna")

	inner := svc.sessions
	svc.sessions = &ownerSwapStore{Store: inner, owner: "someone-else"}

	if _, err := svc.Rotate(ctx, issued.RefreshToken, DeviceContext{}); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("owner mismatch: want ErrSessionNotFound, got %v", err)
	}

	// Neither the consumed session nor its replacement may stay live.
	svc.sessions = inner
	active, err := svc.ListSessions(ctx, u.ID)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("live sessions after owner mismatch: %+v", active)
	}
}

func TestRotateConcurrentSingleWinner(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)

	register(t, svc, "anna", "applicant")
	issued := login(t, svc, "anna")

	const n = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := svc.Rotate(context.Background(), issued.RefreshToken, DeviceContext{})
			switch {
			case err == nil:
				mu.Lock()
				winners++
				mu.Unlock()
			case IsSessionInvalid(err) || errors.Is(err, ErrStaleToken):
				// Losers observe the consumed session, or the version bump
				// that reuse detection triggers.
			default:
				t.Errorf("unexpected rotate error: %v", err)
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("concurrent rotation winners: got %d, want exactly 1", winners)
	}
}

func TestRevokeSession(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	anna := register(t, svc, "anna", "applicant")
	bob := register(t, svc, "bob", "applicant")
	annaSession := login(t, svc, "anna")

	annaP := Principal{UserID: anna.ID, Role: anna.Role}
	bobP := Principal{UserID: bob.ID, Role: bob.Role}

	if err := svc.RevokeSession(ctx, bobP, annaSession.SessionID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("cross-user revoke: want ErrForbidden, got %v", err)
	}
	if err := svc.RevokeSession(ctx, annaP, "01JUNKNOWNSESSIONXXXXXXXXX"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("unknown session: want ErrSessionNotFound, got %v", err)
	}

	if err := svc.RevokeSession(ctx, annaP, annaSession.SessionID); err != nil {
		t.Fatalf("owner revoke: %v", err)
	}
	// Idempotent.
	if err := svc.RevokeSession(ctx, annaP, annaSession.SessionID); err != nil {
		t.Fatalf("repeat revoke: %v", err)
	}

	if _, err := svc.Rotate(ctx, annaSession.RefreshToken, DeviceContext{}); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("rotate revoked session: want ErrSessionRevoked, got %v", err)
	}

	// Admins may revoke anyone's session.
	again := login(t, svc, "anna")
	adminP := Principal{UserID: bob.ID, Role: identity.RoleAdmin}
	if err := svc.RevokeSession(ctx, adminP, again.SessionID); err != nil {
		t.Fatalf("admin revoke: %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	u := register(t, svc, "anna", "applicant")
	issued := login(t, svc, "anna")

	if err := svc.ChangePassword(ctx, u.ID, "wrong-password", "n3w-password!"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong current password: want ErrInvalidCredentials, got %v", err)
	}

	if err := svc.ChangePassword(ctx, u.ID, "hunter2hunter2", "n3w-password!"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}

	// Everything issued before the change is dead.
	if _, err := svc.VerifyAccess(ctx, issued.AccessToken); !errors.Is(err, ErrStaleToken) {
		t.Fatalf("old access: want ErrStaleToken, got %v", err)
	}

	if _, _, err := svc.Authenticate(ctx, "anna", "hunter2hunter2", DeviceContext{}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password: want ErrInvalidCredentials, got %v", err)
	}
	if _, _, err := svc.Authenticate(ctx, "anna", "n3w-password!", DeviceContext{}); err != nil {
		t.Fatalf("new password: %v", err)
	}
}

func TestDeactivateAndDelete(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	anna := register(t, svc, "anna", "applicant")
	issued := login(t, svc, "anna")

	if err := svc.SetAccountActive(ctx, anna.ID, false); err != nil {
		t.Fatalf("SetAccountActive(false): %v", err)
	}
	if _, err := svc.VerifyAccess(ctx, issued.AccessToken); !errors.Is(err, ErrAccountInactive) {
		t.Fatalf("access while inactive: want ErrAccountInactive, got %v", err)
	}

	if err := svc.SetAccountActive(ctx, anna.ID, true); err != nil {
		t.Fatalf("SetAccountActive(true): %v", err)
	}
	reissued := login(t, svc, "anna")

	if err := svc.DeleteAccount(ctx, anna.ID); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}
	if _, err := svc.VerifyAccess(ctx, reissued.AccessToken); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("access after delete: want ErrSessionNotFound, got %v", err)
	}
	if _, _, err := svc.Authenticate(ctx, "anna", "hunter2hunter2", DeviceContext{}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("login after delete: want ErrInvalidCredentials, got %v", err)
	}
}

func TestListSessions(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	u := register(t, svc, "anna", "applicant")

	first := login(t, svc, "anna")
	second := login(t, svc, "anna")

	active, err := svc.ListSessions(ctx, u.ID)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("active sessions: got %d, want 2", len(active))
	}

	annaP := Principal{UserID: u.ID, Role: u.Role}
	if err := svc.RevokeSession(ctx, annaP, first.SessionID); err != nil {
		t.Fatalf("RevokeSession: %v", err)
	}

	active, err = svc.ListSessions(ctx, u.ID)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(active) != 1 || active[0].ID != second.SessionID {
		t.Fatalf("active sessions after revoke: %+v", active)
	}
}

func TestExpiredRefreshRejected(t *testing.T) {
	t.Parallel()
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	register(t, svc, "anna", "applicant")

	// Issue in the past so both the JWT and the session row are expired now.
	clock.Set(time.Now().UTC().Add(-8 * 24 * time.Hour))
	issued := login(t, svc, "anna")
	clock.Reset()

	if _, err := svc.Rotate(ctx, issued.RefreshToken, DeviceContext{}); !errors.Is(err, token.ErrExpired) {
		t.Fatalf("expired refresh: want ErrExpired, got %v", err)
	}
	if _, err := svc.VerifyAccess(ctx, issued.AccessToken); !errors.Is(err, token.ErrExpired) {
		t.Fatalf("expired access: want ErrExpired, got %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	t.Setenv("VOUCH_JWT_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("VOUCH_AUTH_ACCESS_TTL", "45m")
	t.Setenv("VOUCH_AUTH_ADMIN_ACCESS_TTL", "")
	t.Setenv("VOUCH_AUTH_REFRESH_TTL", "")
	t.Setenv("VOUCH_AUTH_ISSUER", "")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if cfg.AccessTTL != 45*time.Minute {
		t.Fatalf("access ttl: %v", cfg.AccessTTL)
	}
	if cfg.AccessTTLFor("admin") != cfg.AdminAccessTTL {
		t.Fatal("admin role must use the admin ttl")
	}
	if cfg.AccessTTLFor("applicant") != cfg.AccessTTL {
		t.Fatal("non-admin roles must use the default ttl")
	}

	t.Setenv("VOUCH_JWT_SECRET", "short")
	if _, err := LoadConfigFromEnv(); !errors.Is(err, ErrConfig) {
		t.Fatalf("short secret: want ErrConfig, got %v", err)
	}

	t.Setenv("VOUCH_JWT_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("VOUCH_AUTH_ACCESS_TTL", "30m")
	t.Setenv("VOUCH_AUTH_REFRESH_TTL", "5m")
	if _, err := LoadConfigFromEnv(); !errors.Is(err, ErrConfig) {
		t.Fatalf("access ttl above refresh ttl: want ErrConfig, got %v", err)
	}
}
