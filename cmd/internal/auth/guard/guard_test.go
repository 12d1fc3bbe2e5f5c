package guard

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"vouch/cmd/identity"
	"vouch/cmd/internal/auth/session"
	"vouch/cmd/security/token"
)

type stubVerifier struct {
	principals map[string]session.Principal
	errs       map[string]error
}

func (s *stubVerifier) VerifyAccess(_ context.Context, raw string) (session.Principal, error) {
	if err, ok := s.errs[raw]; ok {
		return session.Principal{}, err
	}
	if p, ok := s.principals[raw]; ok {
		return p, nil
	}
	return session.Principal{}, token.ErrSignatureInvalid
}

func newStub() *stubVerifier {
	return &stubVerifier{
		principals: map[string]session.Principal{
			"user-token":  {UserID: "u1", Role: identity.RoleApplicant, TokenVersion: 1},
			"admin-token": {UserID: "a1", Role: identity.RoleAdmin, TokenVersion: 1},
		},
		errs: map[string]error{
			"expired-token":  token.ErrExpired,
			"stale-token":    session.ErrStaleToken,
			"inactive-token": session.ErrAccountInactive,
			"revoked-token":  session.ErrSessionRevoked,
		},
	}
}

func get(t *testing.T, h http.Handler, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareInjectsPrincipal(t *testing.T) {
	t.Parallel()

	var got session.Principal
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := FromContext(r.Context())
		if !ok {
			t.Error("principal missing from context")
		}
		got = p
		w.WriteHeader(http.StatusOK)
	})
	h := Middleware(newStub())(inner)

	rec := get(t, h, "user-token")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got.UserID != "u1" || got.Role != identity.RoleApplicant {
		t.Fatalf("principal = %+v", got)
	}
}

func TestMiddlewareDenies(t *testing.T) {
	t.Parallel()

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached on denied request")
	})
	h := Middleware(newStub())(inner)

	cases := []struct {
		name   string
		bearer string
		want   int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"unknown token", "junk", http.StatusUnauthorized},
		{"expired token", "expired-token", http.StatusUnauthorized},
		{"stale token", "stale-token", http.StatusUnauthorized},
		{"revoked session", "revoked-token", http.StatusUnauthorized},
		{"inactive account", "inactive-token", http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := get(t, h, tc.bearer)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	t.Parallel()

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := Middleware(newStub())(Require(identity.RoleAdmin)(inner))

	if rec := get(t, h, "admin-token"); rec.Code != http.StatusOK {
		t.Fatalf("admin status = %d, want 200", rec.Code)
	}
	if rec := get(t, h, "user-token"); rec.Code != http.StatusForbidden {
		t.Fatalf("applicant status = %d, want 403", rec.Code)
	}

	// Require without Middleware has no principal to check.
	bare := Require(identity.RoleAdmin)(inner)
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	rec := httptest.NewRecorder()
	bare.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bare status = %d, want 401", rec.Code)
	}
}
