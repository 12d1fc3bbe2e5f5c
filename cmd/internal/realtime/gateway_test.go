package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"vouch/cmd/identity"
	"vouch/cmd/internal/auth/session"
	"vouch/cmd/security/password"
	"vouch/cmd/security/token"
)

func newTestService(t *testing.T) *session.Service {
	t.Helper()

	cfg := session.Config{
		Issuer:         "vouch-test",
		AccessTTL:      30 * time.Minute,
		AdminAccessTTL: 10 * time.Minute,
		RefreshTTL:     7 * 24 * time.Hour,
		SecretKey:      "0123456789abcdef0123456789abcdef",
	}
	codec, err := token.NewCodec([]byte(cfg.SecretKey), cfg.Issuer)
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}

	pwCfg := password.DefaultConfig()
	pwCfg.Params.MemoryKiB = 8 * 1024
	pwCfg.Params.Iterations = 1
	hasher, err := password.NewHasher(pwCfg)
	if err != nil {
		t.Fatalf("new hasher: %v", err)
	}

	svc, err := session.NewService(cfg, identity.NewMemoryStore(), session.NewMemoryStore(), codec, hasher)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func issueAccess(t *testing.T, svc *session.Service, username string) (string, string) {
	t.Helper()

	u, err := svc.Register(t.Context(), session.RegisterInput{
		Username: username,
		Email:    username + "@example.com",
		Role:     "applicant",
		Password: "hunter2hunter2",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	issued, _, err := svc.Authenticate(t.Context(), username, "hunter2hunter2", session.DeviceContext{})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	return issued.AccessToken, u.ID
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.OriginRequired = false
	cfg.ReverifyInterval = 50 * time.Millisecond
	cfg.HeartbeatInterval = time.Hour
	return cfg
}

func newTestServer(t *testing.T, svc *session.Service, handler MessageHandler, cfg Config) (*httptest.Server, *Gateway) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, err := NewGateway(log, svc, NewRegistry(), handler, cfg)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	ts := httptest.NewServer(gw)
	t.Cleanup(ts.Close)
	return ts, gw
}

func dial(t *testing.T, ctx context.Context, ts *httptest.Server, tok string) *websocket.Conn {
	t.Helper()

	u := "ws" + strings.TrimPrefix(ts.URL, "http")
	if tok != "" {
		u += "/?token=" + tok
	}
	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

// waitClose reads until the server closes the socket and returns the status.
func waitClose(ctx context.Context, conn *websocket.Conn) websocket.StatusCode {
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return websocket.CloseStatus(err)
		}
	}
}

func TestHandshakeRejectsMissingToken(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, newTestService(t), nil, testConfig())
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, ts, "")
	defer conn.CloseNow()

	if got := waitClose(ctx, conn); got != StatusUnauthorized {
		t.Fatalf("close status = %d, want %d", got, StatusUnauthorized)
	}
}

func TestHandshakeRejectsGarbageToken(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, newTestService(t), nil, testConfig())
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, ts, "not-a-jwt")
	defer conn.CloseNow()

	if got := waitClose(ctx, conn); got != StatusUnauthorized {
		t.Fatalf("close status = %d, want %d", got, StatusUnauthorized)
	}
}

func TestHandshakeReady(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	tok, userID := issueAccess(t, svc, "wendy")
	ts, gw := newTestServer(t, svc, nil, testConfig())

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, ts, tok)
	defer conn.CloseNow()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read ready: %v", err)
	}
	var ready readyFrame
	if err := json.Unmarshal(data, &ready); err != nil {
		t.Fatalf("decode ready %q: %v", data, err)
	}
	if ready.Type != "ready" || ready.UserID != userID || ready.Role != "applicant" {
		t.Fatalf("ready = %+v", ready)
	}
	if n := gw.Registry().CountForUser(userID); n != 1 {
		t.Fatalf("registry count = %d, want 1", n)
	}
}

func TestEchoHandler(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	tok, _ := issueAccess(t, svc, "xavier")
	echo := func(ctx context.Context, c *Conn, data []byte) {
		c.Send(ctx, data)
	}
	ts, _ := newTestServer(t, svc, echo, testConfig())

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, ts, tok)
	defer conn.CloseNow()

	if _, _, err := conn.Read(ctx); err != nil { // ready frame
		t.Fatalf("read ready: %v", err)
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte("ping-me")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(data) != "ping-me" {
		t.Fatalf("echo = %q", data)
	}
}

func TestReverifyCutsRevokedUser(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	tok, userID := issueAccess(t, svc, "yara")
	ts, _ := newTestServer(t, svc, nil, testConfig())

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, ts, tok)
	defer conn.CloseNow()

	if _, _, err := conn.Read(ctx); err != nil {
		t.Fatalf("read ready: %v", err)
	}

	// RevokeAll bumps token_version; the next re-verification tick fails.
	if err := svc.RevokeAll(t.Context(), userID); err != nil {
		t.Fatalf("revoke all: %v", err)
	}

	if got := waitClose(ctx, conn); got != StatusUnauthorized {
		t.Fatalf("close status = %d, want %d", got, StatusUnauthorized)
	}
}

func TestRegistryCloseUser(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	tok, userID := issueAccess(t, svc, "zack")
	ts, gw := newTestServer(t, svc, nil, testConfig())

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, ts, tok)
	defer conn.CloseNow()

	if _, _, err := conn.Read(ctx); err != nil {
		t.Fatalf("read ready: %v", err)
	}

	if n := gw.Registry().CloseUser(userID, StatusUnauthorized, "account cut"); n != 1 {
		t.Fatalf("CloseUser = %d, want 1", n)
	}
	if got := waitClose(ctx, conn); got != StatusUnauthorized {
		t.Fatalf("close status = %d, want %d", got, StatusUnauthorized)
	}
}

func TestRateLimitCloses(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	tok, _ := issueAccess(t, svc, "amos")
	cfg := testConfig()
	cfg.RateEvents = 3
	cfg.RateWindow = time.Minute
	ts, _ := newTestServer(t, svc, nil, cfg)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, ts, tok)
	defer conn.CloseNow()

	if _, _, err := conn.Read(ctx); err != nil {
		t.Fatalf("read ready: %v", err)
	}

	for i := 0; i < 10; i++ {
		if err := conn.Write(ctx, websocket.MessageText, []byte("x")); err != nil {
			break
		}
	}
	if got := waitClose(ctx, conn); got != websocket.StatusPolicyViolation {
		t.Fatalf("close status = %d, want %d", got, websocket.StatusPolicyViolation)
	}
}

func TestOriginPolicy(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		cfg     Config
		origin  string
		allowed bool
	}{
		{"missing origin required", Config{OriginRequired: true}, "", false},
		{"missing origin optional", Config{OriginRequired: false}, "", true},
		{"exact match", Config{AllowedOrigins: []string{"https://app.example.com"}}, "https://app.example.com", true},
		{"host match ignores port", Config{AllowedOrigins: []string{"http://localhost"}}, "http://localhost:3000", true},
		{"wildcard", Config{AllowedOrigins: []string{"*"}}, "https://anywhere.example", true},
		{"not in allowlist", Config{AllowedOrigins: []string{"http://localhost"}}, "https://evil.example", false},
		{"empty allowlist", Config{}, "https://app.example.com", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := &Gateway{cfg: tc.cfg.normalized()}
			r := httptest.NewRequest("GET", "/ws", nil)
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}
			err := g.enforceOrigin(r)
			if tc.allowed && err != nil {
				t.Fatalf("enforceOrigin = %v, want nil", err)
			}
			if !tc.allowed && err == nil {
				t.Fatal("enforceOrigin = nil, want error")
			}
		})
	}
}
