package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/coder/websocket"

	"vouch/cmd/identity/ids"
	"vouch/cmd/internal/auth/guard"
)

// StatusUnauthorized is the application close code for authentication
// failures, both at the handshake and when a live connection's token stops
// verifying.
const StatusUnauthorized websocket.StatusCode = 4401

// MessageHandler receives inbound frames from an authenticated connection.
// Frame semantics live with the embedding application; the gateway only
// guarantees the sender was verified.
type MessageHandler func(ctx context.Context, c *Conn, data []byte)

// Gateway is the authenticated websocket entrypoint.
//
// The access token arrives as the "token" query parameter. It is verified on
// upgrade and re-verified every ReverifyInterval while the connection lives;
// any verification failure closes the socket with StatusUnauthorized.
type Gateway struct {
	log      *slog.Logger
	verifier guard.Verifier
	registry *Registry
	handle   MessageHandler
	cfg      Config

	// Derived for websocket.Accept, which wants host patterns rather than
	// full origins for cross-origin upgrades.
	originPatterns []string
}

// NewGateway constructs a gateway. A nil registry gets a fresh one; a nil
// handler means inbound frames are dropped after rate accounting.
func NewGateway(log *slog.Logger, verifier guard.Verifier, registry *Registry, handler MessageHandler, cfg Config) (*Gateway, error) {
	if verifier == nil {
		return nil, errors.New("realtime: nil verifier")
	}
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if registry == nil {
		registry = NewRegistry()
	}
	cfg = cfg.normalized()

	return &Gateway{
		log:            log,
		verifier:       verifier,
		registry:       registry,
		handle:         handler,
		cfg:            cfg,
		originPatterns: originPatterns(cfg.AllowedOrigins),
	}, nil
}

// Registry exposes the connection registry, for metrics and admin cuts.
func (g *Gateway) Registry() *Registry { return g.registry }

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

type readyFrame struct {
	Type   string `json:"type"`
	ConnID string `json:"conn_id"`
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// HandleWS upgrades the request, authenticates it, and runs the connection
// loops until the peer leaves or verification fails.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	rawToken := strings.TrimSpace(r.URL.Query().Get("token"))

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.originPatterns,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if rawToken == "" {
		_ = conn.Close(StatusUnauthorized, "token required")
		return
	}
	principal, err := g.verifier.VerifyAccess(r.Context(), rawToken)
	if err != nil {
		_, code := guard.ClassifyVerifyError(err)
		g.log.Info("ws.reject.token", "code", code, "remote", r.RemoteAddr)
		_ = conn.Close(StatusUnauthorized, code)
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	connID, err := ids.NewULID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "id generation failed")
		return
	}

	c := newConn(connID, principal, g.cfg.SendQueueSize)
	g.registry.add(c)
	defer g.registry.remove(c)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Break the read loop when anything terminates the connection.
	go func() {
		select {
		case <-ctx.Done():
		case <-c.done:
		}
		cancel()
	}()

	hello, _ := json.Marshal(readyFrame{
		Type:   "ready",
		ConnID: c.ID,
		UserID: principal.UserID,
		Role:   string(principal.Role),
	})
	if err := g.writeFrame(ctx, conn, hello); err != nil {
		c.Terminate(websocket.StatusAbnormalClosure, "write failed")
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case data := <-c.send:
				if err := g.writeFrame(ctx, conn, data); err != nil {
					g.log.Info("ws.write.fail", "conn_id", c.ID, "err", err)
					c.Terminate(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		g.heartbeatLoop(ctx, conn, c)
	}()

	reverifyDone := make(chan struct{})
	go func() {
		defer close(reverifyDone)
		g.reverifyLoop(ctx, c, rawToken)
	}()

	limiter := newFrameLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		typ, data, err := conn.Read(readCtx)
		readCancel()

		if err != nil {
			switch {
			case websocket.CloseStatus(err) != -1:
				c.Terminate(websocket.StatusNormalClosure, "peer closed")
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				c.Terminate(websocket.StatusNormalClosure, "idle")
			case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
				c.Terminate(websocket.StatusAbnormalClosure, "conn closed")
			default:
				g.log.Info("ws.read.fail", "conn_id", c.ID, "err", err)
				c.Terminate(websocket.StatusAbnormalClosure, "read failed")
			}
			break readLoop
		}

		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			continue
		}
		if !limiter.allow(time.Now().UTC()) {
			c.Terminate(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if g.handle != nil {
			g.handle(ctx, c, data)
		}
	}

	code, reason := c.closeStatus()
	_ = conn.Close(code, reason)
	cancel()

	<-writerDone
	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
	select {
	case <-reverifyDone:
	case <-time.After(closeGrace):
	}
}

func (g *Gateway) writeFrame(parent context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(parent, g.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (g *Gateway) heartbeatLoop(ctx context.Context, conn *websocket.Conn, c *Conn) {
	t := time.NewTicker(g.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-t.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()

			if err != nil {
				failures++
				g.log.Info("ws.ping.fail", "conn_id", c.ID, "failures", failures, "err", err)
				if failures >= maxPingFailures {
					c.Terminate(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// reverifyLoop re-checks the presented access token on a fixed interval so
// token expiry, session revocation and token_version bumps cut live
// connections.
func (g *Gateway) reverifyLoop(ctx context.Context, c *Conn, rawToken string) {
	t := time.NewTicker(g.cfg.ReverifyInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-t.C:
			vctx, vcancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
			_, err := g.verifier.VerifyAccess(vctx, rawToken)
			vcancel()

			if err != nil {
				if ctx.Err() != nil {
					return
				}
				_, code := guard.ClassifyVerifyError(err)
				g.log.Info("ws.reverify.fail", "conn_id", c.ID, "code", code)
				c.Terminate(StatusUnauthorized, code)
				return
			}
		}
	}
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}
	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (empty allowlist)")
	}

	host := originHost(origin)
	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
			continue
		case a == "*":
			return nil
		case origin == a:
			return nil
		case host != "" && host == originHost(a):
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

// originHost extracts the lowercase host from a full origin, host:port, or
// bare host string.
func originHost(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Host
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// originPatterns derives the host patterns websocket.Accept matches
// cross-origin upgrades against.
func originPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		if h := originHost(a); h != "" && h != "*" {
			seen[h] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
