package authapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
)

// insertAudit records an event in the audit log. Auditing is best effort:
// failures are logged, never surfaced to the client.
func (h *Handler) insertAudit(ctx context.Context, event string, userID, sessionID *string, ip net.IP, userAgent string, meta map[string]any) {
	if h.pool == nil {
		return
	}

	var metaJSON []byte
	if len(meta) > 0 {
		b, err := json.Marshal(meta)
		if err != nil {
			h.log.Error("audit.meta.marshal.fail", "event", event, "err", err)
			return
		}
		metaJSON = b
	}

	var ipText *string
	if ip != nil {
		s := ip.String()
		ipText = &s
	}
	var uaPtr *string
	if userAgent != "" {
		uaPtr = &userAgent
	}

	q := fmt.Sprintf(
		`INSERT INTO %s (event, user_id, session_id, ip, user_agent, meta, created_at)
		 VALUES ($1, $2, $3, $4::inet, $5, $6, $7)`,
		pgx.Identifier{h.schema, "audit_log"}.Sanitize(),
	)
	_, err := h.pool.Exec(ctx, q, event, userID, sessionID, ipText, uaPtr, metaJSON, time.Now().UTC())
	if err != nil {
		h.log.Error("audit.insert.fail", "event", event, "err", err)
	}
}

func (h *Handler) auditLoginSuccess(ctx context.Context, userID, sessionID string, ip net.IP, ua, identifier string) {
	h.insertAudit(ctx, "auth.login.success", &userID, &sessionID, ip, ua,
		map[string]any{"identifier": identifier})
}

func (h *Handler) auditLoginFailed(ctx context.Context, ip net.IP, ua, identifier, reason string) {
	h.insertAudit(ctx, "auth.login.failed", nil, nil, ip, ua,
		map[string]any{"identifier": identifier, "reason": reason})
}

func (h *Handler) auditLoginRateLimited(ctx context.Context, ip net.IP, ua, identifier string, retryAfter time.Duration) {
	h.insertAudit(ctx, "auth.login.rate_limited", nil, nil, ip, ua,
		map[string]any{"identifier": identifier, "retry_after_s": int(retryAfter.Seconds())})
}

func (h *Handler) auditRefreshReuse(ctx context.Context, ip net.IP, ua string) {
	h.insertAudit(ctx, "auth.refresh.reuse_detected", nil, nil, ip, ua, nil)
}
