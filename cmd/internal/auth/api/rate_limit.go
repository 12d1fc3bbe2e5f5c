package authapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
)

// checkLoginIPThrottle counts recent login failures from one IP. Past the
// configured cap every attempt from that IP is rejected for the rest of the
// window.
func (h *Handler) checkLoginIPThrottle(ctx context.Context, ip net.IP, now time.Time) (bool, time.Duration, error) {
	if h.pool == nil || ip == nil {
		return false, 0, nil
	}

	q := fmt.Sprintf(
		`SELECT count(*) FROM %s
		 WHERE event = 'auth.login.failed' AND ip = $1::inet AND created_at >= $2`,
		pgx.Identifier{h.schema, "audit_log"}.Sanitize(),
	)
	var n int
	if err := h.pool.QueryRow(ctx, q, ip.String(), now.Add(-h.cfg.LoginIPWindow)).Scan(&n); err != nil {
		return false, 0, err
	}
	if n >= h.cfg.LoginIPMax {
		return true, h.cfg.LoginIPWindow, nil
	}
	return false, 0, nil
}

// checkLoginIdentifierLockout applies a progressive lockout keyed on the
// attempted identifier, so spraying one account from many IPs still locks.
func (h *Handler) checkLoginIdentifierLockout(ctx context.Context, identifier string, now time.Time) (bool, time.Duration, error) {
	if h.pool == nil || identifier == "" {
		return false, 0, nil
	}

	q := fmt.Sprintf(
		`SELECT count(*), coalesce(max(created_at), 'epoch'::timestamptz) FROM %s
		 WHERE event = 'auth.login.failed' AND meta->>'identifier' = $1 AND created_at >= $2`,
		pgx.Identifier{h.schema, "audit_log"}.Sanitize(),
	)
	var (
		n    int
		last time.Time
	)
	if err := h.pool.QueryRow(ctx, q, identifier, now.Add(-h.cfg.LoginUserWindow)).Scan(&n, &last); err != nil {
		return false, 0, err
	}

	var lockout time.Duration
	switch {
	case n >= h.cfg.LockoutSevereThreshold:
		lockout = h.cfg.LockoutSevereDuration
	case n >= h.cfg.LockoutLongThreshold:
		lockout = h.cfg.LockoutLongDuration
	case n >= h.cfg.LockoutShortThreshold:
		lockout = h.cfg.LockoutShortDuration
	default:
		return false, 0, nil
	}

	until := last.Add(lockout)
	if now.Before(until) {
		return true, until.Sub(now), nil
	}
	return false, 0, nil
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	secs := int(retryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts, try again later")
}
