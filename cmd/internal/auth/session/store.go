package session

import (
	"context"
	"net"
	"time"
)

// DeviceContext describes the client that owns a session.
type DeviceContext struct {
	UserAgent string
	IP        net.IP
}

// Row mirrors the vouch.sessions row.
type Row struct {
	ID                  string
	UserID              string
	RefreshTokenHash    string
	IssuedAt            time.Time
	LastUsedAt          *time.Time
	ExpiresAt           time.Time
	RevokedAt           *time.Time
	ReplacedBySessionID *string
	UserAgent           *string
	IP                  *net.IP
	RevocationReason    *string
}

// Active reports whether the row is usable at the given instant.
func (r Row) Active(now time.Time) bool {
	return r.RevokedAt == nil &&
		r.ReplacedBySessionID == nil &&
		r.ExpiresAt.After(now)
}

// Replacement carries the data for the session row that supersedes a
// consumed one during rotation.
type Replacement struct {
	RefreshTokenHash string
	ExpiresAt        time.Time
	Device           DeviceContext
}

// Consumed is the result of a successful ConsumeAndReplace.
type Consumed struct {
	// Old is the session row that was consumed.
	Old Row
	// NewSessionID identifies the replacement row.
	NewSessionID string
}

// Store abstracts persistence for session state.
//
// ConsumeAndReplace is the load-bearing operation: implementations must make
// it atomic so that when the same refresh hash is consumed concurrently,
// exactly one caller wins and every other caller observes the consumed state.
type Store interface {
	// Create inserts a new session row and returns its ID. A refreshHash
	// already held by any existing row fails with ErrDuplicateHash.
	Create(ctx context.Context, now time.Time, userID string, dev DeviceContext, refreshHash string, expiresAt time.Time) (sessionID string, err error)

	// GetByID loads a session row by ID. Returns ErrSessionNotFound.
	GetByID(ctx context.Context, sessionID string) (Row, error)

	// ConsumeAndReplace atomically rotates the session identified by
	// refreshHash: it revokes the old row, links it to a freshly created
	// replacement, and returns both.
	//
	// Error contract:
	//   - ErrSessionNotFound: no session carries this hash.
	//   - ErrSessionExpired:  the session's lifetime has lapsed.
	//   - ErrSessionRevoked:  the session was revoked without replacement.
	//   - ReuseError:         the hash belongs to an already-rotated session;
	//     the implementation has revoked every session of that user before
	//     returning.
	ConsumeAndReplace(ctx context.Context, now time.Time, refreshHash string, next Replacement) (Consumed, error)

	// Revoke revokes a single session. Idempotent: the first revocation
	// timestamp and reason stick.
	Revoke(ctx context.Context, now time.Time, sessionID string, reason string) error

	// RevokeAllForUser revokes every session of a user. Idempotent.
	RevokeAllForUser(ctx context.Context, now time.Time, userID string, reason string) error

	// ListActiveForUser returns the user's active sessions, newest first.
	ListActiveForUser(ctx context.Context, now time.Time, userID string) ([]Row, error)

	// Touch updates last_used_at for a session. Best effort.
	Touch(ctx context.Context, now time.Time, sessionID string) error
}
