package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"vouch/cmd/identity/ids"
)

// PostgresStore implements Store over PostgreSQL (vouch.sessions).
//
// The pool is owned by the caller. ConsumeAndReplace opens its own
// transaction and serializes rotation on the session row with
// SELECT ... FOR UPDATE.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the Postgres schema (default "vouch").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("session: empty schema")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore creates a Postgres-backed session store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "vouch"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("session: nil pool")
	}
	return st, nil
}

func (s *PostgresStore) table() string {
	return pgx.Identifier{s.schema, "sessions"}.Sanitize()
}

const sessionColumns = `id, user_id, refresh_token_hash,
       issued_at, last_used_at, expires_at, revoked_at,
       replaced_by_session_id, user_agent, ip::text, revocation_reason`

// Create inserts a new session row and returns its ULID.
func (s *PostgresStore) Create(ctx context.Context, now time.Time, userID string, dev DeviceContext, refreshHash string, expiresAt time.Time) (string, error) {
	id, err := ids.NewULID(now)
	if err != nil {
		return "", err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO `+s.table()+` (
			id, user_id, refresh_token_hash,
			issued_at, last_used_at, expires_at,
			user_agent, ip
		) VALUES ($1, $2, $3, $4, $4, $5, $6, $7)
	`, id, userID, refreshHash, now, expiresAt, nullIfEmpty(dev.UserAgent), ipValue(dev.IP))
	if err != nil {
		return "", classifyInsertError(err)
	}
	return id, nil
}

// classifyInsertError maps a unique violation on the refresh token hash to
// ErrDuplicateHash. Session IDs are ULIDs minted per insert, so the hash
// constraint is the only one a Create can trip.
func classifyInsertError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
		return ErrDuplicateHash
	}
	return err
}

// GetByID loads a session row by ID.
func (s *PostgresStore) GetByID(ctx context.Context, sessionID string) (Row, error) {
	row, err := scanRow(s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM `+s.table()+`
		WHERE id = $1
	`, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Row{}, ErrSessionNotFound
	}
	if err != nil {
		return Row{}, err
	}
	return row, nil
}

// ConsumeAndReplace rotates the session owning refreshHash inside one
// transaction. See Store for the error contract.
func (s *PostgresStore) ConsumeAndReplace(ctx context.Context, now time.Time, refreshHash string, next Replacement) (Consumed, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Consumed{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	old, err := s.getByRefreshHashForUpdateTx(ctx, tx, refreshHash)
	if err != nil {
		return Consumed{}, err
	}

	if !old.ExpiresAt.After(now) {
		return Consumed{}, ErrSessionExpired
	}

	// Reuse detection: a rotated refresh token presented again. Revoke the
	// whole family and commit that before reporting the incident.
	if old.RevokedAt != nil && old.ReplacedBySessionID != nil {
		if err := s.revokeAllTx(ctx, tx, now, old.UserID, "reuse_detected"); err != nil {
			return Consumed{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return Consumed{}, err
		}
		return Consumed{}, ReuseError{UserID: old.UserID}
	}

	if old.RevokedAt != nil {
		return Consumed{}, ErrSessionRevoked
	}

	newID, err := s.createTx(ctx, tx, now, old.UserID, next)
	if err != nil {
		return Consumed{}, err
	}
	if err := s.markRotatedTx(ctx, tx, now, old.ID, newID); err != nil {
		return Consumed{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Consumed{}, err
	}

	return Consumed{Old: old, NewSessionID: newID}, nil
}

// Revoke revokes a single session (idempotent).
func (s *PostgresStore) Revoke(ctx context.Context, now time.Time, sessionID string, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE `+s.table()+`
		SET revoked_at = COALESCE(revoked_at, $2),
		    revocation_reason = COALESCE(revocation_reason, $3)
		WHERE id = $1
	`, sessionID, now, reason)
	return err
}

// RevokeAllForUser revokes all sessions for a user (idempotent).
func (s *PostgresStore) RevokeAllForUser(ctx context.Context, now time.Time, userID string, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE `+s.table()+`
		SET revoked_at = COALESCE(revoked_at, $2),
		    revocation_reason = COALESCE(revocation_reason, $3)
		WHERE user_id = $1
	`, userID, now, reason)
	return err
}

// ListActiveForUser returns the user's active sessions, newest first.
func (s *PostgresStore) ListActiveForUser(ctx context.Context, now time.Time, userID string) ([]Row, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM `+s.table()+`
		WHERE user_id = $1
		  AND revoked_at IS NULL
		  AND replaced_by_session_id IS NULL
		  AND expires_at > $2
		ORDER BY issued_at DESC
	`, userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Touch updates last_used_at for a session.
func (s *PostgresStore) Touch(ctx context.Context, now time.Time, sessionID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE `+s.table()+`
		SET last_used_at = $2
		WHERE id = $1
	`, sessionID, now)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(sc rowScanner) (Row, error) {
	var (
		row    Row
		ipText *string
	)
	err := sc.Scan(
		&row.ID,
		&row.UserID,
		&row.RefreshTokenHash,
		&row.IssuedAt,
		&row.LastUsedAt,
		&row.ExpiresAt,
		&row.RevokedAt,
		&row.ReplacedBySessionID,
		&row.UserAgent,
		&ipText,
		&row.RevocationReason,
	)
	if err != nil {
		return Row{}, err
	}
	if ipText != nil {
		if parsed := net.ParseIP(strings.TrimSpace(*ipText)); parsed != nil {
			row.IP = &parsed
		}
	}
	return row, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func ipValue(ip net.IP) any {
	if ip == nil {
		return nil
	}
	return ip.String()
}
