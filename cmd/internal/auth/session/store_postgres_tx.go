package session

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"vouch/cmd/identity/ids"
)

func (s *PostgresStore) getByRefreshHashForUpdateTx(ctx context.Context, tx pgx.Tx, refreshHash string) (Row, error) {
	row, err := scanRow(tx.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM `+s.table()+`
		WHERE refresh_token_hash = $1
		FOR UPDATE
	`, refreshHash))
	if errors.Is(err, pgx.ErrNoRows) {
		return Row{}, ErrSessionNotFound
	}
	if err != nil {
		return Row{}, err
	}
	return row, nil
}

func (s *PostgresStore) createTx(ctx context.Context, tx pgx.Tx, now time.Time, userID string, next Replacement) (string, error) {
	id, err := ids.NewULID(now)
	if err != nil {
		return "", err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO `+s.table()+` (
			id, user_id, refresh_token_hash,
			issued_at, last_used_at, expires_at,
			user_agent, ip
		) VALUES ($1, $2, $3, $4, $4, $5, $6, $7)
	`, id, userID, next.RefreshTokenHash, now, next.ExpiresAt,
		nullIfEmpty(next.Device.UserAgent), ipValue(next.Device.IP))
	if err != nil {
		return "", classifyInsertError(err)
	}
	return id, nil
}

func (s *PostgresStore) markRotatedTx(ctx context.Context, tx pgx.Tx, now time.Time, oldID, newID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE `+s.table()+`
		SET last_used_at = $2,
		    revoked_at = $2,
		    replaced_by_session_id = $3,
		    revocation_reason = 'rotation'
		WHERE id = $1
	`, oldID, now, newID)
	return err
}

func (s *PostgresStore) revokeAllTx(ctx context.Context, tx pgx.Tx, now time.Time, userID, reason string) error {
	_, err := tx.Exec(ctx, `
		UPDATE `+s.table()+`
		SET revoked_at = COALESCE(revoked_at, $2),
		    revocation_reason = COALESCE(revocation_reason, $3)
		WHERE user_id = $1
	`, userID, now, reason)
	return err
}
