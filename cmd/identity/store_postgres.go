package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements user persistence over PostgreSQL.
//
// The pgx pool is owned by the caller; this store must NOT close it.
// Schema/table identifiers are quoted through pgx.Identifier, so a hostile
// schema name cannot inject SQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema used by the store (default "vouch").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "vouch",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("identity: nil pool")
	}
	return st, nil
}

const userColumns = `id, username, username_norm, email, email_norm, name,
       role, is_active, token_version, password_hash,
       created_at, updated_at, deleted_at`

// Create inserts a new user row.
func (s *PostgresStore) Create(ctx context.Context, in CreateInput) (User, error) {
	const op = "identity.Create"

	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	username := strings.TrimSpace(in.Username)
	email := strings.TrimSpace(in.Email)
	if username == "" || email == "" {
		return User{}, pgInvalid(op, "username and email are required")
	}
	if strings.TrimSpace(in.PasswordHash) == "" {
		return User{}, pgInvalid(op, "password hash is required")
	}
	if _, ok := ParseRole(string(in.Role)); !ok {
		return User{}, pgInvalid(op, "unknown role")
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := newULID(now)
	if err != nil {
		return User{}, err
	}

	u := User{
		ID:           id,
		Username:     username,
		UsernameNorm: NormalizeUsername(username),
		Email:        email,
		EmailNorm:    NormalizeEmail(email),
		Name:         strings.TrimSpace(in.Name),
		Role:         in.Role,
		IsActive:     in.IsActive,
		TokenVersion: 1,
		PasswordHash: in.PasswordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	users := pgIdent(s.schema, "users")
	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+users+` (
		     id, username, username_norm, email, email_norm, name,
		     role, is_active, token_version, password_hash, created_at, updated_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`,
		u.ID, u.Username, u.UsernameNorm, u.Email, u.EmailNorm, u.Name,
		string(u.Role), u.IsActive, u.TokenVersion, u.PasswordHash, now,
	)
	if err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return User{}, ConflictError{Op: op, Field: field}
		}
		return User{}, err
	}

	return u, nil
}

// GetByID fetches a user by primary key, excluding soft-deleted rows.
func (s *PostgresStore) GetByID(ctx context.Context, id string) (User, error) {
	const op = "identity.GetByID"

	if strings.TrimSpace(id) == "" {
		return User{}, pgInvalid(op, "missing id")
	}

	users := pgIdent(s.schema, "users")
	return s.queryOne(ctx, op,
		`SELECT `+userColumns+`
		   FROM `+users+`
		  WHERE id = $1 AND deleted_at IS NULL`,
		id,
	)
}

// GetByIdentifier resolves a username or email, matched on the normalized
// columns so lookups are case-insensitive.
func (s *PostgresStore) GetByIdentifier(ctx context.Context, identifier string) (User, error) {
	const op = "identity.GetByIdentifier"

	norm := NormalizeIdentifier(identifier)
	if norm == "" {
		return User{}, pgInvalid(op, "missing identifier")
	}

	users := pgIdent(s.schema, "users")
	return s.queryOne(ctx, op,
		`SELECT `+userColumns+`
		   FROM `+users+`
		  WHERE (username_norm = $1 OR email_norm = $1) AND deleted_at IS NULL`,
		norm,
	)
}

// UpdatePassword replaces the stored digest.
func (s *PostgresStore) UpdatePassword(ctx context.Context, id, passwordHash string, now time.Time) error {
	const op = "identity.UpdatePassword"

	if strings.TrimSpace(passwordHash) == "" {
		return pgInvalid(op, "missing password hash")
	}
	users := pgIdent(s.schema, "users")
	return s.execOnUser(ctx, op,
		`UPDATE `+users+`
		    SET password_hash = $2, updated_at = $3
		  WHERE id = $1 AND deleted_at IS NULL`,
		id, passwordHash, pgNow(now),
	)
}

// SetActive toggles the account flag.
func (s *PostgresStore) SetActive(ctx context.Context, id string, active bool, now time.Time) error {
	const op = "identity.SetActive"

	users := pgIdent(s.schema, "users")
	return s.execOnUser(ctx, op,
		`UPDATE `+users+`
		    SET is_active = $2, updated_at = $3
		  WHERE id = $1 AND deleted_at IS NULL`,
		id, active, pgNow(now),
	)
}

// BumpTokenVersion increments the credential generation counter in a single
// statement, so concurrent bumps serialize on the row and never lose an
// increment.
func (s *PostgresStore) BumpTokenVersion(ctx context.Context, id string, now time.Time) (int64, error) {
	const op = "identity.BumpTokenVersion"

	if strings.TrimSpace(id) == "" {
		return 0, pgInvalid(op, "missing id")
	}

	users := pgIdent(s.schema, "users")
	var version int64
	err := s.pool.QueryRow(ctx,
		`UPDATE `+users+`
		    SET token_version = token_version + 1, updated_at = $2
		  WHERE id = $1 AND deleted_at IS NULL
		  RETURNING token_version`,
		id, pgNow(now),
	).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, OpError{Op: op, Kind: ErrNotFound}
		}
		return 0, err
	}
	return version, nil
}

// SoftDelete marks the row deleted; lookups stop returning it immediately.
func (s *PostgresStore) SoftDelete(ctx context.Context, id string, now time.Time) error {
	const op = "identity.SoftDelete"

	users := pgIdent(s.schema, "users")
	return s.execOnUser(ctx, op,
		`UPDATE `+users+`
		    SET deleted_at = $2, updated_at = $2
		  WHERE id = $1 AND deleted_at IS NULL`,
		id, pgNow(now),
	)
}

func (s *PostgresStore) queryOne(ctx context.Context, op, sql string, args ...any) (User, error) {
	var (
		u    User
		role string
	)
	err := s.pool.QueryRow(ctx, sql, args...).Scan(
		&u.ID,
		&u.Username,
		&u.UsernameNorm,
		&u.Email,
		&u.EmailNorm,
		&u.Name,
		&role,
		&u.IsActive,
		&u.TokenVersion,
		&u.PasswordHash,
		&u.CreatedAt,
		&u.UpdatedAt,
		&u.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, OpError{Op: op, Kind: ErrNotFound}
		}
		return User{}, err
	}
	u.Role = Role(role)
	return u, nil
}

func (s *PostgresStore) execOnUser(ctx context.Context, op, sql string, args ...any) error {
	if len(args) == 0 || strings.TrimSpace(fmt.Sprint(args[0])) == "" {
		return pgInvalid(op, "missing id")
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return OpError{Op: op, Kind: ErrNotFound}
	}
	return nil
}

// ---- helpers ----

func pgNow(now time.Time) time.Time {
	if now.IsZero() {
		return time.Now().UTC()
	}
	return now.UTC()
}

func pgInvalid(op, msg string) error {
	return OpError{Op: op, Kind: ErrInvalidInput, Msg: msg}
}

// pgIdent safely quotes a schema-qualified identifier: "schema"."name".
func pgIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}

func pgClassifyUniqueViolation(err error) (field string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	if pgErr.Code != "23505" { // unique_violation
		return "", false
	}

	// Prefer stable constraint names; fall back to substring heuristics.
	c := strings.ToLower(strings.TrimSpace(pgErr.ConstraintName))
	switch c {
	case "uq_users_username_norm":
		return "username", true
	case "uq_users_email_norm":
		return "email", true
	default:
		switch {
		case strings.Contains(c, "username"):
			return "username", true
		case strings.Contains(c, "email"):
			return "email", true
		default:
			return "unique", true
		}
	}
}
