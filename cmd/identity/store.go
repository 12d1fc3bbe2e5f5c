package identity

import (
	"context"
	"time"
)

// User is vouch's canonical security principal.
//
// TokenVersion is the user's credential generation counter, starting at 1
// on creation: every access and refresh token embeds the value current at
// issue time, and bumping it invalidates all previously issued tokens at
// their next verification. Starting above zero means a token missing the
// version claim can never match a live user.
type User struct {
	ID string

	Username     string
	UsernameNorm string
	Email        string
	EmailNorm    string
	Name         string

	Role         Role
	IsActive     bool
	TokenVersion int64

	PasswordHash string

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// CreateInput describes a user registration. PasswordHash must already be a
// PHC digest; stores never see plaintext passwords.
type CreateInput struct {
	Username     string
	Email        string
	Name         string
	Role         Role
	IsActive     bool
	PasswordHash string
	Now          time.Time
}

// Store is the user persistence boundary. Soft-deleted users are invisible
// to every lookup.
type Store interface {
	Create(ctx context.Context, in CreateInput) (User, error)

	GetByID(ctx context.Context, id string) (User, error)

	// GetByIdentifier resolves a login identifier that may be a username or
	// an email, matched case-insensitively.
	GetByIdentifier(ctx context.Context, identifier string) (User, error)

	UpdatePassword(ctx context.Context, id, passwordHash string, now time.Time) error

	SetActive(ctx context.Context, id string, active bool, now time.Time) error

	// BumpTokenVersion atomically increments the user's token_version and
	// returns the new value.
	BumpTokenVersion(ctx context.Context, id string, now time.Time) (int64, error)

	SoftDelete(ctx context.Context, id string, now time.Time) error
}
