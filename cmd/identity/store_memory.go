package identity

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by tests and local development.
// It mirrors the Postgres store's semantics, including uniqueness on the
// normalized username and email.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]*User // keyed by ID
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*User)}
}

func (m *MemoryStore) Create(ctx context.Context, in CreateInput) (User, error) {
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

	now := pgNow(in.Now)

	m.mu.Lock()
	defer m.mu.Unlock()

	unorm := NormalizeUsername(username)
	enorm := NormalizeEmail(email)
	for _, u := range m.users {
		if u.DeletedAt != nil {
			continue
		}
		if u.UsernameNorm == unorm {
			return User{}, ConflictError{Op: op, Field: "username"}
		}
		if u.EmailNorm == enorm {
			return User{}, ConflictError{Op: op, Field: "email"}
		}
	}

	id, err := newULID(now)
	if err != nil {
		return User{}, err
	}

	u := User{
		ID:           id,
		Username:     username,
		UsernameNorm: unorm,
		Email:        email,
		EmailNorm:    enorm,
		Name:         strings.TrimSpace(in.Name),
		Role:         in.Role,
		IsActive:     in.IsActive,
		TokenVersion: 1,
		PasswordHash: in.PasswordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	cp := u
	m.users[u.ID] = &cp
	return u, nil
}

func (m *MemoryStore) GetByID(ctx context.Context, id string) (User, error) {
	const op = "identity.GetByID"

	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok || u.DeletedAt != nil {
		return User{}, OpError{Op: op, Kind: ErrNotFound}
	}
	return *u, nil
}

func (m *MemoryStore) GetByIdentifier(ctx context.Context, identifier string) (User, error) {
	const op = "identity.GetByIdentifier"

	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	norm := NormalizeIdentifier(identifier)
	if norm == "" {
		return User{}, pgInvalid(op, "missing identifier")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if u.DeletedAt != nil {
			continue
		}
		if u.UsernameNorm == norm || u.EmailNorm == norm {
			return *u, nil
		}
	}
	return User{}, OpError{Op: op, Kind: ErrNotFound}
}

func (m *MemoryStore) UpdatePassword(ctx context.Context, id, passwordHash string, now time.Time) error {
	const op = "identity.UpdatePassword"

	if strings.TrimSpace(passwordHash) == "" {
		return pgInvalid(op, "missing password hash")
	}
	return m.mutate(ctx, op, id, func(u *User) {
		u.PasswordHash = passwordHash
		u.UpdatedAt = pgNow(now)
	})
}

func (m *MemoryStore) SetActive(ctx context.Context, id string, active bool, now time.Time) error {
	return m.mutate(ctx, "identity.SetActive", id, func(u *User) {
		u.IsActive = active
		u.UpdatedAt = pgNow(now)
	})
}

func (m *MemoryStore) BumpTokenVersion(ctx context.Context, id string, now time.Time) (int64, error) {
	const op = "identity.BumpTokenVersion"

	var version int64
	err := m.mutate(ctx, op, id, func(u *User) {
		u.TokenVersion++
		u.UpdatedAt = pgNow(now)
		version = u.TokenVersion
	})
	if err != nil {
		return 0, err
	}
	return version, nil
}

func (m *MemoryStore) SoftDelete(ctx context.Context, id string, now time.Time) error {
	return m.mutate(ctx, "identity.SoftDelete", id, func(u *User) {
		t := pgNow(now)
		u.DeletedAt = &t
		u.UpdatedAt = t
	})
}

func (m *MemoryStore) mutate(ctx context.Context, op, id string, fn func(*User)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" {
		return pgInvalid(op, "missing id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok || u.DeletedAt != nil {
		return OpError{Op: op, Kind: ErrNotFound}
	}
	fn(u)
	return nil
}
