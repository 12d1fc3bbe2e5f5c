package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"vouch/cmd/identity/ids"
)

// MemoryStore is an in-memory Store for tests and local development. A single
// mutex spans every operation, so ConsumeAndReplace keeps the same
// exactly-one-winner contract as the Postgres implementation.
type MemoryStore struct {
	mu     sync.Mutex
	byID   map[string]*Row
	byHash map[string]string // refresh hash -> session ID
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*Row),
		byHash: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, now time.Time, userID string, dev DeviceContext, refreshHash string, expiresAt time.Time) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(now, userID, dev, refreshHash, expiresAt)
}

func (m *MemoryStore) createLocked(now time.Time, userID string, dev DeviceContext, refreshHash string, expiresAt time.Time) (string, error) {
	if _, exists := m.byHash[refreshHash]; exists {
		return "", ErrDuplicateHash
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return "", err
	}

	row := &Row{
		ID:               id,
		UserID:           userID,
		RefreshTokenHash: refreshHash,
		IssuedAt:         now,
		ExpiresAt:        expiresAt,
	}
	if dev.UserAgent != "" {
		ua := dev.UserAgent
		row.UserAgent = &ua
	}
	if dev.IP != nil {
		ip := dev.IP
		row.IP = &ip
	}
	last := now
	row.LastUsedAt = &last

	m.byID[id] = row
	m.byHash[refreshHash] = id
	return id, nil
}

func (m *MemoryStore) GetByID(ctx context.Context, sessionID string) (Row, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.byID[sessionID]
	if !ok {
		return Row{}, ErrSessionNotFound
	}
	return *row, nil
}

func (m *MemoryStore) ConsumeAndReplace(ctx context.Context, now time.Time, refreshHash string, next Replacement) (Consumed, error) {
	if err := ctx.Err(); err != nil {
		return Consumed{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byHash[refreshHash]
	if !ok {
		return Consumed{}, ErrSessionNotFound
	}
	old := m.byID[id]

	if !old.ExpiresAt.After(now) {
		return Consumed{}, ErrSessionExpired
	}
	if old.RevokedAt != nil && old.ReplacedBySessionID != nil {
		m.revokeAllLocked(now, old.UserID, "reuse_detected")
		return Consumed{}, ReuseError{UserID: old.UserID}
	}
	if old.RevokedAt != nil {
		return Consumed{}, ErrSessionRevoked
	}

	newID, err := m.createLocked(now, old.UserID, next.Device, next.RefreshTokenHash, next.ExpiresAt)
	if err != nil {
		return Consumed{}, err
	}

	old.LastUsedAt = &now
	old.RevokedAt = &now
	old.ReplacedBySessionID = &newID
	reason := "rotation"
	old.RevocationReason = &reason

	return Consumed{Old: *old, NewSessionID: newID}, nil
}

func (m *MemoryStore) Revoke(ctx context.Context, now time.Time, sessionID string, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if row, ok := m.byID[sessionID]; ok {
		revokeRowLocked(row, now, reason)
	}
	return nil
}

func (m *MemoryStore) RevokeAllForUser(ctx context.Context, now time.Time, userID string, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.revokeAllLocked(now, userID, reason)
	return nil
}

func (m *MemoryStore) revokeAllLocked(now time.Time, userID, reason string) {
	for _, row := range m.byID {
		if row.UserID == userID {
			revokeRowLocked(row, now, reason)
		}
	}
}

func revokeRowLocked(row *Row, now time.Time, reason string) {
	if row.RevokedAt == nil {
		t := now
		row.RevokedAt = &t
	}
	if row.RevocationReason == nil {
		r := reason
		row.RevocationReason = &r
	}
}

func (m *MemoryStore) ListActiveForUser(ctx context.Context, now time.Time, userID string) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Row
	for _, row := range m.byID {
		if row.UserID == userID && row.Active(now) {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.After(out[j].IssuedAt) })
	return out, nil
}

func (m *MemoryStore) Touch(ctx context.Context, now time.Time, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if row, ok := m.byID[sessionID]; ok {
		t := now
		row.LastUsedAt = &t
	}
	return nil
}
