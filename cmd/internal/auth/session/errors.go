package session

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCredentials is returned when the identifier or the password
	// is wrong. The two cases are deliberately indistinguishable.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrAccountInactive is returned when credentials check out but the
	// account is disabled.
	ErrAccountInactive = errors.New("account inactive")

	// ErrStaleToken is returned when a token's version no longer matches the
	// user's token_version. The token was valid once; re-authentication or a
	// refresh fixes it.
	ErrStaleToken = errors.New("token stale")

	// ErrForbidden is returned when an authenticated caller lacks the role
	// or the ownership a resource requires.
	ErrForbidden = errors.New("forbidden")

	// ErrSessionNotFound is returned when a refresh token matches no session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExpired is returned when the session's lifetime has lapsed.
	ErrSessionExpired = errors.New("session expired")

	// ErrSessionRevoked is returned when the session was explicitly revoked.
	ErrSessionRevoked = errors.New("session revoked")

	// ErrRefreshReuseDetected is returned when an already-rotated refresh
	// token is presented again. All of the user's sessions are gone by the
	// time callers see this.
	ErrRefreshReuseDetected = errors.New("refresh token reuse detected")

	// ErrDuplicateHash is returned when Create is asked to store a refresh
	// token hash that already belongs to another session row. An existing
	// row is never overwritten.
	ErrDuplicateHash = errors.New("duplicate refresh token hash")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)

// ReuseError wraps ErrRefreshReuseDetected with the affected user, so the
// caller can escalate (token_version bump, audit log) without a second lookup.
type ReuseError struct {
	UserID string
}

func (e ReuseError) Error() string {
	return fmt.Sprintf("%v: user %s", ErrRefreshReuseDetected, e.UserID)
}

func (e ReuseError) Unwrap() error { return ErrRefreshReuseDetected }

// IsSessionInvalid reports whether err is one of the hard session failures:
// unknown, revoked, or consumed refresh tokens all collapse into the same
// outward answer.
func IsSessionInvalid(err error) bool {
	return errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrSessionRevoked) ||
		errors.Is(err, ErrRefreshReuseDetected)
}
