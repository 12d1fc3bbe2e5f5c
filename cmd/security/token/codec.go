package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Kind discriminates the two token flavors carried in the "type" claim.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// Claims is the decoded payload of a vouch token.
//
// SessionID is informational: it lets clients and listings correlate a token
// with its session row, but verification never depends on it.
type Claims struct {
	UserID       string
	Kind         Kind
	Role         string
	TokenVersion int64
	SessionID    string
	TokenID      string
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// RequireKind asserts the token's "type" claim.
func (c Claims) RequireKind(want Kind) error {
	if c.Kind != want {
		return fmt.Errorf("%w: have %q, want %q", ErrWrongKind, c.Kind, want)
	}
	return nil
}

type wireClaims struct {
	jwt.RegisteredClaims

	Kind         string `json:"type"`
	Role         string `json:"role,omitempty"`
	TokenVersion int64  `json:"token_version"`
	SessionID    string `json:"sid,omitempty"`
}

// Codec signs and verifies HS256 tokens with a single shared secret.
type Codec struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithClock overrides the codec's time source.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCodec returns a codec for the given signing secret. The issuer is
// stamped into every token and enforced on parse when non-empty.
func NewCodec(secret []byte, issuer string, opts ...Option) (*Codec, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("signing secret too short: %d bytes, need at least 32", len(secret))
	}
	c := &Codec{secret: secret, issuer: issuer, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Issue signs a token of the given kind. A fresh jti is generated when
// cl.TokenID is empty, so two tokens minted in the same second still differ.
func (c *Codec) Issue(cl Claims, ttl time.Duration) (string, error) {
	if cl.UserID == "" {
		return "", fmt.Errorf("issue token: empty user id")
	}
	if cl.Kind != KindAccess && cl.Kind != KindRefresh {
		return "", fmt.Errorf("issue token: unknown kind %q", cl.Kind)
	}
	if ttl <= 0 {
		return "", fmt.Errorf("issue token: non-positive ttl %s", ttl)
	}

	jti := cl.TokenID
	if jti == "" {
		jti = uuid.NewString()
	}

	now := c.now().UTC()
	wc := wireClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   cl.UserID,
			Issuer:    c.issuer,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Kind:         string(cl.Kind),
		Role:         cl.Role,
		TokenVersion: cl.TokenVersion,
		SessionID:    cl.SessionID,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, wc).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies the signature and standard claims and decodes the payload.
// Failures collapse into the package sentinels so callers can map them to
// responses without inspecting library errors.
//
// A missing token_version claim decodes as 0 and is left for the caller's
// version comparison to reject.
func (c *Codec) Parse(raw string) (Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return c.now() }),
	}
	if c.issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.issuer))
	}

	var wc wireClaims
	_, err := jwt.ParseWithClaims(raw, &wc, func(*jwt.Token) (any, error) {
		return c.secret, nil
	}, opts...)
	if err != nil {
		return Claims{}, classifyParseError(err)
	}

	if wc.Subject == "" {
		return Claims{}, fmt.Errorf("%w: missing sub claim", ErrMalformed)
	}
	kind := Kind(wc.Kind)
	if kind != KindAccess && kind != KindRefresh {
		return Claims{}, fmt.Errorf("%w: unknown type claim %q", ErrMalformed, wc.Kind)
	}

	cl := Claims{
		UserID:       wc.Subject,
		Kind:         kind,
		Role:         wc.Role,
		TokenVersion: wc.TokenVersion,
		SessionID:    wc.SessionID,
		TokenID:      wc.ID,
	}
	if wc.IssuedAt != nil {
		cl.IssuedAt = wc.IssuedAt.Time
	}
	if wc.ExpiresAt != nil {
		cl.ExpiresAt = wc.ExpiresAt.Time
	}
	return cl, nil
}

func classifyParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable),
		errors.Is(err, jwt.ErrSignatureInvalid):
		return ErrSignatureInvalid
	default:
		return ErrMalformed
	}
}
