package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const phcVariant = "argon2id"

// Hasher hashes and verifies passwords with a fixed cost configuration.
type Hasher struct {
	cfg Config
}

// NewHasher validates cfg and returns a ready hasher.
func NewHasher(cfg Config) (*Hasher, error) {
	if cfg.Params.MemoryKiB == 0 || cfg.Params.Iterations == 0 || cfg.Params.Parallelism == 0 {
		return nil, fmt.Errorf("argon2 params must be non-zero")
	}
	if cfg.Params.SaltLength < 8 || cfg.Params.KeyLength < 16 {
		return nil, fmt.Errorf("argon2 salt/key lengths too small")
	}
	if cfg.Policy.MinLength < 1 || cfg.Policy.MaxLength < cfg.Policy.MinLength {
		return nil, fmt.Errorf("password policy invalid")
	}
	return &Hasher{cfg: cfg}, nil
}

// ValidatePlaintext enforces the length policy without hashing.
func (h *Hasher) ValidatePlaintext(plain string) error {
	if len(plain) < h.cfg.Policy.MinLength {
		return ErrPasswordTooShort
	}
	if len(plain) > h.cfg.Policy.MaxLength {
		return ErrPasswordTooLong
	}
	return nil
}

// Hash derives an Argon2id digest and encodes it in PHC string format:
//
//	$argon2id$v=19$m=65536,t=3,p=4$<b64 salt>$<b64 key>
func (h *Hasher) Hash(plain string) (string, error) {
	if err := h.ValidatePlaintext(plain); err != nil {
		return "", err
	}

	salt := make([]byte, h.cfg.Params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("read salt: %w", err)
	}

	key := argon2.IDKey(
		[]byte(plain),
		salt,
		h.cfg.Params.Iterations,
		h.cfg.Params.MemoryKiB,
		h.cfg.Params.Parallelism,
		h.cfg.Params.KeyLength,
	)

	encoded := fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		phcVariant,
		argon2.Version,
		h.cfg.Params.MemoryKiB,
		h.cfg.Params.Iterations,
		h.cfg.Params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	)
	return encoded, nil
}

// Verify checks plain against a stored PHC digest in constant time.
// A malformed or out-of-bounds digest yields ErrInvalidHash, never a panic.
func (h *Hasher) Verify(plain, encoded string) (bool, error) {
	params, salt, key, err := decodeDigest(encoded)
	if err != nil {
		return false, err
	}

	candidate := argon2.IDKey(
		[]byte(plain),
		salt,
		params.Iterations,
		params.MemoryKiB,
		params.Parallelism,
		uint32(len(key)), // #nosec G115 -- key length bounded by decodeDigest.
	)

	if subtle.ConstantTimeCompare(candidate, key) == 1 {
		return true, nil
	}
	return false, nil
}

// DummyVerify burns roughly the same work as a real verification. Callers use
// it when the account does not exist, so lookups stay timing-uniform.
func (h *Hasher) DummyVerify(plain string) {
	salt := make([]byte, h.cfg.Params.SaltLength)
	_ = argon2.IDKey(
		[]byte(plain),
		salt,
		h.cfg.Params.Iterations,
		h.cfg.Params.MemoryKiB,
		h.cfg.Params.Parallelism,
		h.cfg.Params.KeyLength,
	)
}

func decodeDigest(encoded string) (Params, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" {
		return Params{}, nil, nil, ErrInvalidHash
	}
	if parts[1] != phcVariant {
		return Params{}, nil, nil, ErrInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return Params{}, nil, nil, ErrInvalidHash
	}

	var p Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.MemoryKiB, &p.Iterations, &p.Parallelism); err != nil {
		return Params{}, nil, nil, ErrInvalidHash
	}
	if !withinReasonableBounds(p) {
		return Params{}, nil, nil, ErrInvalidHash
	}

	salt, err := base64.RawStdEncoding.Strict().DecodeString(parts[4])
	if err != nil || len(salt) < 8 || len(salt) > 64 {
		return Params{}, nil, nil, ErrInvalidHash
	}

	key, err := base64.RawStdEncoding.Strict().DecodeString(parts[5])
	if err != nil || len(key) < 16 || len(key) > 128 {
		return Params{}, nil, nil, ErrInvalidHash
	}

	return p, salt, key, nil
}

// withinReasonableBounds rejects digests whose declared cost would let a
// hostile row in the database drive memory or CPU usage during verification.
func withinReasonableBounds(p Params) bool {
	if p.MemoryKiB < 8*1024 || p.MemoryKiB > 1024*1024 {
		return false
	}
	if p.Iterations < 1 || p.Iterations > 32 {
		return false
	}
	if p.Parallelism < 1 || p.Parallelism > 64 {
		return false
	}
	return true
}
