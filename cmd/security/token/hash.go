package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
)

var (
	ErrHMACKeyMissing  = errors.New("token: hmac key missing")
	ErrHMACKeyTooShort = errors.New("token: hmac key too short")
)

// HashSHA256Hex returns hex(sha256(raw)).
func HashSHA256Hex(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// HashHMACSHA256Hex returns hex(hmac-sha256(key, raw)).
func HashHMACSHA256Hex(key []byte, raw string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

// HashRefreshTokenHex produces the digest under which a refresh token is
// stored. With VOUCH_TOKEN_HMAC_KEY set the digest is keyed with that
// secret; otherwise it falls back to plain SHA-256.
func HashRefreshTokenHex(raw string) string {
	if key := os.Getenv("VOUCH_TOKEN_HMAC_KEY"); key != "" {
		return HashHMACSHA256Hex([]byte(key), raw)
	}
	return HashSHA256Hex(raw)
}

// HMACKeyFromEnv returns the refresh-token HMAC key, requiring at least
// minBytes raw bytes. The key is measured in bytes because it is fed to the
// MAC as raw bytes.
func HMACKeyFromEnv(minBytes int) ([]byte, error) {
	key := os.Getenv("VOUCH_TOKEN_HMAC_KEY")
	if key == "" {
		return nil, ErrHMACKeyMissing
	}
	if len(key) < minBytes {
		return nil, ErrHMACKeyTooShort
	}
	return []byte(key), nil
}

// HMACEnabled reports whether refresh-token digests are currently keyed.
func HMACEnabled() bool {
	return os.Getenv("VOUCH_TOKEN_HMAC_KEY") != ""
}
