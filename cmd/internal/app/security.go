package app

import (
	"errors"

	"vouch/cmd/security/token"
)

// ValidateSecurityConfig enforces the startup security policy. Fail-fast:
// the process must not come up silently running weaker crypto than the
// operator configured.
func ValidateSecurityConfig(cfg Config) error {
	if !cfg.RequireTokenHMAC {
		return nil
	}

	// HMAC-SHA256 wants at least 32 raw key bytes.
	if _, err := token.HMACKeyFromEnv(32); err != nil {
		switch {
		case errors.Is(err, token.ErrHMACKeyMissing):
			return errors.New("security policy: VOUCH_REQUIRE_TOKEN_HMAC=true but VOUCH_TOKEN_HMAC_KEY is missing")
		case errors.Is(err, token.ErrHMACKeyTooShort):
			return errors.New("security policy: VOUCH_REQUIRE_TOKEN_HMAC=true but VOUCH_TOKEN_HMAC_KEY is too short (min 32 bytes)")
		default:
			return err
		}
	}

	if !token.HMACEnabled() {
		return errors.New("security policy: VOUCH_REQUIRE_TOKEN_HMAC=true but refresh-token hashing is not keyed")
	}
	return nil
}
