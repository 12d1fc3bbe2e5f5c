// Package token signs and parses the bearer tokens used across the service.
//
// Both access and refresh tokens are HS256 JWTs carrying a "type" claim; the
// codec itself is kind-agnostic and callers assert the kind they expect.
// Refresh tokens are never persisted verbatim: stores keep only a hex digest
// produced by HashRefreshTokenHex.
package token
