// Package session implements vouch's credential and session lifecycle.
//
// It authenticates users, issues short-lived access tokens and rotating
// refresh tokens, detects refresh reuse, and drives the two revocation
// levers: per-session revoke rows and the per-user token_version counter.
//
// Access verification is stateless: one user read, no session lookup.
// Refresh tokens are HS256 JWTs stored only as a hex digest in Postgres
// (HMAC-SHA256 when VOUCH_TOKEN_HMAC_KEY is set, SHA-256 otherwise).
//
// Transport (HTTP/WS) integration lives in cmd/internal/auth/api and
// cmd/internal/realtime.
package session
