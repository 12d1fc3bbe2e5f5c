// Package password provides credential hashing and verification for vouch.
//
// It implements Argon2id with a PHC-style encoded string format:
// configurable cost parameters, password policy validation, and strict
// decoding of stored digests. Digests are treated as untrusted input
// during verification: malformed or absurdly expensive digests are
// rejected instead of hashed.
package password
