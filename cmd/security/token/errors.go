package token

import "errors"

var (
	// ErrMalformed covers tokens that do not parse as a JWT at all, or that
	// parse but miss required claims.
	ErrMalformed = errors.New("token malformed")

	// ErrSignatureInvalid covers well-formed tokens signed with the wrong key
	// or the wrong algorithm.
	ErrSignatureInvalid = errors.New("token signature invalid")

	// ErrExpired covers tokens whose exp claim is in the past.
	ErrExpired = errors.New("token expired")

	// ErrWrongKind is returned by kind assertions when an otherwise valid
	// token carries the other "type" claim.
	ErrWrongKind = errors.New("token kind mismatch")
)
