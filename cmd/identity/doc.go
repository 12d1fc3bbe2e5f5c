// Package identity holds vouch's security principals: the User model, role
// taxonomy, and the persistence boundary used by the auth service and HTTP
// layer. Password and token primitives live in cmd/security; this package
// only stores their outputs.
package identity
