// Package authapi exposes the authentication and session endpoints over
// HTTP: signup, login, token refresh, logout, password change, session
// listing and revocation, and the admin account controls. It maps service
// errors onto stable machine-readable error codes and records security
// events in the audit log when a database pool is provided.
package authapi
