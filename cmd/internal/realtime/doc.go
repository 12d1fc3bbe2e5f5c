// Package realtime is the authenticated websocket gateway. It applies the
// same access-token contract as the HTTP guard to tokens presented via the
// "token" query parameter, keeps verifying the token while the connection
// lives, and hands validated frames to an application-supplied handler.
package realtime
