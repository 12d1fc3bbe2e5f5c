package realtime

import (
	"sync"

	"github.com/coder/websocket"
)

// Registry tracks live connections per user. The gateway registers every
// authenticated connection; operators can cut a user's connections at once
// (admin deactivation, incident response) without waiting for the periodic
// token re-verification to catch up.
type Registry struct {
	mu     sync.Mutex
	byUser map[string]map[string]*Conn
}

func NewRegistry() *Registry {
	return &Registry{byUser: make(map[string]map[string]*Conn)}
}

func (r *Registry) add(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := r.byUser[c.Principal.UserID]
	if conns == nil {
		conns = make(map[string]*Conn)
		r.byUser[c.Principal.UserID] = conns
	}
	conns[c.ID] = c
}

func (r *Registry) remove(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := r.byUser[c.Principal.UserID]
	delete(conns, c.ID)
	if len(conns) == 0 {
		delete(r.byUser, c.Principal.UserID)
	}
}

// Count returns the number of live connections across all users.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, conns := range r.byUser {
		n += len(conns)
	}
	return n
}

// CountForUser returns the number of live connections for one user.
func (r *Registry) CountForUser(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser[userID])
}

// SendToUser enqueues a frame on every live connection of one user and
// returns how many connections accepted it.
func (r *Registry) SendToUser(userID string, data []byte) int {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.byUser[userID]))
	for _, c := range r.byUser[userID] {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	sent := 0
	for _, c := range conns {
		select {
		case <-c.done:
		case c.send <- data:
			sent++
		default:
		}
	}
	return sent
}

// CloseUser terminates every live connection of one user and returns how
// many connections were signalled.
func (r *Registry) CloseUser(userID string, code websocket.StatusCode, reason string) int {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.byUser[userID]))
	for _, c := range r.byUser[userID] {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.Terminate(code, reason)
	}
	return len(conns)
}
