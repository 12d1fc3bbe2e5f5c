package realtime

import (
	"context"
	"sync"

	"github.com/coder/websocket"

	"vouch/cmd/internal/auth/session"
)

// Conn is one authenticated websocket connection.
//
// The send queue is bounded and never closed; Terminate signals the gateway
// goroutines through done, which keeps concurrent senders panic-free.
type Conn struct {
	ID        string
	Principal session.Principal

	send chan []byte
	done chan struct{}

	mu          sync.Mutex
	closeOnce   sync.Once
	closeCode   websocket.StatusCode
	closeReason string
}

func newConn(id string, p session.Principal, sendQueueSize int) *Conn {
	if sendQueueSize <= 0 {
		sendQueueSize = minSendQueueSize
	}
	return &Conn{
		ID:          id,
		Principal:   p,
		send:        make(chan []byte, sendQueueSize),
		done:        make(chan struct{}),
		closeCode:   websocket.StatusNormalClosure,
		closeReason: "bye",
	}
}

// Send enqueues an outbound frame. It reports false when the connection is
// closing or the queue is full; a full queue drops the frame rather than
// blocking the caller.
func (c *Conn) Send(ctx context.Context, data []byte) bool {
	if c == nil {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case <-c.done:
		return false
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Done is closed when the connection is shutting down.
func (c *Conn) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Terminate asks the gateway to close the connection with the given status.
// Idempotent; the first caller's status wins.
func (c *Conn) Terminate(code websocket.StatusCode, reason string) {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.closeReason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Conn) closeStatus() (websocket.StatusCode, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason
}
