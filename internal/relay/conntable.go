package relay

import (
	"time"

	"github.com/google/uuid"
)

// Handle identifies one admitted connection. It is the connection's socket
// descriptor, which stays unique for as long as the connection is open.
type Handle int

// Connection is the per-connection state held by the ConnTable.
type Connection struct {
	Handle  Handle
	Session uuid.UUID
	Addr    string

	// inbound is scratch space for the last receive only.
	inbound []byte
	// pending is the single staged outbound payload, nil when nothing is staged.
	pending []byte

	errStrikes int
	// limiter is nil when rate limiting is disabled.
	limiter *rateLimiter
}

// ConnTable tracks admitted connections up to a fixed capacity. Removing a
// connection also removes it from the RoomDirectory, so no caller can
// observe a removed handle still sitting in a room.
type ConnTable struct {
	max        int
	bufferSize int
	rateLimit  RateLimitConfig
	now        func() time.Time

	conns map[Handle]*Connection
	rooms *RoomDirectory
}

// NewConnTable creates a table for at most maxConns connections, each with an
// inbound buffer of bufferSize bytes. rooms receives the default-room
// insertion on Admit and the cleanup on Remove.
func NewConnTable(maxConns, bufferSize int, rateLimit RateLimitConfig, rooms *RoomDirectory) *ConnTable {
	if bufferSize < 2 {
		bufferSize = 2
	}
	return &ConnTable{
		max:        maxConns,
		bufferSize: bufferSize,
		rateLimit:  rateLimit,
		now:        time.Now,
		conns:      make(map[Handle]*Connection, maxConns),
		rooms:      rooms,
	}
}

// Admit registers a new connection and places it in the default room.
func (t *ConnTable) Admit(h Handle, addr string) (*Connection, error) {
	if _, exists := t.conns[h]; exists {
		return nil, ErrDuplicateHandle
	}
	if len(t.conns) >= t.max {
		return nil, ErrCapacityExceeded
	}

	c := &Connection{
		Handle:  h,
		Session: uuid.New(),
		Addr:    addr,
		inbound: make([]byte, t.bufferSize),
	}
	if t.rateLimit.Burst > 0 {
		c.limiter = newRateLimiter(t.rateLimit.Burst, t.rateLimit.RefillInterval, t.now)
	}
	t.conns[h] = c
	t.rooms.Join(h, DefaultRoom)
	return c, nil
}

// Remove drops h from the table and from the room directory.
func (t *ConnTable) Remove(h Handle) {
	delete(t.conns, h)
	t.rooms.Forget(h)
}

// Get returns the connection for h.
func (t *ConnTable) Get(h Handle) (*Connection, bool) {
	c, ok := t.conns[h]
	return c, ok
}

// StageWrite records payload as h's pending outbound message, replacing any
// unsent one. The payload is copied so the caller may reuse its buffer.
func (t *ConnTable) StageWrite(h Handle, payload []byte) error {
	c, ok := t.conns[h]
	if !ok {
		return ErrUnknownConnection
	}
	c.pending = append(make([]byte, 0, len(payload)), payload...)
	return nil
}

// TakePendingWrite removes and returns h's staged payload.
func (t *ConnTable) TakePendingWrite(h Handle) ([]byte, bool) {
	c, ok := t.conns[h]
	if !ok || c.pending == nil {
		return nil, false
	}
	p := c.pending
	c.pending = nil
	return p, true
}

// HasPendingWrite reports whether h has a staged payload.
func (t *ConnTable) HasPendingWrite(h Handle) bool {
	c, ok := t.conns[h]
	return ok && c.pending != nil
}

// Len returns the number of live connections.
func (t *ConnTable) Len() int {
	return len(t.conns)
}

// Capacity returns the configured maximum number of connections.
func (t *ConnTable) Capacity() int {
	return t.max
}

// Handles returns every live handle in unspecified order.
func (t *ConnTable) Handles() []Handle {
	out := make([]Handle, 0, len(t.conns))
	for h := range t.conns {
		out = append(out, h)
	}
	return out
}

func (c *Connection) allow() bool {
	return c.limiter == nil || c.limiter.allow()
}

// receiveBuffer returns the connection's inbound scratch buffer bounded to one byte less
// than its capacity, leaving room for a terminator.
func (c *Connection) receiveBuffer() []byte {
	clear(c.inbound)
	return c.inbound[:len(c.inbound)-1]
}
