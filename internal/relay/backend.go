package relay

import "time"

// Interest is what a slot is currently waiting for.
type Interest uint8

const (
	// ReadWatch waits for inbound data (the ACTIVE_READ state).
	ReadWatch Interest = iota
	// WriteWatch waits for a chance to flush a staged payload (ACTIVE_WRITE).
	WriteWatch
)

func (i Interest) String() string {
	if i == WriteWatch {
		return "write"
	}
	return "read"
}

// Readiness is the set of conditions a Wait observed on a slot.
type Readiness uint8

const (
	Readable Readiness = 1 << iota
	Writable
	Errored
	HungUp
)

// Has reports whether every flag in f is set.
func (r Readiness) Has(f Readiness) bool {
	return r&f == f
}

// PollSlot is one entry of the table the multiplexer polls. Slot 0 is always
// the listener. Slot positions change on removal; only FD identifies a
// connection.
type PollSlot struct {
	FD       int
	Interest Interest
	Ready    Readiness
}

// Backend is the readiness source and socket layer the multiplexer drives.
// All socket operations are non-blocking and report ErrWouldBlock instead
// of waiting.
type Backend interface {
	// Wait blocks until at least one slot is ready or timeout elapses, then
	// sets Ready on every slot. A non-positive timeout waits indefinitely.
	Wait(slots []PollSlot, timeout time.Duration) error
	// Accept takes one pending connection from the listener.
	Accept(listenFD int) (fd int, addr string, err error)
	Recv(fd int, p []byte) (int, error)
	Send(fd int, p []byte) (int, error)
	Close(fd int) error
	// SocketError returns the pending socket-level error on fd, if any.
	SocketError(fd int) error
}
