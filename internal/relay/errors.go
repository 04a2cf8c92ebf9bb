package relay

import "errors"

var (
	// ErrCapacityExceeded is returned by ConnTable.Admit when the table
	// already holds the configured maximum number of connections.
	ErrCapacityExceeded = errors.New("relay: connection capacity exceeded")

	// ErrNotMember is returned when a leave command names a room the
	// connection is not currently in.
	ErrNotMember = errors.New("relay: connection is not a member of the room")

	// ErrWouldBlock is a normal non-blocking I/O outcome: retry on the next
	// readiness signal.
	ErrWouldBlock = errors.New("relay: operation would block")

	// ErrPollFailure wraps a failure of the readiness wait itself. It stops
	// the multiplexer.
	ErrPollFailure = errors.New("relay: readiness wait failed")

	// ErrUnknownConnection is returned when a handle has no entry in the
	// connection table.
	ErrUnknownConnection = errors.New("relay: unknown connection")

	// ErrDuplicateHandle is returned by ConnTable.Admit for a handle that is
	// already admitted.
	ErrDuplicateHandle = errors.New("relay: connection handle already admitted")

	// ErrUnsupportedPlatform is returned by the system backend on platforms
	// without poll(2) support.
	ErrUnsupportedPlatform = errors.New("relay: readiness backend is not supported on this platform")
)
