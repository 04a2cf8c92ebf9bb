// Package relay drives the readiness-polling loop that owns the connection
// table, the room directory and the poll slots.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"syscall"
	"time"
)

// Config holds the multiplexer limits. Values are fixed for the lifetime of
// a Multiplexer.
type Config struct {
	MaxConnections int
	BufferSize     int
	// PollTimeout bounds each readiness wait. Zero or negative waits until
	// a descriptor is ready.
	PollTimeout time.Duration
	// MaxSocketErrors is the number of consecutive error signals after which
	// a connection is removed. Zero only logs them.
	MaxSocketErrors int
	// RateLimit throttles inbound chat payloads per connection. A Burst of
	// zero disables it. Room commands are never throttled.
	RateLimit RateLimitConfig
}

// Option customizes a Multiplexer.
type Option func(*Multiplexer)

// WithLogger sets the logger used by the multiplexer and its router.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Multiplexer) { m.log = logger }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Multiplexer) { m.recorder = r }
}

// WithBoard sets the board snapshots are published to.
func WithBoard(b *Board) Option {
	return func(m *Multiplexer) { m.board = b }
}

// WithClock overrides the clock used by the per-connection rate limiters.
func WithClock(now func() time.Time) Option {
	return func(m *Multiplexer) { m.conns.now = now }
}

// Multiplexer runs the readiness loop. It is not safe for concurrent use:
// Run and Step must be called from a single goroutine, and only the Board is
// meant to be read elsewhere.
type Multiplexer struct {
	cfg      Config
	backend  Backend
	listenFD int

	slots  []PollSlot
	conns  *ConnTable
	rooms  *RoomDirectory
	router *Router

	board    *Board
	log      *slog.Logger
	recorder Recorder
	dirty    bool
}

// NewMultiplexer creates a multiplexer polling listenFD and its admitted
// connections through backend.
func NewMultiplexer(cfg Config, backend Backend, listenFD int, opts ...Option) *Multiplexer {
	rooms := NewRoomDirectory()
	m := &Multiplexer{
		cfg:      cfg,
		backend:  backend,
		listenFD: listenFD,
		slots:    make([]PollSlot, 1, cfg.MaxConnections+1),
		rooms:    rooms,
		conns:    NewConnTable(cfg.MaxConnections, cfg.BufferSize, cfg.RateLimit, rooms),
		log:      slog.Default(),
		recorder: nopRecorder{},
	}
	m.slots[0] = PollSlot{FD: listenFD, Interest: ReadWatch}

	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.recorder == nil {
		m.recorder = nopRecorder{}
	}
	if m.board == nil {
		m.board = NewBoard()
	}
	m.router = NewRouter(m.conns, m.rooms, m.log, m.recorder)
	m.board.publish(m.conns, m.rooms)
	return m
}

// Board returns the board the multiplexer publishes snapshots to.
func (m *Multiplexer) Board() *Board {
	return m.board
}

// Run polls until ctx is cancelled or the readiness wait fails. On return
// every connection and the listener are closed. Cancellation is observed
// between waits, so PollTimeout bounds how long it takes to notice.
func (m *Multiplexer) Run(ctx context.Context) error {
	defer m.shutdown()

	m.log.Info("Relay loop started", "listener_fd", m.listenFD, "max_connections", m.cfg.MaxConnections)
	for {
		select {
		case <-ctx.Done():
			m.log.Info("Relay loop stopping", "reason", ctx.Err())
			return nil
		default:
		}

		if err := m.Step(); err != nil {
			m.log.Error("Poll failure", "err", err)
			return err
		}
	}
}

// Step runs exactly one polling cycle: one wait, then a scan of the slots in
// ascending order.
func (m *Multiplexer) Step() error {
	for i := range m.slots {
		m.slots[i].Ready = 0
	}
	if err := m.backend.Wait(m.slots, m.cfg.PollTimeout); err != nil {
		return fmt.Errorf("%w: %w", ErrPollFailure, err)
	}

	for i := 0; i < len(m.slots); i++ {
		ready := m.slots[i].Ready
		if ready == 0 {
			continue
		}

		if i == 0 {
			m.handleListener(ready)
			continue
		}

		var removed bool
		switch {
		case ready.Has(Errored):
			removed = m.handleSocketError(i)
		case ready.Has(HungUp):
			m.removeSlot(i, CloseHangup)
			removed = true
		case ready.Has(Readable):
			removed = m.handleReadable(i)
		case ready.Has(Writable):
			removed = m.handleWritable(i)
		}
		if removed {
			// The last slot was swapped into i; scan it next.
			i--
		}
	}

	if m.dirty {
		m.board.publish(m.conns, m.rooms)
		m.dirty = false
	}
	return nil
}

func (m *Multiplexer) handleListener(ready Readiness) {
	if ready.Has(Errored) {
		m.log.Warn("Listener reported an error", "err", m.backend.SocketError(m.listenFD))
	}
	if ready.Has(Readable) {
		m.acceptOne()
	}
}

func (m *Multiplexer) acceptOne() {
	fd, addr, err := m.backend.Accept(m.listenFD)
	if errors.Is(err, ErrWouldBlock) {
		return
	}
	if err != nil {
		m.log.Error("Accept failed", "err", err)
		return
	}

	c, err := m.conns.Admit(Handle(fd), addr)
	if err != nil {
		m.reject(fd, addr, err)
		return
	}

	m.slots = append(m.slots, PollSlot{FD: fd, Interest: ReadWatch})
	m.recorder.ConnectionAdmitted()
	m.dirty = true
	m.log.Info("Client connected",
		"fd", fd, "session", c.Session.String(), "addr", addr,
		"room", DefaultRoom, "clients", m.conns.Len())
}

func (m *Multiplexer) reject(fd int, addr string, cause error) {
	if errors.Is(cause, ErrCapacityExceeded) {
		m.log.Warn("Rejecting client: too many users", "fd", fd, "addr", addr, "max_connections", m.conns.Capacity())
		if _, err := m.backend.Send(fd, []byte(CapacityNotice)); err != nil && !isExpectedCloseError(err) {
			m.log.Warn("Failed to send capacity notice", "fd", fd, "addr", addr, "err", err)
		}
		m.recorder.ConnectionRejected()
	} else {
		m.log.Error("Failed to admit client", "fd", fd, "addr", addr, "err", cause)
	}

	if err := m.backend.Close(fd); err != nil && !isExpectedCloseError(err) {
		m.log.Warn("Error closing rejected connection", "fd", fd, "err", err)
	}
}

// handleSocketError logs the socket's pending error and removes the
// connection once it has reached MaxSocketErrors consecutive signals.
func (m *Multiplexer) handleSocketError(i int) bool {
	fd := m.slots[i].FD
	soErr := m.backend.SocketError(fd)

	c, ok := m.conns.Get(Handle(fd))
	if !ok {
		m.log.Warn("Error signal on unknown slot", "fd", fd, "so_error", soErr)
		return false
	}
	c.errStrikes++
	m.log.Warn("Socket error signalled", "fd", fd, "session", c.Session.String(), "so_error", soErr, "strikes", c.errStrikes)

	if m.cfg.MaxSocketErrors > 0 && c.errStrikes >= m.cfg.MaxSocketErrors {
		m.removeSlot(i, CloseSocketError)
		return true
	}
	return false
}

func (m *Multiplexer) handleReadable(i int) bool {
	fd := m.slots[i].FD
	h := Handle(fd)
	c, ok := m.conns.Get(h)
	if !ok {
		m.log.Warn("Readable slot without a connection", "fd", fd)
		return false
	}

	buf := c.receiveBuffer()
	n, err := m.backend.Recv(fd, buf)
	switch {
	case errors.Is(err, ErrWouldBlock):
		return false
	case err != nil:
		if isExpectedCloseError(err) {
			m.log.Debug("Client connection reset", "fd", fd, "err", err)
		} else {
			m.log.Warn("Read error", "fd", fd, "session", c.Session.String(), "err", err)
		}
		m.removeSlot(i, CloseReadFault)
		return true
	case n == 0:
		m.removeSlot(i, ClosePeerClosed)
		return true
	}

	c.errStrikes = 0
	m.recorder.BytesReceived(n)
	m.log.Debug("Received client data", "fd", fd, "bytes", n)

	// Room commands are never throttled; only chat payloads spend tokens.
	if ParseLine(buf[:n]).Kind == CommandPayload && !c.allow() {
		m.recorder.MessageThrottled()
		m.log.Warn("Rate limit exceeded; discarding message",
			"fd", fd, "session", c.Session.String(),
			"burst", m.cfg.RateLimit.Burst, "refill", m.cfg.RateLimit.RefillInterval)
		return false
	}

	before, _ := m.rooms.CurrentRoom(h)
	for _, target := range m.router.Route(h, buf[:n]) {
		m.setInterest(target, WriteWatch)
	}
	if after, _ := m.rooms.CurrentRoom(h); after != before {
		m.dirty = true
	}
	return false
}

func (m *Multiplexer) handleWritable(i int) bool {
	fd := m.slots[i].FD
	h := Handle(fd)

	payload, ok := m.conns.TakePendingWrite(h)
	if !ok {
		m.slots[i].Interest = ReadWatch
		return false
	}

	n, err := m.backend.Send(fd, payload)
	switch {
	case errors.Is(err, ErrWouldBlock):
		m.restage(h, payload)
		return false
	case err != nil:
		if isExpectedCloseError(err) {
			m.log.Debug("Client went away before flush", "fd", fd, "err", err)
		} else {
			m.log.Warn("Write error", "fd", fd, "err", err)
		}
		m.removeSlot(i, CloseWriteFault)
		return true
	}

	if c, ok := m.conns.Get(h); ok {
		c.errStrikes = 0
	}
	if n < len(payload) {
		m.restage(h, payload[n:])
		return false
	}

	m.slots[i].Interest = ReadWatch
	return false
}

// restage puts an unsent payload back without copying it again.
func (m *Multiplexer) restage(h Handle, payload []byte) {
	if c, ok := m.conns.Get(h); ok {
		c.pending = payload
	}
}

func (m *Multiplexer) setInterest(h Handle, interest Interest) {
	for i := 1; i < len(m.slots); i++ {
		if m.slots[i].FD == int(h) {
			m.slots[i].Interest = interest
			return
		}
	}
	m.log.Warn("No poll slot for connection", "fd", int(h))
}

// removeSlot closes the connection in slot i and swaps the last slot into
// its place.
func (m *Multiplexer) removeSlot(i int, reason string) {
	m.closeConnection(Handle(m.slots[i].FD), reason)

	last := len(m.slots) - 1
	m.slots[i] = m.slots[last]
	m.slots = m.slots[:last]
}

func (m *Multiplexer) closeConnection(h Handle, reason string) {
	attrs := []any{"fd", int(h), "reason", reason}
	if c, ok := m.conns.Get(h); ok {
		attrs = append(attrs, "session", c.Session.String(), "addr", c.Addr)
	}
	if room, ok := m.rooms.CurrentRoom(h); ok {
		attrs = append(attrs, "room", room)
	}

	m.conns.Remove(h)
	if err := m.backend.Close(int(h)); err != nil && !isExpectedCloseError(err) {
		m.log.Warn("Error closing client connection", "fd", int(h), "err", err)
	}
	m.recorder.ConnectionClosed(reason)
	m.dirty = true

	m.log.Info("Client disconnected", append(attrs, "clients", m.conns.Len())...)
}

func (m *Multiplexer) shutdown() {
	m.log.Info("Shutting down all client connections...")

	count := len(m.slots) - 1
	for len(m.slots) > 1 {
		m.removeSlot(len(m.slots)-1, CloseShutdown)
	}
	if err := m.backend.Close(m.listenFD); err != nil && !isExpectedCloseError(err) {
		m.log.Warn("Error closing listener", "err", err)
	}
	m.board.publish(m.conns, m.rooms)
	m.dirty = false

	m.log.Info("Closed client connections", "count", count)
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	return err == nil ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EBADF) ||
		errors.Is(err, syscall.ENOTCONN)
}
