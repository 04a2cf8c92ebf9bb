package relay

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"syscall"
	"testing"
	"time"
)

const testListenFD = 3

type fakePeer struct {
	fd   int
	addr string
}

type recvResult struct {
	data string
	err  error
}

// fakeBackend is a scripted readiness source. Readiness set with ready is
// reported by the next Wait only, masked by each slot's interest the way
// poll(2) would.
type fakeBackend struct {
	ready     map[int]Readiness
	accepts   []fakePeer
	inbound   map[int][]recvResult
	sendLimit map[int]int
	sendErr   map[int]error
	sockErr   map[int]error
	waitErr   error

	sent      map[int][]string
	closed    []int
	interests map[int]Interest
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		ready:     make(map[int]Readiness),
		inbound:   make(map[int][]recvResult),
		sendLimit: make(map[int]int),
		sendErr:   make(map[int]error),
		sockErr:   make(map[int]error),
		sent:      make(map[int][]string),
		interests: make(map[int]Interest),
	}
}

func (f *fakeBackend) Wait(slots []PollSlot, _ time.Duration) error {
	if f.waitErr != nil {
		return f.waitErr
	}
	f.interests = make(map[int]Interest, len(slots))
	for i := range slots {
		r := f.ready[slots[i].FD]
		if i > 0 {
			f.interests[slots[i].FD] = slots[i].Interest
			if slots[i].Interest == WriteWatch {
				r &^= Readable
			} else {
				r &^= Writable
			}
		}
		slots[i].Ready = r
	}
	f.ready = make(map[int]Readiness)
	return nil
}

func (f *fakeBackend) Accept(int) (int, string, error) {
	if len(f.accepts) == 0 {
		return -1, "", ErrWouldBlock
	}
	p := f.accepts[0]
	f.accepts = f.accepts[1:]
	return p.fd, p.addr, nil
}

func (f *fakeBackend) Recv(fd int, p []byte) (int, error) {
	queue := f.inbound[fd]
	if len(queue) == 0 {
		return 0, ErrWouldBlock
	}
	next := queue[0]
	f.inbound[fd] = queue[1:]
	if next.err != nil {
		return 0, next.err
	}
	return copy(p, next.data), nil
}

func (f *fakeBackend) Send(fd int, p []byte) (int, error) {
	if err := f.sendErr[fd]; err != nil {
		return 0, err
	}
	n := len(p)
	if limit, ok := f.sendLimit[fd]; ok && limit < n {
		n = limit
	}
	f.sent[fd] = append(f.sent[fd], string(p[:n]))
	return n, nil
}

func (f *fakeBackend) Close(fd int) error {
	f.closed = append(f.closed, fd)
	return nil
}

func (f *fakeBackend) SocketError(fd int) error {
	return f.sockErr[fd]
}

type harness struct {
	t *testing.T
	m *Multiplexer
	b *fakeBackend
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 5
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 64
	}
	b := newFakeBackend()
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	return &harness{t: t, m: NewMultiplexer(cfg, b, testListenFD, opts...), b: b}
}

func (h *harness) step(ready map[int]Readiness) {
	h.t.Helper()
	for fd, r := range ready {
		h.b.ready[fd] |= r
	}
	if err := h.m.Step(); err != nil {
		h.t.Fatalf("Step() error = %v", err)
	}
	h.assertInvariants()
}

func (h *harness) connect(fd int) {
	h.t.Helper()
	h.b.accepts = append(h.b.accepts, fakePeer{fd: fd, addr: fmt.Sprintf("10.0.0.1:%d", 40000+fd)})
	h.step(map[int]Readiness{testListenFD: Readable})
}

func (h *harness) send(fd int, line string) {
	h.t.Helper()
	h.b.inbound[fd] = append(h.b.inbound[fd], recvResult{data: line})
	h.step(map[int]Readiness{fd: Readable})
}

func (h *harness) flush(fds ...int) {
	h.t.Helper()
	ready := make(map[int]Readiness, len(fds))
	for _, fd := range fds {
		ready[fd] = Writable
	}
	h.step(ready)
}

func (h *harness) members(room string) []Handle {
	m := h.m.rooms.Members(room)
	slices.Sort(m)
	return m
}

func (h *harness) slotFDs() []int {
	fds := make([]int, 0, len(h.m.slots))
	for _, s := range h.m.slots {
		fds = append(fds, s.FD)
	}
	return fds
}

func (h *harness) interest(fd int) Interest {
	for _, s := range h.m.slots {
		if s.FD == fd {
			return s.Interest
		}
	}
	h.t.Fatalf("no slot for fd %d", fd)
	return ReadWatch
}

// assertInvariants checks table/directory consistency and the slot table shape.
func (h *harness) assertInvariants() {
	h.t.Helper()
	assertConsistent(h.t, h.m.rooms)

	for _, handle := range h.m.conns.Handles() {
		if _, ok := h.m.rooms.CurrentRoom(handle); !ok {
			h.t.Errorf("connection %d has no room", handle)
		}
	}
	if len(h.m.rooms.roomOf) != h.m.conns.Len() {
		h.t.Errorf("room directory tracks %d handles, table has %d", len(h.m.rooms.roomOf), h.m.conns.Len())
	}
	if h.m.slots[0].FD != testListenFD {
		h.t.Errorf("slot 0 holds fd %d, want listener", h.m.slots[0].FD)
	}
	if len(h.m.slots) != h.m.conns.Len()+1 {
		h.t.Errorf("%d slots for %d connections", len(h.m.slots), h.m.conns.Len())
	}
	if len(h.m.slots) > h.m.cfg.MaxConnections+1 {
		h.t.Errorf("%d slots exceed capacity %d", len(h.m.slots), h.m.cfg.MaxConnections)
	}
	if !h.m.rooms.Exists(DefaultRoom) {
		h.t.Error("default room missing")
	}
}

// TestScenarioConnectAndJoin covers a client joining a room from the default room.
func TestScenarioConnectAndJoin(t *testing.T) {
	h := newHarness(t, Config{})

	h.connect(10)
	if got := h.members(DefaultRoom); !slices.Equal(got, []Handle{10}) {
		t.Fatalf("public members = %v, want [10]", got)
	}
	if h.interest(10) != ReadWatch {
		t.Error("new connection does not start in read-watch")
	}

	h.send(10, "Enter the room:alpha")
	if got := h.members("alpha"); !slices.Equal(got, []Handle{10}) {
		t.Errorf("alpha members = %v, want [10]", got)
	}
	if got := h.members(DefaultRoom); len(got) != 0 {
		t.Errorf("public members = %v, want empty", got)
	}
	if len(h.b.sent) != 0 {
		t.Errorf("join produced outbound traffic %v", h.b.sent)
	}

	h.send(10, "Enter the room:alpha")
	if got := h.members("alpha"); !slices.Equal(got, []Handle{10}) {
		t.Errorf("alpha members after repeated join = %v, want [10]", got)
	}
}

// TestScenarioLeaveWrongRoom covers the not-member warning round trip.
func TestScenarioLeaveWrongRoom(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect(10)
	h.send(10, "Enter the room:alpha")

	h.send(10, "Quit the room:beta")
	if h.interest(10) != WriteWatch {
		t.Fatal("warning did not switch the requester to write-watch")
	}

	h.flush(10)
	if got := h.b.sent[10]; !slices.Equal(got, []string{NotMemberNotice}) {
		t.Errorf("sent to requester = %q, want [%q]", got, NotMemberNotice)
	}
	if h.interest(10) != ReadWatch {
		t.Error("interest not restored to read-watch after flush")
	}
	if room, _ := h.m.rooms.CurrentRoom(10); room != "alpha" {
		t.Errorf("requester room = %q, want alpha", room)
	}
	if slices.Contains(h.b.closed, 10) {
		t.Error("not-member warning closed the connection")
	}
}

// TestScenarioBroadcast covers relaying a payload to the other room member only.
func TestScenarioBroadcast(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect(10)
	h.connect(11)
	h.send(10, "Enter the room:alpha")
	h.send(11, "Enter the room:alpha")

	h.send(10, "hello")
	if h.interest(11) != WriteWatch {
		t.Fatal("receiver not switched to write-watch")
	}
	if h.interest(10) != ReadWatch {
		t.Error("sender switched to write-watch by its own message")
	}

	h.flush(10, 11)
	if got := h.b.sent[11]; !slices.Equal(got, []string{"hello"}) {
		t.Errorf("sent to C2 = %q, want [hello]", got)
	}
	if got := h.b.sent[10]; len(got) != 0 {
		t.Errorf("sender received %q", got)
	}
}

// TestScenarioCapacity covers rejecting a connection past the maximum.
func TestScenarioCapacity(t *testing.T) {
	h := newHarness(t, Config{MaxConnections: 2})
	h.connect(10)
	h.connect(11)

	h.connect(12)

	if got := h.b.sent[12]; !slices.Equal(got, []string{CapacityNotice}) {
		t.Errorf("sent to rejected client = %q, want [%q]", got, CapacityNotice)
	}
	if !slices.Contains(h.b.closed, 12) {
		t.Error("rejected connection was not closed")
	}
	if h.m.conns.Len() != 2 {
		t.Errorf("table size = %d, want 2", h.m.conns.Len())
	}
	if _, ok := h.m.rooms.CurrentRoom(12); ok {
		t.Error("rejected connection was placed in a room")
	}
	if slices.Contains(h.slotFDs(), 12) {
		t.Error("rejected connection got a poll slot")
	}
}

// TestScenarioHangup covers a member vanishing from a shared room.
func TestScenarioHangup(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect(10)
	h.connect(11)
	h.send(10, "Enter the room:alpha")
	h.send(11, "Enter the room:alpha")

	h.step(map[int]Readiness{11: HungUp})

	if got := h.members("alpha"); !slices.Equal(got, []Handle{10}) {
		t.Fatalf("alpha members = %v, want [10]", got)
	}
	if !slices.Contains(h.b.closed, 11) {
		t.Error("hung-up connection was not closed")
	}

	h.send(10, "anyone?")
	h.flush(10, 11)
	if got := h.b.sent[11]; len(got) != 0 {
		t.Errorf("message delivered to stale handle: %q", got)
	}
	if h.interest(10) != ReadWatch {
		t.Error("sender switched to write-watch with no other members")
	}
}

// TestSwapRemoveKeepsScanning verifies a removal mid-scan still serves the slot moved into its place.
func TestSwapRemoveKeepsScanning(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect(10)
	h.connect(11)
	h.connect(12)

	h.b.inbound[12] = append(h.b.inbound[12], recvResult{data: "Enter the room:late"})
	h.step(map[int]Readiness{10: HungUp, 12: Readable})

	if got := h.slotFDs(); !slices.Equal(got, []int{testListenFD, 12, 11}) {
		t.Errorf("slots = %v, want [3 12 11]", got)
	}
	if room, _ := h.m.rooms.CurrentRoom(12); room != "late" {
		t.Errorf("slot swapped into the hole was not served: room = %q", room)
	}
}

// TestReadOutcomes verifies how receive results map to removal.
func TestReadOutcomes(t *testing.T) {
	tests := []struct {
		name        string
		result      recvResult
		wantRemoved bool
	}{
		{name: "would block", result: recvResult{err: ErrWouldBlock}, wantRemoved: false},
		{name: "peer closed", result: recvResult{data: ""}, wantRemoved: true},
		{name: "read fault", result: recvResult{err: syscall.ECONNRESET}, wantRemoved: true},
		{name: "data", result: recvResult{data: "hi"}, wantRemoved: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			h.connect(10)

			h.b.inbound[10] = append(h.b.inbound[10], tt.result)
			h.step(map[int]Readiness{10: Readable})

			_, alive := h.m.conns.Get(10)
			if alive == tt.wantRemoved {
				t.Errorf("connection alive = %v, want removed = %v", alive, tt.wantRemoved)
			}
			if slices.Contains(h.b.closed, 10) != tt.wantRemoved {
				t.Errorf("closed = %v, want removed = %v", h.b.closed, tt.wantRemoved)
			}
		})
	}
}

// TestReceiveIsBounded verifies a receive never fills the whole scratch buffer.
func TestReceiveIsBounded(t *testing.T) {
	h := newHarness(t, Config{BufferSize: 8})
	h.connect(10)
	h.connect(11)

	h.send(10, "0123456789")
	h.flush(11)

	if got := h.b.sent[11]; !slices.Equal(got, []string{"0123456"}) {
		t.Errorf("relayed %q, want the first 7 bytes", got)
	}
}

// TestLastWriteWins verifies a second staged payload replaces an unsent one.
func TestLastWriteWins(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect(10)
	h.connect(11)
	h.connect(12)

	h.send(10, "first")
	h.flush(12)
	h.send(12, "second")
	h.flush(11)

	if got := h.b.sent[11]; !slices.Equal(got, []string{"second"}) {
		t.Errorf("sent to 11 = %q, want [second]", got)
	}
}

// TestPartialWrite verifies an unsent remainder stays staged in write-watch.
func TestPartialWrite(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect(10)
	h.connect(11)
	h.b.sendLimit[11] = 2

	h.send(10, "hello")
	h.flush(11)
	if h.interest(11) != WriteWatch {
		t.Fatal("interest left write-watch with data still pending")
	}

	delete(h.b.sendLimit, 11)
	h.flush(11)
	if got := h.b.sent[11]; !slices.Equal(got, []string{"he", "llo"}) {
		t.Errorf("sends = %q, want [he llo]", got)
	}
	if h.interest(11) != ReadWatch {
		t.Error("interest not restored after the remainder was sent")
	}
}

// TestWriteOutcomes verifies would-block keeps the payload and faults remove the connection.
func TestWriteOutcomes(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect(10)
	h.connect(11)

	h.b.sendErr[11] = ErrWouldBlock
	h.send(10, "hello")
	h.flush(11)
	if !h.m.conns.HasPendingWrite(11) {
		t.Fatal("payload dropped on would-block")
	}

	h.b.sendErr[11] = syscall.EPIPE
	h.flush(11)
	if _, ok := h.m.conns.Get(11); ok {
		t.Error("connection kept after a write fault")
	}
	if !slices.Contains(h.b.closed, 11) {
		t.Error("connection not closed after a write fault")
	}
}

// TestWritableWithoutPayload verifies a writable signal with nothing staged sends nothing.
func TestWritableWithoutPayload(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect(10)
	h.m.slots[1].Interest = WriteWatch

	h.flush(10)

	if len(h.b.sent[10]) != 0 {
		t.Errorf("sent %q with nothing staged", h.b.sent[10])
	}
	if h.interest(10) != ReadWatch {
		t.Error("interest left on write-watch with nothing staged")
	}
}

// TestSocketErrorPolicy verifies error signals are logged until the strike limit.
func TestSocketErrorPolicy(t *testing.T) {
	h := newHarness(t, Config{MaxSocketErrors: 2})
	h.connect(10)
	h.b.sockErr[10] = syscall.ECONNREFUSED

	h.step(map[int]Readiness{10: Errored})
	if _, ok := h.m.conns.Get(10); !ok {
		t.Fatal("connection removed on the first error signal")
	}

	h.send(10, "still here")
	h.step(map[int]Readiness{10: Errored})
	if _, ok := h.m.conns.Get(10); !ok {
		t.Fatal("a successful read did not reset the strike count")
	}

	h.step(map[int]Readiness{10: Errored})
	if _, ok := h.m.conns.Get(10); ok {
		t.Error("connection kept after reaching the strike limit")
	}
}

// TestSocketErrorLogOnly verifies a zero strike limit never closes.
func TestSocketErrorLogOnly(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect(10)

	for i := 0; i < 5; i++ {
		h.step(map[int]Readiness{10: Errored | Readable})
	}
	if _, ok := h.m.conns.Get(10); !ok {
		t.Error("connection removed although error signals are informational")
	}
}

// TestRateLimitDropsExcess verifies throttled lines are discarded without closing.
func TestRateLimitDropsExcess(t *testing.T) {
	now := time.Unix(0, 0)
	h := newHarness(t, Config{RateLimit: RateLimitConfig{Burst: 1, RefillInterval: time.Minute}},
		WithClock(func() time.Time { return now }))
	h.connect(10)
	h.connect(11)

	h.send(10, "one")
	h.flush(11)
	h.send(10, "two")
	h.flush(11)

	if got := h.b.sent[11]; !slices.Equal(got, []string{"one"}) {
		t.Errorf("sent to 11 = %q, want [one]", got)
	}
	if _, ok := h.m.conns.Get(10); !ok {
		t.Error("throttled connection was closed")
	}
}

// TestRateLimitSparesRoomCommands verifies join and leave are applied even
// after the payload burst is spent.
func TestRateLimitSparesRoomCommands(t *testing.T) {
	now := time.Unix(0, 0)
	h := newHarness(t, Config{RateLimit: RateLimitConfig{Burst: 2, RefillInterval: time.Minute}},
		WithClock(func() time.Time { return now }))
	h.connect(10)

	for i := 0; i < 5; i++ {
		h.send(10, "chatter")
	}
	h.send(10, JoinPrefix+"alpha")

	if got := h.members("alpha"); !slices.Equal(got, []Handle{10}) {
		t.Fatalf("alpha members = %v, want [10]", got)
	}

	h.send(10, LeavePrefix+"alpha")
	if room, _ := h.m.rooms.CurrentRoom(10); room != DefaultRoom {
		t.Errorf("room after leave = %q, want %q", room, DefaultRoom)
	}
}

// TestRateLimitDisabled verifies a zero burst relays every line.
func TestRateLimitDisabled(t *testing.T) {
	now := time.Unix(0, 0)
	h := newHarness(t, Config{RateLimit: RateLimitConfig{Burst: 0, RefillInterval: time.Second}},
		WithClock(func() time.Time { return now }))
	h.connect(10)
	h.connect(11)

	for i := 0; i < 12; i++ {
		h.send(10, fmt.Sprintf("line %d", i))
		h.flush(11)
	}
	h.send(10, JoinPrefix+"alpha")

	if got := len(h.b.sent[11]); got != 12 {
		t.Errorf("lines relayed to 11 = %d, want 12", got)
	}
	if got := h.members("alpha"); !slices.Equal(got, []Handle{10}) {
		t.Errorf("alpha members = %v, want [10]", got)
	}
}

// TestBoardPublishesMembership verifies snapshots follow room changes.
func TestBoardPublishesMembership(t *testing.T) {
	h := newHarness(t, Config{})
	before := h.m.Board().Load().Version

	h.connect(10)
	h.send(10, "Enter the room:alpha")

	snap := h.m.Board().Load()
	if snap.Version <= before {
		t.Errorf("version %d did not advance past %d", snap.Version, before)
	}
	if snap.Connections != 1 {
		t.Errorf("snapshot connections = %d, want 1", snap.Connections)
	}
	alpha, ok := snap.Room("alpha")
	if !ok || len(alpha.Members) != 1 || alpha.Members[0].Addr != "10.0.0.1:40010" {
		t.Errorf("alpha in snapshot = %+v, want one member at 10.0.0.1:40010", alpha)
	}
	public, ok := snap.Room(DefaultRoom)
	if !ok || len(public.Members) != 0 {
		t.Errorf("public in snapshot = %+v, want present and empty", public)
	}
}

// TestStepPollFailure verifies a failed wait is reported as ErrPollFailure.
func TestStepPollFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.b.waitErr = syscall.EBADF

	err := h.m.Step()
	if !errors.Is(err, ErrPollFailure) || !errors.Is(err, syscall.EBADF) {
		t.Errorf("Step() error = %v, want ErrPollFailure wrapping EBADF", err)
	}
}

// TestRunStopsOnPollFailure verifies Run releases every connection and the listener.
func TestRunStopsOnPollFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect(10)
	h.connect(11)
	h.b.waitErr = syscall.ENOMEM

	if err := h.m.Run(context.Background()); !errors.Is(err, ErrPollFailure) {
		t.Fatalf("Run() error = %v, want ErrPollFailure", err)
	}
	for _, fd := range []int{10, 11, testListenFD} {
		if !slices.Contains(h.b.closed, fd) {
			t.Errorf("fd %d not closed on shutdown", fd)
		}
	}
	if h.m.conns.Len() != 0 {
		t.Errorf("%d connections left after shutdown", h.m.conns.Len())
	}
}

// TestRunStopsOnCancel verifies a cancelled context ends Run without error.
func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := h.m.Run(ctx); err != nil {
		t.Errorf("Run() error = %v, want nil", err)
	}
	if !slices.Contains(h.b.closed, testListenFD) {
		t.Error("listener not closed on cancellation")
	}
}

type countingRecorder struct {
	nopRecorder
	admitted  int
	rejected  int
	throttled int
	relayed   int
	closed    map[string]int
}

func (r *countingRecorder) ConnectionAdmitted() { r.admitted++ }
func (r *countingRecorder) ConnectionRejected() { r.rejected++ }
func (r *countingRecorder) ConnectionClosed(s string) { r.closed[s]++ }
func (r *countingRecorder) MessageRelayed(n, _ int) { r.relayed += n }
func (r *countingRecorder) MessageThrottled() { r.throttled++ }

// TestRecorderReceivesEvents verifies the multiplexer reports to its recorder.
func TestRecorderReceivesEvents(t *testing.T) {
	rec := &countingRecorder{closed: make(map[string]int)}
	h := newHarness(t, Config{MaxConnections: 2}, WithRecorder(rec))

	h.connect(10)
	h.connect(11)
	h.connect(12)
	h.send(10, "hello")
	h.step(map[int]Readiness{11: HungUp})

	if rec.admitted != 2 || rec.rejected != 1 {
		t.Errorf("admitted=%d rejected=%d, want 2 and 1", rec.admitted, rec.rejected)
	}
	if rec.relayed != 1 {
		t.Errorf("relayed deliveries = %d, want 1", rec.relayed)
	}
	if rec.closed[CloseHangup] != 1 {
		t.Errorf("closed = %v, want one hangup", rec.closed)
	}
}
