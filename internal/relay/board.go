package relay

import (
	"sync/atomic"
	"time"
)

// MemberInfo describes one room member in a Snapshot.
type MemberInfo struct {
	Session string `json:"session"`
	Addr    string `json:"addr"`
}

// RoomInfo describes one room in a Snapshot.
type RoomInfo struct {
	Name    string       `json:"name"`
	Members []MemberInfo `json:"members"`
}

// Snapshot is an immutable view of the room directory taken between cycles.
type Snapshot struct {
	Version     uint64     `json:"version"`
	TakenAt     time.Time  `json:"taken_at"`
	Connections int        `json:"connections"`
	Capacity    int        `json:"capacity"`
	Rooms       []RoomInfo `json:"rooms"`
}

// Room returns the named room from the snapshot.
func (s *Snapshot) Room(name string) (RoomInfo, bool) {
	for _, r := range s.Rooms {
		if r.Name == name {
			return r, true
		}
	}
	return RoomInfo{}, false
}

// Board holds the latest published Snapshot. It is the only relay state that
// may be read from goroutines other than the multiplexer's.
type Board struct {
	current atomic.Pointer[Snapshot]
}

// NewBoard returns a board holding an empty snapshot.
func NewBoard() *Board {
	b := &Board{}
	b.current.Store(&Snapshot{
		TakenAt: time.Now(),
		Rooms:   []RoomInfo{{Name: DefaultRoom, Members: []MemberInfo{}}},
	})
	return b
}

// Load returns the latest snapshot. Callers must not modify it.
func (b *Board) Load() *Snapshot {
	return b.current.Load()
}

func (b *Board) publish(conns *ConnTable, rooms *RoomDirectory) {
	prev := b.current.Load()
	snap := &Snapshot{
		Version:     prev.Version + 1,
		TakenAt:     time.Now(),
		Connections: conns.Len(),
		Capacity:    conns.Capacity(),
	}

	for _, name := range rooms.RoomNames() {
		info := RoomInfo{Name: name, Members: []MemberInfo{}}
		for _, h := range rooms.Members(name) {
			c, ok := conns.Get(h)
			if !ok {
				continue
			}
			info.Members = append(info.Members, MemberInfo{Session: c.Session.String(), Addr: c.Addr})
		}
		snap.Rooms = append(snap.Rooms, info)
	}

	b.current.Store(snap)
}
