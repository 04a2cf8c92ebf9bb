// Package relay tracks room membership with a forward room -> members map
// and a reverse member -> room map, kept mutually consistent.
package relay

import "slices"

// DefaultRoom is the room every admitted connection starts in. It always
// exists, even when empty.
const DefaultRoom = "public"

// RoomDirectory maps room names to their member handles and each handle back
// to its current room. It is owned by the multiplexer goroutine and is not
// safe for concurrent use.
type RoomDirectory struct {
	members map[string]map[Handle]struct{}
	roomOf  map[Handle]string
}

// NewRoomDirectory returns a directory holding only the empty default room.
func NewRoomDirectory() *RoomDirectory {
	return &RoomDirectory{
		members: map[string]map[Handle]struct{}{
			DefaultRoom: {},
		},
		roomOf: make(map[Handle]string),
	}
}

// Join moves h out of its current room and into room, creating room if it
// does not exist yet. Joining the room h is already in changes nothing.
func (d *RoomDirectory) Join(h Handle, room string) {
	if current, ok := d.roomOf[h]; ok {
		if current == room {
			return
		}
		delete(d.members[current], h)
	}

	set, ok := d.members[room]
	if !ok {
		set = make(map[Handle]struct{})
		d.members[room] = set
	}
	set[h] = struct{}{}
	d.roomOf[h] = room
}

// LeaveToPublic moves h from room back into the default room. It returns
// ErrNotMember when h is not currently in room.
func (d *RoomDirectory) LeaveToPublic(h Handle, room string) error {
	if _, ok := d.members[room][h]; !ok {
		return ErrNotMember
	}
	d.Join(h, DefaultRoom)
	return nil
}

// MembersExcluding returns a snapshot of every member of room other than
// exclude. The order is unspecified.
func (d *RoomDirectory) MembersExcluding(room string, exclude Handle) []Handle {
	set := d.members[room]
	out := make([]Handle, 0, len(set))
	for h := range set {
		if h == exclude {
			continue
		}
		out = append(out, h)
	}
	return out
}

// Members returns a snapshot of every member of room.
func (d *RoomDirectory) Members(room string) []Handle {
	return d.MembersExcluding(room, -1)
}

// CurrentRoom reports the room h is in.
func (d *RoomDirectory) CurrentRoom(h Handle) (string, bool) {
	room, ok := d.roomOf[h]
	return room, ok
}

// Forget drops h from whatever room it is in, along with its reverse entry.
// Rooms left empty are kept.
func (d *RoomDirectory) Forget(h Handle) {
	room, ok := d.roomOf[h]
	if !ok {
		return
	}
	delete(d.members[room], h)
	delete(d.roomOf, h)
}

// Exists reports whether room has ever been created.
func (d *RoomDirectory) Exists(room string) bool {
	_, ok := d.members[room]
	return ok
}

// RoomNames returns all room names in lexical order.
func (d *RoomDirectory) RoomNames() []string {
	names := make([]string, 0, len(d.members))
	for name := range d.members {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
