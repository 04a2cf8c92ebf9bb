// Package relay routes each received buffer as a room command or a chat
// payload and stages the resulting outbound data.
package relay

import (
	"bytes"
	"errors"
	"log/slog"
)

// Reserved command prefixes and the fixed server notices.
const (
	JoinPrefix      = "Enter the room:"
	LeavePrefix     = "Quit the room:"
	NotMemberNotice = "Warning:You are not in this room"
	CapacityNotice  = "too many users"
)

// CommandKind classifies a received line.
type CommandKind int

const (
	// CommandPayload is an ordinary chat line to broadcast.
	CommandPayload CommandKind = iota
	CommandJoin
	CommandLeave
)

func (k CommandKind) String() string {
	switch k {
	case CommandJoin:
		return "join"
	case CommandLeave:
		return "leave"
	default:
		return "payload"
	}
}

// Command is a parsed line. Room is set for join and leave commands and is
// the remainder after the prefix, verbatim.
type Command struct {
	Kind CommandKind
	Room string
}

// ParseLine classifies line. A payload that happens to start with a reserved
// prefix is read as a command.
func ParseLine(line []byte) Command {
	switch {
	case bytes.HasPrefix(line, []byte(JoinPrefix)):
		return Command{Kind: CommandJoin, Room: string(line[len(JoinPrefix):])}
	case bytes.HasPrefix(line, []byte(LeavePrefix)):
		return Command{Kind: CommandLeave, Room: string(line[len(LeavePrefix):])}
	default:
		return Command{Kind: CommandPayload}
	}
}

// Router applies received lines to the room directory and connection table.
type Router struct {
	conns    *ConnTable
	rooms    *RoomDirectory
	log      *slog.Logger
	recorder Recorder
}

// NewRouter creates a Router over conns and rooms.
func NewRouter(conns *ConnTable, rooms *RoomDirectory, logger *slog.Logger, recorder Recorder) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Router{conns: conns, rooms: rooms, log: logger, recorder: recorder}
}

// Route handles line received from sender. It returns the handles that now
// have a staged payload and must be switched to write-watch. The sender is
// only ever returned for the not-member warning.
func (r *Router) Route(sender Handle, line []byte) []Handle {
	cmd := ParseLine(line)
	switch cmd.Kind {
	case CommandJoin:
		r.rooms.Join(sender, cmd.Room)
		r.recorder.CommandHandled(cmd.Kind.String(), OutcomeOK)
		r.log.Info("Client entered room", "fd", int(sender), "room", cmd.Room)
		return nil

	case CommandLeave:
		return r.leave(sender, cmd.Room)

	default:
		return r.broadcast(sender, line)
	}
}

func (r *Router) leave(sender Handle, room string) []Handle {
	err := r.rooms.LeaveToPublic(sender, room)
	if err == nil {
		r.recorder.CommandHandled(CommandLeave.String(), OutcomeOK)
		r.log.Info("Client left room", "fd", int(sender), "room", room)
		return nil
	}
	if !errors.Is(err, ErrNotMember) {
		r.log.Error("Leave command failed", "fd", int(sender), "room", room, "err", err)
		return nil
	}

	r.recorder.CommandHandled(CommandLeave.String(), OutcomeNotMember)
	current, _ := r.rooms.CurrentRoom(sender)
	r.log.Info("Client asked to leave a room it is not in",
		"fd", int(sender), "room", room, "current_room", current)

	if err := r.conns.StageWrite(sender, []byte(NotMemberNotice)); err != nil {
		r.log.Error("Failed to stage warning", "fd", int(sender), "err", err)
		return nil
	}
	return []Handle{sender}
}

func (r *Router) broadcast(sender Handle, payload []byte) []Handle {
	room, ok := r.rooms.CurrentRoom(sender)
	if !ok {
		r.log.Warn("Payload from connection without a room", "fd", int(sender))
		return nil
	}

	targets := r.rooms.MembersExcluding(room, sender)
	staged := targets[:0]
	for _, h := range targets {
		if err := r.conns.StageWrite(h, payload); err != nil {
			r.log.Warn("Skipping stale room member", "fd", int(h), "room", room, "err", err)
			continue
		}
		staged = append(staged, h)
	}

	r.recorder.MessageRelayed(len(staged), len(payload))
	r.log.Debug("Broadcasting message", "fd", int(sender), "room", room, "recipients", len(staged))
	return staged
}
