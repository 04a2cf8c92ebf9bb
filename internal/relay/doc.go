// Package relay implements the room relay core: a single-goroutine readiness
// loop that accepts TCP connections, keeps each one in exactly one named room,
// and copies every line a client sends to the other members of its room.
//
// The loop owns all state. Two reserved prefixes, "Enter the room:" and
// "Quit the room:", move a connection between rooms; anything else is
// broadcast verbatim. Sockets are reached through the Backend interface so
// the loop can be driven by a scripted readiness source in tests.
package relay
