// Package server implements the process-level pieces of the room relay.
//
// The relay loop itself lives in package relay; this package supplies its
// configuration, logging and Prometheus metrics, and runs the optional ops
// HTTP server (health, metrics, room snapshot and a live WebSocket room feed)
// next to it.
package server
