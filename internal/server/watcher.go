// Package server manages ops WebSocket watchers, handling read/write pumps
// and keepalive for each connection.
package server

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/roomrelay/internal/relay"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxWatcherRead = 512
)

// watcher pushes room snapshots to one WebSocket client. Clients never send
// anything meaningful; the read pump only services control frames.
type watcher struct {
	conn    *websocket.Conn
	board   *relay.Board
	addr    string
	push    time.Duration
	stop    <-chan struct{}
	gone    chan struct{}
	log     *slog.Logger
	version uint64
	sent    bool
}

func newWatcher(conn *websocket.Conn, board *relay.Board, addr string, push time.Duration, stop <-chan struct{}, logger *slog.Logger) *watcher {
	return &watcher{
		conn:  conn,
		board: board,
		addr:  addr,
		push:  push,
		stop:  stop,
		gone:  make(chan struct{}),
		log:   logger.With("watcher", addr),
	}
}

func (w *watcher) run() {
	w.log.Info("Room watcher connected")
	go w.readPump()
	w.writePump()
	w.log.Info("Room watcher disconnected")
}

func (w *watcher) readPump() {
	defer close(w.gone)

	w.conn.SetReadLimit(maxWatcherRead)
	if err := w.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		w.log.Warn("Error setting initial read deadline", "err", err)
	}
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := w.conn.ReadMessage(); err != nil {
			w.handleReadError(err)
			return
		}
	}
}

// handleReadError logs appropriate messages based on the error type.
func (w *watcher) handleReadError(err error) {
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		w.log.Debug("Watcher closed the connection", "err", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		w.log.Debug("Watcher connection closed", "err", err)
	default:
		w.log.Warn("Watcher read error", "err", err)
	}
}

func (w *watcher) writePump() {
	pushTicker := time.NewTicker(w.push)
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pushTicker.Stop()
		pingTicker.Stop()
		w.closeConnection()
	}()

	if !w.pushSnapshot() {
		return
	}

	for {
		select {
		case <-w.gone:
			return
		case <-w.stop:
			w.writeCloseMessage()
			return
		case <-pushTicker.C:
			if !w.pushSnapshot() {
				return
			}
		case <-pingTicker.C:
			if !w.handlePing() {
				return
			}
		}
	}
}

// pushSnapshot sends the board's snapshot if it changed since the last push.
func (w *watcher) pushSnapshot() bool {
	snap := w.board.Load()
	if w.sent && snap.Version == w.version {
		return true
	}

	if err := w.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		w.log.Warn("Error setting write deadline", "err", err)
		return false
	}
	if err := w.conn.WriteJSON(snap); err != nil {
		if !isExpectedCloseError(err) {
			w.log.Warn("Error writing snapshot", "err", err)
		}
		return false
	}
	w.version = snap.Version
	w.sent = true
	return true
}

func (w *watcher) handlePing() bool {
	if err := w.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		w.log.Warn("Error setting write deadline for ping", "err", err)
		return false
	}
	if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		w.log.Warn("Error writing ping message", "err", err)
		return false
	}
	return true
}

func (w *watcher) writeCloseMessage() {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	if err := w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		if !isExpectedCloseError(err) {
			w.log.Warn("Error writing close message", "err", err)
		}
	}
}

func (w *watcher) closeConnection() {
	if err := w.conn.Close(); err != nil && !isExpectedCloseError(err) {
		w.log.Warn("Error closing watcher connection", "err", err)
	}
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
