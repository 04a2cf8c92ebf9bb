// Package server exposes the ops HTTP handlers: health checks, the room
// directory snapshot, and the live WebSocket room feed.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/roomrelay/internal/relay"
)

// OpsHandlers serves read-only views of the relay. It only ever reads the
// relay's Board, never the loop's own state.
type OpsHandlers struct {
	board    *relay.Board
	metrics  *Metrics
	policy   *originPolicy
	upgrader websocket.Upgrader
	push     time.Duration
	log      *slog.Logger

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewOpsHandlers creates the ops handlers over board.
func NewOpsHandlers(cfg OpsConfig, board *relay.Board, metrics *Metrics, logger *slog.Logger) *OpsHandlers {
	policy := newOriginPolicy(cfg.AllowedOrigins, logger)
	push := cfg.PushInterval
	if push <= 0 {
		push = time.Second
	}
	return &OpsHandlers{
		board:   board,
		metrics: metrics,
		policy:  policy,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     policy.checkOrigin,
		},
		push: push,
		log:  logger,
		done: make(chan struct{}),
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Relay server is running!")
}

// RoomsHandler writes the latest room directory snapshot as JSON.
func (h *OpsHandlers) RoomsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed.", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.board.Load()); err != nil {
		h.log.Error("Error writing rooms response", "err", err)
	}
}

// WebSocketHandler upgrades the request and streams room snapshots to the
// client until it disconnects or the handlers are closed.
func (h *OpsHandlers) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", "err", err)
		return
	}

	wt := newWatcher(conn, h.board, r.RemoteAddr, h.push, h.done, h.log)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		wt.run()
	}()
}

// Close stops every live WebSocket feed and waits for them to finish, or
// until timeout.
func (h *OpsHandlers) Close(timeout time.Duration) bool {
	h.stopOnce.Do(func() { close(h.done) })

	finished := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return true
	case <-time.After(timeout):
		h.log.Warn("WebSocket feeds did not stop before the timeout")
		return false
	}
}
