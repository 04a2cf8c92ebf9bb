// Package server wires ops HTTP handlers into a ServeMux, wrapped with CORS
// for the configured origins.
package server

import (
	"net/http"

	"github.com/rs/cors"
)

// SetupRoutes configures and returns the ops handler: health check, metrics,
// room snapshot, and the WebSocket room feed.
func SetupRoutes(h *OpsHandlers) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/healthz", HealthHandler)
	mux.Handle("/metrics", h.metrics.Handler())
	mux.HandleFunc("/rooms", h.RoomsHandler)
	mux.HandleFunc("/ws", h.WebSocketHandler)

	c := cors.New(cors.Options{
		AllowedOrigins: h.policy.corsOrigins(),
		AllowedMethods: []string{http.MethodGet},
	})
	return c.Handler(mux)
}
