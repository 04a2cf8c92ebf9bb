// Package server constructs and starts the ops HTTP service with helpers
// that apply sensible production defaults.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// CreateServer creates and configures an HTTP server with the specified address and handler.
// It sets reasonable timeout values for production use.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// StartServer serves HTTP on ln and blocks until the server exits. A server
// closed by ShutdownServer returns nil.
func StartServer(server *http.Server, ln net.Listener, logger *slog.Logger) error {
	logger.Info("Ops server listening", "addr", ln.Addr().String())
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ShutdownServer gracefully shuts down the HTTP server without interrupting active requests.
// It waits for active requests to finish or until the timeout is reached.
func ShutdownServer(server *http.Server, timeout time.Duration, logger *slog.Logger) error {
	logger.Info("Shutting down ops server...")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Ops server shutdown error", "err", err)
		return err
	}

	logger.Info("Ops server shutdown completed")
	return nil
}
