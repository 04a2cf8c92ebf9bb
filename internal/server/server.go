// Package server assembles the relay loop, its listener, metrics and the
// optional ops HTTP server into one runnable Server.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/Tyrowin/roomrelay/internal/relay"
)

const shutdownTimeout = 5 * time.Second

// Server owns the relay listener, the multiplexer and the ops server.
type Server struct {
	cfg     Config
	log     *slog.Logger
	metrics *Metrics
	mux     *relay.Multiplexer
	addr    string

	ops         *http.Server
	opsHandlers *OpsHandlers
	opsListener net.Listener
}

// New opens the relay listener (and the ops listener when configured) and
// builds the multiplexer. Nothing is served until Run.
func New(cfg Config, logger *slog.Logger) (*Server, error) {
	cfg.Sanitize()
	if logger == nil {
		logger = slog.Default()
	}

	backend, err := relay.NewSystemBackend()
	if err != nil {
		return nil, err
	}
	fd, err := relay.Listen(cfg.Host, cfg.Port, cfg.Backlog)
	if err != nil {
		return nil, fmt.Errorf("relay listener: %w", err)
	}
	addr, err := relay.LocalAddr(fd)
	if err != nil {
		_ = backend.Close(fd)
		return nil, err
	}

	metrics := NewMetrics()
	board := relay.NewBoard()
	s := &Server{
		cfg:     cfg,
		log:     logger,
		metrics: metrics,
		addr:    addr,
		mux: relay.NewMultiplexer(cfg.RelayConfig(), backend, fd,
			relay.WithLogger(logger),
			relay.WithRecorder(metrics),
			relay.WithBoard(board),
		),
	}

	if cfg.Ops.Addr != "" {
		ln, err := net.Listen("tcp", cfg.Ops.Addr)
		if err != nil {
			_ = backend.Close(fd)
			return nil, fmt.Errorf("ops listener: %w", err)
		}
		s.opsListener = ln
		s.opsHandlers = NewOpsHandlers(cfg.Ops, board, metrics, logger)
		s.ops = CreateServer(ln.Addr().String(), SetupRoutes(s.opsHandlers))
	}

	return s, nil
}

// Addr returns the relay listener address.
func (s *Server) Addr() string {
	return s.addr
}

// OpsAddr returns the ops server address, or "" when it is disabled.
func (s *Server) OpsAddr() string {
	if s.opsListener == nil {
		return ""
	}
	return s.opsListener.Addr().String()
}

// Board returns the room snapshot board.
func (s *Server) Board() *relay.Board {
	return s.mux.Board()
}

// Metrics returns the Prometheus recorder.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Run serves until ctx is cancelled, the readiness wait fails, or the ops
// server fails. All connections and listeners are closed before it returns.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	opsErr := make(chan error, 1)
	if s.ops != nil {
		go func() {
			if err := StartServer(s.ops, s.opsListener, s.log); err != nil {
				s.log.Error("Ops server failed", "err", err)
				opsErr <- err
				cancel()
			}
		}()
	}

	s.log.Info("Relay server listening", "addr", s.addr,
		"max_connections", s.cfg.MaxConnections, "buffer_size", s.cfg.BufferSize)
	err := s.mux.Run(ctx)

	if s.ops != nil {
		s.opsHandlers.Close(shutdownTimeout)
		_ = ShutdownServer(s.ops, shutdownTimeout, s.log)
	}

	if err != nil {
		return err
	}
	select {
	case err := <-opsErr:
		return fmt.Errorf("ops server: %w", err)
	default:
		return nil
	}
}
