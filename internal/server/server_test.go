//go:build linux

package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/Tyrowin/roomrelay/internal/relay"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := NewConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.PollTimeout = 50 * time.Millisecond
	cfg.Ops.Addr = "127.0.0.1:0"
	cfg.Ops.PushInterval = 20 * time.Millisecond

	srv, err := New(*cfg, discardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run() error = %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("server did not shut down")
		}
	})
	return srv
}

func waitForConnections(t *testing.T, board *relay.Board, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if board.Load().Connections == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("connections = %d, want %d", board.Load().Connections, want)
}

// TestServerEndToEnd verifies a relay client is visible through the ops endpoints.
func TestServerEndToEnd(t *testing.T) {
	srv := startTestServer(t)

	conn, err := net.DialTimeout("tcp", srv.Addr(), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	waitForConnections(t, srv.Board(), 1)

	base := "http://" + srv.OpsAddr()

	resp, err := http.Get(base + "/rooms")
	if err != nil {
		t.Fatalf("GET /rooms error = %v", err)
	}
	var snap relay.Snapshot
	err = json.NewDecoder(resp.Body).Decode(&snap)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if public, ok := snap.Room(relay.DefaultRoom); !ok || len(public.Members) != 1 {
		t.Errorf("public room = %+v, want one member", public)
	}

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "relay_connections_active 1") {
		t.Errorf("metrics output missing active gauge:\n%s", body)
	}
}

// TestServerWithoutOps verifies the ops server stays off when no address is set.
func TestServerWithoutOps(t *testing.T) {
	cfg := NewConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0

	srv, err := New(*cfg, discardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if srv.OpsAddr() != "" {
		t.Errorf("OpsAddr() = %q, want empty", srv.OpsAddr())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := srv.Run(ctx); err != nil {
		t.Errorf("Run() on a cancelled context error = %v", err)
	}
}
