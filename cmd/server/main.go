package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/Tyrowin/roomrelay/internal/server"
)

func main() {
	// Load local .env (dev only)
	_ = godotenv.Load()

	config := server.NewConfigFromEnv()

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [ip_address port_number]\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.StringVar(&config.Ops.Addr, "ops", config.Ops.Addr, "ops HTTP listen address (empty disables it)")
	flag.IntVar(&config.MaxConnections, "max-connections", config.MaxConnections, "maximum concurrent clients")
	flag.Parse()

	switch flag.NArg() {
	case 0:
	case 2:
		port, err := strconv.Atoi(flag.Arg(1))
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid port %q: %v\n", flag.Arg(1), err)
			os.Exit(2)
		}
		config.Host = flag.Arg(0)
		config.Port = port
	default:
		flag.Usage()
		os.Exit(2)
	}

	logger := server.NewLogger(config.Env, os.Stdout)
	logger.Info("Starting room relay server...")

	// Cancel on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv, err := server.New(*config, logger)
	if err != nil {
		logger.Error("Failed to start server", "err", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("Server stopped", "err", err)
		cancel()
		os.Exit(1)
	}
	logger.Info("Server stopped")
}
