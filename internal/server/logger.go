package server

import (
	"io"
	"log/slog"
)

// NewLogger returns a slog.Logger writing to w: JSON at INFO for the prod
// environment, text at DEBUG otherwise.
func NewLogger(env string, w io.Writer) *slog.Logger {
	var handler slog.Handler
	if env == "prod" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	return slog.New(handler)
}
