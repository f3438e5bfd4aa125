package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/braidhq/braid"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	level := slog.LevelInfo
	if os.Getenv("BRAID_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := braid.New(
		braid.WithVersion(version),
		braid.WithLogger(logger),
	)
	if err != nil {
		slog.Error("startup failed", "error", err)
		return exitCode(err)
	}

	if err := app.Run(ctx); err != nil {
		slog.Error("fatal error", "error", err)
		return exitCode(err)
	}
	return 0
}

// exitCode distinguishes the common startup failures so process
// supervisors can tell a bad config from an unreachable database.
func exitCode(err error) int {
	switch {
	case errors.Is(err, braid.ErrStorage):
		return 2
	case errors.Is(err, braid.ErrBind):
		return 3
	default:
		return 1
	}
}
