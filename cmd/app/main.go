package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"matchcore/internal/app"

	"github.com/joho/godotenv"

	_ "net/http/pprof" // For pprof profiling
)

func main() {
	// Optional .env for local overrides; absence is not an error.
	_ = godotenv.Load()

	// Pprof server, localhost only.
	go func() {
		if err := http.ListenAndServe("localhost:6060", nil); err != nil {
			slog.Error("PPROF_SERVER_FAILED", slog.Any("error", err))
		}
	}()

	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(); err != nil {
		slog.Error("BOOTSTRAP_FAILED", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := bootstrap.Run(ctx); err != nil {
		slog.Error("RUN_FAILED", slog.Any("error", err))
		os.Exit(1)
	}
}
