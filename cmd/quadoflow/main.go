package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow"
)

func main() {
	//you may do your own logger setup here or use this default one with slog
	quadoflow.SetupLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := quadoflow.Run(ctx); err != nil {
		slog.Error("Quadoflow exited with error", "error", err)
		os.Exit(1)
	}
}
