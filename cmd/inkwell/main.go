package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/jackzampolin/inkwell/internal/restore"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	// Set up context with signal handling; cancelling aborts the running batch
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if errors.Is(err, restore.ErrJobsFailed) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
