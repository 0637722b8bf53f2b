package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/arklim/social-platform-guildsync/internal/infra/app"
	"github.com/arklim/social-platform-guildsync/internal/infra/config"
)

// The worker binary runs the sync queue without the HTTP API. Deployments
// that want a single process can run cmd/api instead, which embeds the
// worker loop.
func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	application, err := app.New(ctx, cfg, app.Options{EnableWorker: true})
	if err != nil {
		log.Fatalf("failed to init worker: %v", err)
	}

	if err := application.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
		os.Exit(1)
	}
}
