// Package main provides the main entry point for the relayhub worker
// process.
//
// This is the background worker that handles:
// - Polling the transactional outbox and forwarding rows to the stream bus
// - Purging processed outbox rows past the retention window
// - Periodic dead-letter alert threshold checks
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relayhub/internal/app"
	"relayhub/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Workers do NOT run migrations (the server owns this).

	worker, err := app.NewWorker(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize worker: %v", err)
	}

	if err := worker.Start(); err != nil {
		log.Fatalf("Failed to start worker: %v", err)
	}

	log.Println("Worker started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	fmt.Println("Shutting down worker...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := worker.Shutdown(ctx); err != nil {
		log.Printf("Worker forced to shutdown: %v", err)
	}

	fmt.Println("Worker stopped")
}
