package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yoonsang0910/Memento-server/config"
	"github.com/yoonsang0910/Memento-server/gateway"
	"github.com/yoonsang0910/Memento-server/metrics"
	"github.com/yoonsang0910/Memento-server/server"
	"github.com/yoonsang0910/Memento-server/session"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()

	gw, err := gateway.New(ctx, cfg, m)
	if err != nil {
		log.Fatalf("Failed to create inference gateway: %v", err)
	}

	registry := session.NewRegistry(cfg, gw, m)
	srv := server.NewServerWebsocket(cfg, registry, m)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("\nReceived shutdown signal...")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server stopped")
}
