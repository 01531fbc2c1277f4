package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/collab-docs/syncserver/internal/collab"
	"github.com/collab-docs/syncserver/internal/config"
	"github.com/collab-docs/syncserver/internal/logger"
	"github.com/collab-docs/syncserver/internal/redis"
	"github.com/collab-docs/syncserver/internal/store"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database: %v", err)
	}
	defer db.Close()

	var pubsub *redis.PubSub
	if cfg.RedisURL != "" {
		pubsub, err = redis.New(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("failed to connect to redis: %v", err)
		}
		defer pubsub.Close()
	} else {
		logger.Info("REDIS_URL not set, running single-instance")
	}

	registry := collab.NewRegistry(ctx, db, cfg, pubsub)
	server := collab.NewServer(registry, db, cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(server.RoomStats())
	})
	mux.Handle("/collab", server)

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: mux,
	}

	go func() {
		logger.Info("collab server listening on :%s", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown: %v", err)
	}

	// Flush every room to the snapshot store before the pool closes.
	registry.CloseAll(shutdownCtx)

	logger.Info("server stopped")
}
