package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"girder/api/internal/access"
	"girder/api/internal/app"
	"girder/api/internal/collab"
	"girder/api/internal/config"
	"girder/api/internal/notify"
	"girder/api/internal/store"
	syncsvc "girder/api/internal/sync"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	var sink notify.Sink = notify.NopSink{}
	var cache app.Pinger
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisSink, err := notify.NewRedisSink(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisSink.Close()
		sink = redisSink
		cache = redisSink
		log.Printf("Publishing collaboration events to Redis")
	} else {
		log.Printf("No Redis configured; event fan-out disabled")
	}

	registry := collab.NewRegistry(access.NewStoreProvider(dataStore), sink)
	router := collab.NewRouter(registry)
	coordinator := syncsvc.NewCoordinator(dataStore, sink)
	resolver := syncsvc.NewResolver(dataStore, sink)

	sweeper := collab.NewSweeper(registry, dataStore, cfg.GCInterval, cfg.IdleThreshold, cfg.SyncRetention)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	service := app.NewService(registry, router, coordinator, resolver, dataStore, cache, []byte(cfg.TokenSecret), cfg.TokenTTL)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, cfg.SendBuffer)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No read/write timeouts: WebSocket connections stay open for the
		// life of a collaboration session.
	}

	go func() {
		log.Printf("Girder collaboration API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
