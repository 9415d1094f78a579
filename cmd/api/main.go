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

	"waypoint/api/internal/app"
	"waypoint/api/internal/config"
	"waypoint/api/internal/events"
	"waypoint/api/internal/guard"
	"waypoint/api/internal/metrics"
	"waypoint/api/internal/schema"
	"waypoint/api/internal/search"
	"waypoint/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		log.Fatalf("migrations failed: %v", err)
	}
	for _, version := range applied {
		log.Printf("applied migration %s", version)
	}

	m := metrics.New()
	schemaState := schema.NewState()
	reconciler := schema.NewReconciler(schema.NewPostgresCatalog(db), schema.Layouts)
	reconciler.OnPatched = func(result schema.TableResult) {
		m.SchemaPatched(result.Table)
	}
	if err := reconciler.Reconcile(ctx, schemaState); err != nil {
		log.Fatalf("schema reconciliation failed: %v", err)
	}

	deps := app.Deps{Metrics: m}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisGuard, err := guard.NewRedisGuard(cfg.RedisURL)
		if err != nil {
			log.Printf("WARNING: redis unavailable, conversions run unguarded: %v", err)
		} else {
			defer redisGuard.Close()
			deps.Guard = redisGuard
		}
	}

	if strings.TrimSpace(cfg.NATSURL) != "" {
		publisher, err := events.NewNATSPublisher(cfg.NATSURL, cfg.EventsPrefix)
		if err != nil {
			log.Printf("WARNING: events disabled: %v", err)
		} else {
			defer publisher.Close()
			deps.Publisher = publisher
		}
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, search.NewPgSearch(db))
	defer searchService.Close()
	deps.Search = searchService

	dataStore := store.NewPostgresStore(db)
	service := app.New(cfg, dataStore, schemaState, deps)
	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}
	go searchService.ReindexAllFromPG(ctx)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, m.Handler())
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           http.TimeoutHandler(httpServer.Handler(), cfg.RequestTimeout, `{"code":"TIMEOUT","error":"Request timed out"}`),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Waypoint API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
