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

	"blueprint/api/internal/ai"
	"blueprint/api/internal/app"
	"blueprint/api/internal/archive"
	"blueprint/api/internal/config"
	"blueprint/api/internal/export"
	"blueprint/api/internal/jobs"
	"blueprint/api/internal/publish"
	"blueprint/api/internal/search"
	"blueprint/api/internal/store"
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

	if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
		log.Fatalf("failed to create archive dir: %v", err)
	}

	dataStore := store.NewPostgres(db)
	archiveService := archive.New(cfg.ArchiveDir)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		defer meiliClient.Close()
	}
	searchService.ReindexAllFromPG(ctx)

	var jobStore jobs.Store
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for job records")
		redisStore, err := jobs.NewRedisStore(cfg.RedisURL, cfg.JobTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		jobStore = redisStore
	} else {
		log.Printf("Using in-memory job records")
		jobStore = jobs.NewMemoryStore()
	}
	runner := jobs.NewRunner(jobStore, cfg.Workers, 256)
	defer runner.Close()

	var deriver ai.Deriver
	if strings.TrimSpace(cfg.AnthropicAPIKey) != "" {
		opts := []ai.ClientOption{}
		if cfg.AnthropicModel != "" {
			opts = append(opts, ai.WithModel(cfg.AnthropicModel))
		}
		deriver = ai.NewAnthropicDeriver(cfg.AnthropicAPIKey, opts...)
	} else {
		log.Printf("WARNING: no API key configured, derivation operations disabled")
		deriver = ai.Disabled{}
	}

	var exportService app.ExportService
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		objectStore, err := export.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("object store connection failed: %v", err)
		}
		if err := objectStore.EnsureBucket(ctx); err != nil {
			log.Printf("WARNING: export bucket check failed (will retry on demand): %v", err)
		}
		exportService = export.NewService(objectStore)
	} else {
		log.Printf("WARNING: no object store configured, exports disabled")
	}

	publisher := publish.NewOrchestrator(dataStore, dataStore, dataStore)
	service := app.NewService(dataStore, runner, deriver, searchService, archiveService, exportService, publisher)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Blueprint API listening on %s", cfg.Addr)
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
