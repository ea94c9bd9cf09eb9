package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"run-reporter/api/rest/routes"
	"run-reporter/config"
	"run-reporter/core/monitoring"
	"run-reporter/core/repository"
	"run-reporter/core/runs"
	"run-reporter/storage"

	"github.com/gorilla/mux"
)

func main() {
	cfg := config.Load()

	// Initialize database
	db, err := repository.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	log.Println("Database connected successfully")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize evidence storage
	fsStore, err := storage.NewFSStore(cfg.EvidenceRoot)
	if err != nil {
		log.Fatalf("Failed to initialize evidence store: %v", err)
	}
	router := storage.NewRouter(fsStore)
	router.Register("", fsStore)

	if cfg.EvidenceBucket != "" {
		s3Store, err := storage.NewS3Store(ctx, cfg.EvidenceBucket, cfg.AWSRegion)
		if err != nil {
			log.Fatalf("Failed to initialize S3 evidence store: %v", err)
		}
		router = storage.NewRouter(s3Store)
		router.Register("", fsStore)
		router.Register("s3", s3Store)
		log.Printf("Storing evidence in s3://%s", cfg.EvidenceBucket)
	}

	collector, err := storage.NewCollector(router, cfg.EvidenceRoot)
	if err != nil {
		log.Fatalf("Failed to initialize evidence collector: %v", err)
	}

	// Initialize run service
	svc := runs.NewService(db, router, collector, storage.NewExporter(cfg.ExportDir))

	// Initialize run monitor
	monitor := monitoring.NewRunMonitor(svc, cfg.StallTimeout, cfg.MonitorInterval)
	go monitor.Start(ctx)

	// Setup routes
	r := mux.NewRouter()
	routes.SetupRoutes(r, db, svc, cfg.LogTail)

	// Start server
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Starting server on port %s", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	log.Println("Server exited")
}
