package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/goldfish-inc/oceanid/groundtruth-stager/internal/detection"
	"github.com/goldfish-inc/oceanid/groundtruth-stager/internal/env"
	"github.com/goldfish-inc/oceanid/groundtruth-stager/internal/feed"
	"github.com/goldfish-inc/oceanid/groundtruth-stager/internal/indexing"
	"github.com/goldfish-inc/oceanid/groundtruth-stager/internal/metrics"
)

// Config holds application configuration
type Config struct {
	ListenAddr        string
	DatabaseURL       string
	Region            string
	IndexID           string
	DataSourceID      string
	ReferenceIndexID  string
	ModelARN          string
	OutboxBatchSize   int
	OutboxInterval    time.Duration
	OutboxLockTimeout time.Duration
	OutboxMaxAttempts int
}

func loadConfig() *Config {
	cfg := &Config{
		ListenAddr:        env.Get("LISTEN_ADDR", ":8080"),
		DatabaseURL:       env.Get("DATABASE_URL", ""),
		Region:            env.Get("AWS_REGION", "us-east-1"),
		IndexID:           env.Get("INDEX_ID", ""),
		DataSourceID:      env.Get("DS_ID", ""),
		ModelARN:          env.Get("MODEL_ARN", ""),
		OutboxBatchSize:   env.Int("OUTBOX_BATCH_SIZE", indexing.MaxBatchSize),
		OutboxInterval:    env.Duration("OUTBOX_INTERVAL", 5*time.Second),
		OutboxLockTimeout: env.Duration("OUTBOX_LOCK_TIMEOUT", 5*time.Minute),
		OutboxMaxAttempts: env.Int("OUTBOX_MAX_ATTEMPTS", 10),
	}

	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	if cfg.IndexID == "" {
		log.Fatal("INDEX_ID is required")
	}
	if cfg.DataSourceID == "" {
		log.Fatal("DS_ID is required")
	}
	cfg.ReferenceIndexID = env.Get("REFERENCE_INDEX_ID", cfg.IndexID)

	return cfg
}

func main() {
	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := feed.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	store := feed.NewPGStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to prepare outbox: %v", err)
	}

	kendraClient, err := indexing.NewClient(ctx, cfg.Region)
	if err != nil {
		log.Fatalf("Failed to initialize Kendra client: %v", err)
	}

	metrics.Register(prometheus.DefaultRegisterer)

	var detector analyzer
	if cfg.ModelARN != "" {
		rekClient, err := detection.NewClient(ctx, cfg.Region)
		if err != nil {
			log.Fatalf("Failed to initialize Rekognition client: %v", err)
		}
		references := indexing.NewIndex(kendraClient, cfg.ReferenceIndexID, cfg.DataSourceID)
		detector = detection.NewDetector(rekClient, cfg.ModelARN, references)
		log.Printf("Detection enabled with model %s", cfg.ModelARN)
	}

	processor := feed.NewProcessor(store, indexing.NewIndex(kendraClient, cfg.IndexID, cfg.DataSourceID), feed.ProcessorConfig{
		BatchSize:    cfg.OutboxBatchSize,
		PollInterval: cfg.OutboxInterval,
		LockTimeout:  cfg.OutboxLockTimeout,
		MaxAttempts:  cfg.OutboxMaxAttempts,
	})
	go processor.Run(ctx)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newMux(store, detector),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Println("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("Diagram indexer starting on %s (index %s)", cfg.ListenAddr, cfg.IndexID)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}
