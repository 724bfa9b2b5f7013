package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/goldfish-inc/oceanid/groundtruth-stager/internal/env"
	"github.com/goldfish-inc/oceanid/groundtruth-stager/internal/metrics"
	"github.com/goldfish-inc/oceanid/groundtruth-stager/internal/storage"
	"github.com/goldfish-inc/oceanid/groundtruth-stager/internal/training"
)

// Config holds application configuration
type Config struct {
	Region         string
	S3Endpoint     string // For testing with MinIO
	OutputDir      string
	S3Prefix       string
	WorkDir        string
	ProjectPrefix  string
	ProjectName    string // Reuse an existing project instead of creating one
	Bucket         string // Reuse an existing bucket
	AllowedLabels  []string
	SkipUpload     bool
	PushgatewayURL string
	Timeout        time.Duration
}

func loadConfig() *Config {
	cfg := &Config{
		Region:         env.Get("AWS_REGION", ""),
		S3Endpoint:     env.Get("S3_ENDPOINT", ""),
		OutputDir:      env.Get("OUTPUT_DIR", "../image-output"),
		S3Prefix:       env.Get("S3_PREFIX", "service-icons-blog"),
		WorkDir:        env.Get("WORK_DIR", "."),
		ProjectPrefix:  env.Get("PROJECT_PREFIX", "project-service-detection"),
		ProjectName:    env.Get("PROJECT_NAME", ""),
		Bucket:         env.Get("S3_BUCKET", ""),
		AllowedLabels:  env.List("ALLOWED_LABELS"),
		SkipUpload:     env.Bool("SKIP_UPLOAD", false),
		PushgatewayURL: env.Get("PUSHGATEWAY_URL", ""),
		Timeout:        env.Duration("STAGE_TIMEOUT", time.Hour),
	}

	if cfg.Region == "" {
		log.Fatal("AWS_REGION is required")
	}

	return cfg
}

func main() {
	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	s3Client, err := storage.NewClient(ctx, storage.Config{Region: cfg.Region, Endpoint: cfg.S3Endpoint})
	if err != nil {
		log.Fatalf("Failed to initialize S3 client: %v", err)
	}
	rekClient, err := training.NewClient(ctx, cfg.Region)
	if err != nil {
		log.Fatalf("Failed to initialize Rekognition client: %v", err)
	}

	stager, err := newStager(cfg, s3Client, rekClient)
	if err != nil {
		log.Fatalf("Failed to prepare stager: %v", err)
	}

	runErr := stager.Run(ctx)

	if cfg.PushgatewayURL != "" {
		if err := metrics.Push(context.Background(), cfg.PushgatewayURL, "dataset-stager"); err != nil {
			log.Printf("Warning: %v", err)
		}
	}

	if runErr != nil {
		log.Fatalf("Staging failed: %v", runErr)
	}
	log.Printf("Staging complete for project %s", stager.projectName)
}
