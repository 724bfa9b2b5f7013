package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/goldfish-inc/oceanid/groundtruth-stager/internal/groundtruth"
	"github.com/goldfish-inc/oceanid/groundtruth-stager/internal/metrics"
	"github.com/goldfish-inc/oceanid/groundtruth-stager/internal/storage"
	"github.com/goldfish-inc/oceanid/groundtruth-stager/internal/training"
)

const suffixCharset = "0123456789abcdefghijklmnopqrstuvwxyz"

// randomSuffix returns n characters from [0-9a-z].
func randomSuffix(n int) (string, error) {
	var b strings.Builder
	limit := big.NewInt(int64(len(suffixCharset)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("failed to generate suffix: %w", err)
		}
		b.WriteByte(suffixCharset[idx.Int64()])
	}
	return b.String(), nil
}

// Stager uploads images, builds one manifest per split and loads each into a
// fresh dataset.
type Stager struct {
	cfg           *Config
	store         *storage.Store
	control       *training.ControlPlane
	projectName   string
	createProject bool
	allowed       map[string]bool
	now           func() time.Time
}

func newStager(cfg *Config, s3Client storage.API, rekClient training.API) (*Stager, error) {
	suffix, err := randomSuffix(10)
	if err != nil {
		return nil, err
	}

	s := &Stager{
		cfg:           cfg,
		control:       training.NewControlPlane(rekClient),
		projectName:   cfg.ProjectName,
		createProject: cfg.ProjectName == "",
		allowed:       make(map[string]bool, len(cfg.AllowedLabels)),
		now:           time.Now,
	}
	if s.createProject {
		s.projectName = fmt.Sprintf("%s-%s", cfg.ProjectPrefix, suffix)
	}

	bucket := cfg.Bucket
	if bucket == "" {
		bucket = fmt.Sprintf("custom-labels-console-%s-%s", cfg.Region, suffix)
	}
	s.store = storage.New(s3Client, bucket)

	for _, label := range cfg.AllowedLabels {
		s.allowed[label] = true
	}
	return s, nil
}

// Run stages both splits. A split with duplicates stops the run so the
// listing can be corrected.
func (s *Stager) Run(ctx context.Context) error {
	if s.createProject {
		log.Printf("Creating custom labels project %s", s.projectName)
		if _, err := s.control.CreateProject(ctx, s.projectName); err != nil {
			return err
		}
	}

	if err := s.store.EnsureBucket(ctx, s.cfg.Region); err != nil {
		return err
	}

	if !s.cfg.SkipUpload {
		start := time.Now()
		n, err := s.store.UploadDir(ctx, s.cfg.OutputDir, s.cfg.S3Prefix)
		if err != nil {
			return err
		}
		metrics.StageDuration.WithLabelValues("upload").Observe(time.Since(start).Seconds())
		log.Printf("Uploaded %d images to %s", n, s.store.URI(s.cfg.S3Prefix))
	}

	keys, err := s.store.List(ctx, s.cfg.S3Prefix)
	if err != nil {
		return err
	}

	for _, split := range []groundtruth.Split{groundtruth.SplitTrain, groundtruth.SplitTest} {
		if err := s.stageSplit(ctx, keys, split); err != nil {
			metrics.DatasetUpdatesTotal.WithLabelValues(string(split), "error").Inc()
			return fmt.Errorf("%s split: %w", split, err)
		}
	}
	return nil
}

func (s *Stager) stageSplit(ctx context.Context, keys []string, split groundtruth.Split) error {
	start := time.Now()

	rows := groundtruth.BuildListing(s.store.Bucket(), keys, split, s.allowed)
	if len(rows) == 0 {
		log.Printf("No labeled images for the %s split, skipping", split)
		metrics.DatasetUpdatesTotal.WithLabelValues(string(split), "skipped").Inc()
		return nil
	}

	listing := filepath.Join(s.cfg.WorkDir, strings.ToLower(string(split))+"-manifest.csv")
	if err := writeListing(listing, rows); err != nil {
		return err
	}

	synth := groundtruth.NewSynthesizer(groundtruth.Config{ProjectName: s.projectName, Now: s.now})
	report, err := synth.Build(listing, "")
	metrics.ObserveBuild(report)
	if err != nil {
		return err
	}

	manifest, err := os.ReadFile(report.ManifestPath)
	if err != nil {
		return fmt.Errorf("failed to read manifest %s: %w", report.ManifestPath, err)
	}

	archiveKey := path.Join("manifests", s.projectName, strings.ToLower(string(split)), uuid.NewString()+".manifest")
	if err := s.store.PutBytes(ctx, archiveKey, manifest, "", map[string]string{
		"project": s.projectName,
		"split":   string(split),
		"images":  strconv.Itoa(report.Result.ImageCount),
		"labels":  strconv.Itoa(report.Result.LabelCount),
	}); err != nil {
		return err
	}
	log.Printf("Archived %s manifest to %s", split, s.store.URI(archiveKey))

	status, err := s.control.ReplaceDataset(ctx, s.projectName, split, manifest)
	if err != nil {
		return err
	}

	metrics.DatasetUpdatesTotal.WithLabelValues(string(split), "ok").Inc()
	metrics.StageDuration.WithLabelValues("dataset").Observe(time.Since(start).Seconds())
	log.Printf("Dataset ARN: %s", status.ARN)
	log.Printf("Dataset status: %s %s (images=%d, labels=%d)",
		status.Status, status.Message, report.Result.ImageCount, report.Result.LabelCount)
	return nil
}

func writeListing(dst string, rows []groundtruth.LabelRow) error {
	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create listing %s: %w", dst, err)
	}
	if err := groundtruth.WriteListing(f, rows); err != nil {
		f.Close()
		return fmt.Errorf("failed to write listing %s: %w", dst, err)
	}
	return f.Close()
}
