package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"
)

const uploadConcurrency = 8

// ErrObjectNotFound is returned by Get when the key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// Config selects the object store endpoint.
type Config struct {
	Region   string
	Endpoint string // For testing with MinIO
}

// API is the subset of the S3 client the Store uses.
type API interface {
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// NewClient builds an S3 client from the default AWS credential chain.
func NewClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	opts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		// For MinIO/testing
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return s3.NewFromConfig(awsCfg, opts...), nil
}

// Store reads and writes objects in a single bucket.
type Store struct {
	client API
	bucket string
}

// New returns a Store for bucket.
func New(client API, bucket string) *Store {
	return &Store{client: client, bucket: bucket}
}

// Bucket returns the bucket name.
func (s *Store) Bucket() string {
	return s.bucket
}

// URI returns the s3:// URI of key.
func (s *Store) URI(key string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, key)
}

// EnsureBucket creates the bucket in region. A bucket we already own is fine.
func (s *Store) EnsureBucket(ctx context.Context, region string) error {
	input := &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}
	// us-east-1 rejects an explicit location constraint
	if region != "" && region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(region),
		}
	}

	_, err := s.client.CreateBucket(ctx, input)
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			log.Printf("Bucket %s already exists", s.bucket)
			return nil
		}
		return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
	}

	log.Printf("Created bucket %s in %s", s.bucket, region)
	return nil
}

// List returns every key under prefix, following continuation tokens.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list s3://%s/%s: %w", s.bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}

	log.Printf("Listed %d objects under s3://%s/%s", len(keys), s.bucket, prefix)
	return keys, nil
}

// PutBytes uploads body to key.
func (s *Store) PutBytes(ctx context.Context, key string, body []byte, contentType string, metadata map[string]string) error {
	if contentType == "" {
		contentType = contentTypeFor(key)
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
		Metadata:    metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", s.URI(key), err)
	}
	return nil
}

// PutFile uploads the file at localPath to key.
func (s *Store) PutFile(ctx context.Context, localPath, key string) error {
	body, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", localPath, err)
	}
	return s.PutBytes(ctx, key, body, "", map[string]string{
		"source":      filepath.Base(localPath),
		"uploaded-at": time.Now().UTC().Format(time.RFC3339),
	})
}

// UploadDir uploads every regular file under dir to prefix/<relative path>,
// at most uploadConcurrency at a time. Failed files are logged and skipped;
// the count of uploaded files is returned.
func (s *Store) UploadDir(ctx context.Context, dir, prefix string) (int, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to walk %s: %w", dir, err)
	}

	keys := make([]string, len(files))
	for i, p := range files {
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return 0, err
		}
		keys[i] = path.Join(prefix, filepath.ToSlash(rel))
	}

	var uploaded atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadConcurrency)
	for i, p := range files {
		key := keys[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := s.PutFile(gctx, p, key); err != nil {
				log.Printf("Upload failed: %v", err)
				return nil
			}
			if n := uploaded.Add(1); n%100 == 0 {
				log.Printf("Uploaded: %d/%d", n, len(files))
			}
			return nil
		})
	}

	err = g.Wait()
	return int(uploaded.Load()), err
}

// Get downloads key. A missing key returns ErrObjectNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, s.URI(key))
		}
		return nil, fmt.Errorf("failed to download %s: %w", s.URI(key), err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.URI(key), err)
	}
	return body, nil
}

func contentTypeFor(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".manifest", ".jsonl":
		return "application/x-ndjson"
	case ".csv":
		return "text/csv"
	}
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
