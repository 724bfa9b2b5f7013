package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/go-cmp/cmp"
)

// fakeS3 keeps objects in memory and pages listings two keys at a time.
type fakeS3 struct {
	mu           sync.Mutex
	objects      map[string][]byte
	contentTypes map[string]string
	created      []*s3.CreateBucketInput
	createErr    error
	putErr       map[string]error
	listCalls    int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects:      map[string][]byte{},
		contentTypes: map[string]string{},
		putErr:       map[string]error{},
	}
}

func (f *fakeS3) CreateBucket(ctx context.Context, in *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.created = append(f.created, in)
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &s3.CreateBucketOutput{}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	if err := f.putErr[key]; err != nil {
		return nil, err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[key] = body
	f.contentTypes[key] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("The specified key does not exist.")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.listCalls++

	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		for i, k := range keys {
			if k == *in.ContinuationToken {
				start = i
				break
			}
		}
	}
	end := start + 2
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	if end < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[end])
	} else {
		end = len(keys)
	}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func TestListFollowsPages(t *testing.T) {
	fake := newFakeS3()
	for _, k := range []string{"icons/a.png", "icons/b.png", "icons/c.png", "icons/d.png", "icons/e.png", "other/x.png"} {
		fake.objects[k] = []byte("x")
	}
	store := New(fake, "bucket")

	keys, err := store.List(context.Background(), "icons/")
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}

	want := []string{"icons/a.png", "icons/b.png", "icons/c.png", "icons/d.png", "icons/e.png"}
	if diff := cmp.Diff(want, keys); diff != "" {
		t.Errorf("List mismatch (-want +got):\n%s", diff)
	}
	if fake.listCalls != 3 {
		t.Errorf("ListObjectsV2 called %d times, want 3", fake.listCalls)
	}
}

func TestPutAndGet(t *testing.T) {
	fake := newFakeS3()
	store := New(fake, "bucket")
	ctx := context.Background()

	if err := store.PutBytes(ctx, "manifests/train.manifest", []byte("{}\n"), "", nil); err != nil {
		t.Fatalf("PutBytes returned error: %v", err)
	}
	if ct := fake.contentTypes["manifests/train.manifest"]; ct != "application/x-ndjson" {
		t.Errorf("content type = %q, want application/x-ndjson", ct)
	}

	body, err := store.Get(ctx, "manifests/train.manifest")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if string(body) != "{}\n" {
		t.Errorf("Get = %q", body)
	}
}

func TestGetMissingKey(t *testing.T) {
	store := New(newFakeS3(), "bucket")

	_, err := store.Get(context.Background(), "nope")
	if !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
	if !strings.Contains(err.Error(), "s3://bucket/nope") {
		t.Errorf("error %q does not name the object", err)
	}
}

func TestUploadDir(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"Arch_Amazon-S3_64.png":      "png",
		"canvas/canvas_1.png":        "canvas",
		"Res_Amazon-EC2_Inst_48.png": "res",
		"broken.png":                 "bad",
	}
	for name, body := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}

	fake := newFakeS3()
	fake.putErr["icons/broken.png"] = errors.New("access denied")
	store := New(fake, "bucket")

	n, err := store.UploadDir(context.Background(), dir, "icons")
	if err != nil {
		t.Fatalf("UploadDir returned error: %v", err)
	}
	if n != 3 {
		t.Errorf("uploaded %d files, want 3", n)
	}
	if string(fake.objects["icons/canvas/canvas_1.png"]) != "canvas" {
		t.Errorf("nested file not uploaded under its relative key: %v", fake.objects)
	}
	if _, ok := fake.objects["icons/broken.png"]; ok {
		t.Error("failed upload recorded")
	}
}

func TestUploadDirCanceled(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.png", "b.png", "c.png"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("png"), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fake := newFakeS3()
	n, err := New(fake, "bucket").UploadDir(ctx, dir, "icons")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if n != 0 {
		t.Errorf("uploaded %d files after cancel, want 0", n)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.objects) != 0 {
		t.Errorf("objects written after cancel: %v", fake.objects)
	}
}

func TestEnsureBucket(t *testing.T) {
	tests := []struct {
		name       string
		region     string
		createErr  error
		wantErr    bool
		wantConstr types.BucketLocationConstraint
	}{
		{name: "us-east-1 has no constraint", region: "us-east-1"},
		{name: "other region sets constraint", region: "eu-west-1", wantConstr: "eu-west-1"},
		{name: "already owned", region: "eu-west-1", createErr: &types.BucketAlreadyOwnedByYou{}, wantConstr: "eu-west-1"},
		{name: "other failure", region: "eu-west-1", createErr: errors.New("boom"), wantErr: true, wantConstr: "eu-west-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeS3()
			fake.createErr = tt.createErr
			store := New(fake, "custom-labels-console-test")

			err := store.EnsureBucket(context.Background(), tt.region)
			if (err != nil) != tt.wantErr {
				t.Fatalf("EnsureBucket error = %v, wantErr %v", err, tt.wantErr)
			}

			in := fake.created[0]
			var got types.BucketLocationConstraint
			if in.CreateBucketConfiguration != nil {
				got = in.CreateBucketConfiguration.LocationConstraint
			}
			if got != tt.wantConstr {
				t.Errorf("location constraint = %q, want %q", got, tt.wantConstr)
			}
		})
	}
}

func TestURI(t *testing.T) {
	if got := New(nil, "b").URI("a/b.png"); got != "s3://b/a/b.png" {
		t.Errorf("URI = %q", got)
	}
}
