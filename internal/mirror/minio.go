// Package mirror uploads the derived archive artifacts (persistent index,
// embeddings, nearest-neighbor index) to S3-compatible object storage so
// external consumers can fetch snapshots without cloning the repository.
package mirror

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Snapshots uploads snapshot files to one bucket.
type Snapshots struct {
	client *minio.Client
	bucket string
}

// New connects to the object store and ensures the bucket exists.
func New(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Snapshots, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to object store: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	return &Snapshots{client: client, bucket: bucket}, nil
}

// Upload pushes one local file under its base name. Best-effort; failures
// are logged and reported but never block the caller's primary mutation.
func (s *Snapshots) Upload(ctx context.Context, path string) error {
	name := filepath.Base(path)
	_, err := s.client.FPutObject(ctx, s.bucket, name, path, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", name, err)
	}
	return nil
}

// UploadAll pushes every given file, logging per-file failures.
func (s *Snapshots) UploadAll(ctx context.Context, paths ...string) {
	for _, path := range paths {
		if err := s.Upload(ctx, path); err != nil {
			log.Printf("mirror: %v", err)
		}
	}
}
