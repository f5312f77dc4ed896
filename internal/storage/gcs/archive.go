// Package gcs archives result snapshots to Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the parameters required to write to GCS.
type Config struct {
	Bucket string
}

// objectWriter is the slice of *storage.Writer the archive needs.
type objectWriter interface {
	Write(p []byte) (int, error)
	Close() error
}

// Archive writes snapshots to a configured GCS bucket.
type Archive struct {
	client    *storage.Client
	bucket    string
	newWriter func(ctx context.Context, bucket, path, contentType string) objectWriter
}

// New creates a GCS-backed archive.
func New(client *storage.Client, cfg Config) (*Archive, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	a := &Archive{client: client, bucket: cfg.Bucket}
	a.newWriter = func(ctx context.Context, bucket, path, contentType string) objectWriter {
		w := a.client.Bucket(bucket).Object(path).NewWriter(ctx)
		if contentType != "" {
			w.ContentType = contentType
		}
		return w
	}
	return a, nil
}

// PutObject uploads data to the configured bucket and returns a gs:// URI.
func (a *Archive) PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error) {
	path = strings.TrimLeft(path, "/")
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	writer := a.newWriter(ctx, a.bucket, path, contentType)
	if _, err := writer.Write(data); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("write object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", a.bucket, path), nil
}

// Close releases the storage client.
func (a *Archive) Close() error {
	return a.client.Close()
}
