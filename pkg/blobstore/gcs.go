//go:build gcp

package blobstore

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

type gcsSource struct {
	client *storage.Client
}

// newGCSSource uses application default credentials.
func newGCSSource(ctx context.Context) (Source, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &gcsSource{client: client}, nil
}

// Open takes "bucket/object".
func (g *gcsSource) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	bucket, object, err := splitObject(path)
	if err != nil {
		return nil, fmt.Errorf("gs://%s: %w", path, err)
	}
	r, err := g.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs read gs://%s: %w", path, err)
	}
	return r, nil
}
