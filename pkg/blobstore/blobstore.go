// Package blobstore opens certificates and originals by URI: local paths
// and file:// URIs, s3://bucket/key and gs://bucket/object.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Source opens a blob for reading.
type Source interface {
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
}

// S3Config configures the S3 backend. Credentials come from the default
// AWS chain.
type S3Config struct {
	Region    string
	Endpoint  string // MinIO, LocalStack
	PathStyle bool
}

// S3API is the subset of the S3 client used here.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Store routes URIs to backends. Cloud clients are created on first use so
// purely local runs never touch cloud credentials.
type Store struct {
	s3cfg S3Config

	mu  sync.Mutex
	s3  S3API
	gcs Source
}

func New(s3cfg S3Config) *Store {
	return &Store{s3cfg: s3cfg}
}

// WithS3Client injects an S3 client.
func (s *Store) WithS3Client(c S3API) *Store {
	s.s3 = c
	return s
}

func (s *Store) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok {
		return openFile(uri)
	}
	switch scheme {
	case "file":
		u, err := url.Parse(uri)
		if err != nil {
			return nil, fmt.Errorf("parse %q: %w", uri, err)
		}
		return openFile(u.Path)
	case "s3":
		bucket, key, err := splitObject(rest)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", uri, err)
		}
		client, err := s.s3Client(ctx)
		if err != nil {
			return nil, err
		}
		out, err := client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
		if err != nil {
			return nil, fmt.Errorf("s3 get %s: %w", uri, err)
		}
		return out.Body, nil
	case "gs":
		g, err := s.gcsSource(ctx)
		if err != nil {
			return nil, err
		}
		return g.Open(ctx, rest)
	}
	return nil, fmt.Errorf("unsupported blob scheme %q", scheme)
}

func (s *Store) s3Client(ctx context.Context) (S3API, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.s3 != nil {
		return s.s3, nil
	}
	var opts []func(*awsconfig.LoadOptions) error
	if s.s3cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(s.s3cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	s.s3 = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if s.s3cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(s.s3cfg.Endpoint)
			o.UsePathStyle = true
		}
		if s.s3cfg.PathStyle {
			o.UsePathStyle = true
		}
	})
	return s.s3, nil
}

func (s *Store) gcsSource(ctx context.Context) (Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gcs != nil {
		return s.gcs, nil
	}
	g, err := newGCSSource(ctx)
	if err != nil {
		return nil, err
	}
	s.gcs = g
	return g, nil
}

func openFile(path string) (io.ReadCloser, error) {
	if path == "" {
		return nil, errors.New("empty path")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// splitObject splits "bucket/key/with/slashes".
func splitObject(rest string) (string, string, error) {
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", errors.New("expected bucket/object")
	}
	return bucket, key, nil
}
