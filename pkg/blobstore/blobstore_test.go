package blobstore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	objects map[string]string
	gotKey  string
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.gotKey = *in.Bucket + "/" + *in.Key
	body, ok := f.objects[f.gotKey]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer func() { _ = rc.Close() }()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func TestOpenLocal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contract.ecox")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))
	s := New(S3Config{})

	rc, err := s.Open(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "{}", readAll(t, rc))

	rc, err = s.Open(context.Background(), "file://"+path)
	require.NoError(t, err)
	assert.Equal(t, "{}", readAll(t, rc))

	_, err = s.Open(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestOpenS3(t *testing.T) {
	fake := &fakeS3{objects: map[string]string{"evidence/2025/contract.ecox": "cert"}}
	s := New(S3Config{}).WithS3Client(fake)

	rc, err := s.Open(context.Background(), "s3://evidence/2025/contract.ecox")
	require.NoError(t, err)
	assert.Equal(t, "cert", readAll(t, rc))
	assert.Equal(t, "evidence/2025/contract.ecox", fake.gotKey)

	_, err = s.Open(context.Background(), "s3://evidence/missing")
	assert.ErrorContains(t, err, "NoSuchKey")
	_, err = s.Open(context.Background(), "s3://bucket-only")
	assert.ErrorContains(t, err, "bucket/object")
}

func TestOpenUnsupportedScheme(t *testing.T) {
	_, err := New(S3Config{}).Open(context.Background(), "ftp://host/file")
	assert.ErrorContains(t, err, "unsupported blob scheme")
}
