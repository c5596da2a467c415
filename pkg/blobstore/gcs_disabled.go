//go:build !gcp

package blobstore

import (
	"context"
	"errors"
)

func newGCSSource(context.Context) (Source, error) {
	return nil, errors.New("GCS storage is not enabled in this build (use -tags gcp)")
}
