package weights

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"github.com/born-ml/wgt/internal/logger"
	"github.com/born-ml/wgt/internal/tensor"
)

// GCSStore reads gs://<Bucket>/<Prefix>/<name>.bin objects.
type GCSStore struct {
	Bucket string
	Prefix string

	client *storage.Client
}

var _ Store = (*GCSStore)(nil)

// NewGCSStore creates a store with its own storage client. Close releases
// the client.
func NewGCSStore(ctx context.Context, bucket, prefix string) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS storage client: %w", err)
	}
	return &GCSStore{Bucket: bucket, Prefix: prefix, client: client}, nil
}

// Close closes the storage client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

func (s *GCSStore) objectKey(name string) string {
	return path.Join(s.Prefix, name+Ext)
}

// Load downloads the named tensor.
func (s *GCSStore) Load(ctx context.Context, name string) (*tensor.Tensor, error) {
	key := s.objectKey(name)
	gcsURL := "gs://" + s.Bucket + "/" + key

	startedAt := time.Now()
	r, err := s.client.Bucket(s.Bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %q at %s", ErrNotFound, name, gcsURL)
		}
		return nil, fmt.Errorf("opening object from GCS %q: %w", gcsURL, err)
	}
	defer r.Close()

	t, err := readOne(r)
	if err != nil {
		return nil, fmt.Errorf("downloading from GCS %q: %w", gcsURL, err)
	}

	logger.Log.Debug("downloaded tensor from GCS", "url", gcsURL, "shape", t.Shape().String(), "duration", time.Since(startedAt).String())
	return t, nil
}

// parseGCSURI splits gs://bucket/prefix.
func parseGCSURI(uri string) (bucket, prefix string, err error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", fmt.Errorf("not a gs:// URI: %q", uri)
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("missing bucket in %q", uri)
	}
	return bucket, strings.Trim(prefix, "/"), nil
}
