// Package weights loads named model tensors.
//
// Tensors are stored in their exact host byte layout (see package
// tensor), one object per tensor, or together in an Arrow IPC archive.
package weights

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/born-ml/wgt/internal/logger"
	"github.com/born-ml/wgt/internal/tensor"
)

// ErrNotFound is returned when a store has no tensor of the given name.
var ErrNotFound = errors.New("weights: tensor not found")

// Ext is the file extension of a single stored tensor.
const Ext = ".bin"

// Store loads tensors by name.
type Store interface {
	Load(ctx context.Context, name string) (*tensor.Tensor, error)
}

// MapStore is an in-memory store.
type MapStore map[string]*tensor.Tensor

// Load returns the named tensor.
func (m MapStore) Load(_ context.Context, name string) (*tensor.Tensor, error) {
	t, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return t, nil
}

// Names returns the stored names in sorted order.
func (m MapStore) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DirStore reads <Dir>/<name>.bin files.
type DirStore struct {
	Dir string
}

// Load reads the named tensor file.
func (d DirStore) Load(ctx context.Context, name string) (*tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := filepath.Join(d.Dir, name+Ext)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %q in %s", ErrNotFound, name, d.Dir)
		}
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	t, err := readOne(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	logger.Log.Debug("loaded tensor", "name", name, "shape", t.Shape().String(), "path", path)
	return t, nil
}

// Names lists the tensors in the directory, sorted.
func (d DirStore) Names() ([]string, error) {
	entries, err := os.ReadDir(d.Dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", d.Dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), Ext) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), Ext))
	}
	sort.Strings(names)
	return names, nil
}

// SaveDir writes every tensor to <dir>/<name>.bin.
func SaveDir(dir string, tensors map[string]*tensor.Tensor) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	for name, t := range tensors {
		path := filepath.Join(dir, name+Ext)
		if err := os.WriteFile(path, t.Bytes(), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
	}
	return nil
}

// readOne reads exactly one tensor from r and rejects trailing bytes.
func readOne(r io.Reader) (*tensor.Tensor, error) {
	t, err := tensor.ReadFrom(r)
	if err != nil {
		return nil, err
	}
	var extra [1]byte
	if n, _ := io.ReadFull(r, extra[:]); n != 0 {
		return nil, fmt.Errorf("%w: trailing bytes after %s payload", tensor.ErrMalformed, t.Shape())
	}
	return t, nil
}

// Open selects a store for uri:
//
//	gs://bucket/prefix   objects <prefix>/<name>.bin in a GCS bucket
//	path/to/file.arrow   an Arrow IPC archive, read fully into memory
//	path/to/dir          a DirStore
//
// Stores holding resources implement io.Closer.
func Open(ctx context.Context, uri string) (Store, error) {
	switch {
	case strings.HasPrefix(uri, "gs://"):
		bucket, prefix, err := parseGCSURI(uri)
		if err != nil {
			return nil, err
		}
		return NewGCSStore(ctx, bucket, prefix)

	case strings.HasSuffix(uri, ".arrow"):
		f, err := os.Open(uri)
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", uri, err)
		}
		defer f.Close()
		return ReadArrow(f)

	default:
		info, err := os.Stat(uri)
		if err != nil {
			return nil, fmt.Errorf("opening weights %s: %w", uri, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("opening weights %s: not a directory or .arrow archive", uri)
		}
		return DirStore{Dir: uri}, nil
	}
}
