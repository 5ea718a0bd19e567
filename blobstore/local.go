package blobstore

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/biocluster/linclust/internal/mmap"
)

// LocalStore implements BlobStore using the local file system, so a job
// configured with a networked result store (s3/minio) can still be pointed
// at a plain directory for local runs and tests.
type LocalStore struct {
	root string
}

// NewLocalStore creates a new LocalStore rooted at the given directory.
func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: root}
}

// Open opens a blob for reading.
func (s *LocalStore) Open(_ context.Context, name string) (Blob, error) {
	path := filepath.Join(s.root, name)
	// We use mmap by default for local files as it's the most efficient
	// for random access patterns over large round outputs.
	m, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	return &localBlob{m: m}, nil
}

// Create opens name for sequential writing, creating parent directories as
// needed.
func (s *LocalStore) Create(_ context.Context, name string) (WritableBlob, error) {
	path := filepath.Join(s.root, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return &localWritableBlob{f: f}, nil
}

// Put writes data as a single atomic operation (write to a temp file, then
// rename over the destination).
func (s *LocalStore) Put(_ context.Context, name string, data []byte) error {
	path := filepath.Join(s.root, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Delete removes name. A missing blob is not an error.
func (s *LocalStore) Delete(_ context.Context, name string) error {
	err := os.Remove(filepath.Join(s.root, name))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// List returns every blob path under prefix, relative to root.
func (s *LocalStore) List(_ context.Context, prefix string) ([]string, error) {
	base := filepath.Join(s.root, prefix)
	var names []string
	err := filepath.Walk(base, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		names = append(names, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

type localWritableBlob struct {
	f *os.File
}

func (w *localWritableBlob) Write(p []byte) (int, error) { return w.f.Write(p) }
func (w *localWritableBlob) Close() error                { return w.f.Close() }
func (w *localWritableBlob) Sync() error                 { return w.f.Sync() }

type localBlob struct {
	m *mmap.Mapping
}

func (b *localBlob) ReadAt(_ context.Context, p []byte, off int64) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}
	data := b.m.Bytes()
	if off < 0 || off >= int64(len(data)) {
		return 0, io.EOF
	}
	n = copy(p, data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b *localBlob) ReadRange(_ context.Context, off, length int64) (io.ReadCloser, error) {
	data := b.m.Bytes()
	if off < 0 || off >= int64(len(data)) {
		return nil, io.EOF
	}
	end := off + length
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return io.NopCloser(bytes.NewReader(data[off:end])), nil
}

func (b *localBlob) Close() error {
	return b.m.Close()
}

func (b *localBlob) Size() int64 {
	return int64(len(b.m.Bytes()))
}

func (b *localBlob) Bytes() ([]byte, error) {
	return b.m.Bytes(), nil
}
