package blobstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
)

// LocalStore implements BlobStore on the local file system.
//
// Hashed objects are staged as temporary files and renamed to their
// content address on commit, so a crashed or aborted write never
// publishes a partial object.
type LocalStore struct {
	root string
}

// NewLocalStore creates a LocalStore rooted at the given directory.
func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: root}
}

// Create opens a named blob for writing.
func (s *LocalStore) Create(_ context.Context, name string) (io.WriteCloser, error) {
	path := filepath.Join(s.root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.Create(path)
}

// Open opens a named blob for reading.
func (s *LocalStore) Open(_ context.Context, name string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(s.root, filepath.FromSlash(name)))
}

// CreateHashed stages a content-addressed blob under dir.
func (s *LocalStore) CreateHashed(_ context.Context, dir string) (HashedWriter, error) {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(s.root, ".tmp-*")
	if err != nil {
		return nil, err
	}
	return &localHashedWriter{
		f:      f,
		dir:    filepath.Join(s.root, filepath.FromSlash(dir)),
		digest: newDigest(),
	}, nil
}

// OpenHashed opens a content-addressed blob for reading.
func (s *LocalStore) OpenHashed(_ context.Context, name string) (HashedReader, error) {
	f, err := os.Open(filepath.Join(s.root, filepath.FromSlash(name)))
	if err != nil {
		return nil, err
	}
	return &localHashedReader{
		f:      f,
		ref:    RefFromName(name),
		digest: newDigest(),
	}, nil
}

type localHashedWriter struct {
	f      *os.File
	dir    string
	digest *digestState
	done   bool
}

func (w *localHashedWriter) Write(p []byte) (int, error) {
	if _, err := w.digest.Write(p); err != nil {
		return 0, err
	}
	return w.f.Write(p)
}

func (w *localHashedWriter) Commit(ext string) (string, error) {
	if err := w.f.Close(); err != nil {
		_ = os.Remove(w.f.Name())
		return "", err
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		_ = os.Remove(w.f.Name())
		return "", err
	}
	id := w.digest.ID()
	if err := os.Rename(w.f.Name(), filepath.Join(w.dir, id+ext)); err != nil {
		_ = os.Remove(w.f.Name())
		return "", err
	}
	w.done = true
	return id, nil
}

func (w *localHashedWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	_ = w.f.Close()
	return os.Remove(w.f.Name())
}

type localHashedReader struct {
	f      *os.File
	ref    string
	digest *digestState
}

func (r *localHashedReader) Read(p []byte) (int, error) {
	n, err := r.f.Read(p)
	if n > 0 {
		_, _ = r.digest.Write(p[:n])
	}
	return n, err
}

func (r *localHashedReader) Verify() error {
	if actual := r.digest.ID(); actual != r.ref {
		return &ErrDigestMismatch{Expected: r.ref, Actual: actual}
	}
	return nil
}

func (r *localHashedReader) Close() error {
	return r.f.Close()
}
