package minio

import (
	"bytes"
	"context"
	"io"
	"path"

	"github.com/hupe1980/ivfgo/blobstore"
	"github.com/minio/minio-go/v7"
)

// Store implements blobstore.BlobStore for MinIO and S3-compatible
// storage.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewStore creates a new MinIO blob store.
// rootPrefix is prepended to all keys (e.g. "vectors/").
func NewStore(client *minio.Client, bucket, rootPrefix string) *Store {
	return &Store{
		client: client,
		bucket: bucket,
		prefix: rootPrefix,
	}
}

func (s *Store) key(name string) string {
	return path.Join(s.prefix, name)
}

// Create opens a named blob for writing; it is uploaded on Close.
func (s *Store) Create(ctx context.Context, name string) (io.WriteCloser, error) {
	return &minioWriter{ctx: ctx, store: s, key: s.key(name)}, nil
}

// Open opens a named blob for reading.
func (s *Store) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(name), minio.GetObjectOptions{})
	if err != nil {
		return nil, translateNotFound(err)
	}
	// GetObject is lazy; surface missing objects now.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, translateNotFound(err)
	}
	return obj, nil
}

// CreateHashed stages a content-addressed blob under dir.
func (s *Store) CreateHashed(ctx context.Context, dir string) (blobstore.HashedWriter, error) {
	return blobstore.NewBufferedHashedWriter(func(id, ext string, data []byte) error {
		key := s.key(path.Join(dir, id+ext))
		_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
		return err
	}), nil
}

// OpenHashed opens a content-addressed blob for reading.
func (s *Store) OpenHashed(ctx context.Context, name string) (blobstore.HashedReader, error) {
	body, err := s.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return blobstore.NewVerifyingReader(body, blobstore.RefFromName(name)), nil
}

func translateNotFound(err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.Code == "NotFound" {
		return blobstore.ErrNotFound
	}
	return err
}

type minioWriter struct {
	ctx   context.Context
	store *Store
	key   string
	buf   bytes.Buffer
}

func (w *minioWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *minioWriter) Close() error {
	_, err := w.store.client.PutObject(w.ctx, w.store.bucket, w.key,
		bytes.NewReader(w.buf.Bytes()), int64(w.buf.Len()), minio.PutObjectOptions{})
	return err
}
