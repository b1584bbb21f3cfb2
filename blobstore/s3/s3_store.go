package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/hupe1980/ivfgo/blobstore"
)

// Store implements blobstore.BlobStore on S3.
//
// Content-addressed writes are buffered in memory: the object key is the
// digest of the bytes, which is only known once the stream is complete.
// Database objects are partition-sized, so the buffers stay small.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewStore creates a new S3 blob store.
// rootPrefix is prepended to all keys (e.g. "my-db/").
func NewStore(client *s3.Client, bucket, rootPrefix string) *Store {
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
	return &s3Writer{ctx: ctx, store: s, key: s.key(name)}, nil
}

// Open opens a named blob for reading.
func (s *Store) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		return nil, translateNotFound(err)
	}
	return out.Body, nil
}

// CreateHashed stages a content-addressed blob under dir.
func (s *Store) CreateHashed(ctx context.Context, dir string) (blobstore.HashedWriter, error) {
	return blobstore.NewBufferedHashedWriter(func(id, ext string, data []byte) error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(path.Join(dir, id+ext))),
			Body:   bytes.NewReader(data),
		})
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
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return blobstore.ErrNotFound
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return blobstore.ErrNotFound
	}
	return err
}

type s3Writer struct {
	ctx   context.Context
	store *Store
	key   string
	buf   bytes.Buffer
}

func (w *s3Writer) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *s3Writer) Close() error {
	_, err := w.store.client.PutObject(w.ctx, &s3.PutObjectInput{
		Bucket: aws.String(w.store.bucket),
		Key:    aws.String(w.key),
		Body:   bytes.NewReader(w.buf.Bytes()),
	})
	return err
}
