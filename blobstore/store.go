package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"hash"
	"io"
	"os"
	"path"
	"strings"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error that satisfies
// `errors.Is(err, ErrNotFound)`. The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// ErrDigestMismatch indicates that a blob's contents do not hash to its
// content address.
type ErrDigestMismatch struct {
	Expected string
	Actual   string
}

func (e *ErrDigestMismatch) Error() string {
	return fmt.Sprintf("digest mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// BlobStore is an abstraction for reading and writing immutable data
// blobs, either by explicit name (the manifest) or content-addressed.
type BlobStore interface {
	// Create opens a named blob for writing. The blob becomes visible on
	// Close.
	Create(ctx context.Context, name string) (io.WriteCloser, error)

	// Open opens a named blob for reading.
	Open(ctx context.Context, name string) (io.ReadCloser, error)

	// CreateHashed opens a content-addressed blob under the given
	// directory. The object is digested with SHA-256 as it streams and
	// published under its reference ID on Commit.
	CreateHashed(ctx context.Context, dir string) (HashedWriter, error)

	// OpenHashed opens a content-addressed blob for reading. The name
	// carries the expected reference ID; Verify checks it after the
	// stream has been fully read.
	OpenHashed(ctx context.Context, name string) (HashedReader, error)
}

// HashedWriter is a write sink whose final name is derived from the
// SHA-256 of the bytes written.
type HashedWriter interface {
	io.Writer

	// Commit finalizes the digest, publishes the object under
	// `<dir>/<id><ext>` and returns the reference ID.
	Commit(ext string) (string, error)

	// Abort discards the pending object without publishing it. Safe to
	// call after Commit (then it does nothing).
	Abort() error
}

// HashedReader streams a content-addressed blob while digesting it.
type HashedReader interface {
	io.Reader
	io.Closer

	// Verify compares the digest of everything read against the blob's
	// reference ID. Call it after the stream has been consumed; it
	// fails with ErrDigestMismatch on divergence.
	Verify() error
}

// EncodeID renders a SHA-256 digest as a reference ID: URL-safe Base64,
// no padding.
func EncodeID(digest []byte) string {
	return base64.RawURLEncoding.EncodeToString(digest)
}

// RefFromName extracts the reference ID from a blob name, i.e. the base
// name without its extension.
func RefFromName(name string) string {
	base := path.Base(name)
	if i := strings.IndexByte(base, '.'); i >= 0 {
		return base[:i]
	}
	return base
}

// digestState accumulates a SHA-256 digest of streamed bytes.
type digestState struct {
	h hash.Hash
}

func newDigest() *digestState {
	return &digestState{h: sha256.New()}
}

func (d *digestState) Write(p []byte) (int, error) { return d.h.Write(p) }

func (d *digestState) ID() string { return EncodeID(d.h.Sum(nil)) }
