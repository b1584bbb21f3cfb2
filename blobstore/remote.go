package blobstore

import (
	"bytes"
	"io"
)

// NewBufferedHashedWriter builds a HashedWriter for object stores whose
// key must be known before the upload starts. Bytes are buffered and
// digested; commit receives the final reference ID, the extension and
// the full payload.
func NewBufferedHashedWriter(commit func(id, ext string, data []byte) error) HashedWriter {
	return &bufferedHashedWriter{commit: commit, digest: newDigest()}
}

type bufferedHashedWriter struct {
	commit func(id, ext string, data []byte) error
	buf    bytes.Buffer
	digest *digestState
	done   bool
}

func (w *bufferedHashedWriter) Write(p []byte) (int, error) {
	if _, err := w.digest.Write(p); err != nil {
		return 0, err
	}
	return w.buf.Write(p)
}

func (w *bufferedHashedWriter) Commit(ext string) (string, error) {
	id := w.digest.ID()
	if err := w.commit(id, ext, w.buf.Bytes()); err != nil {
		return "", err
	}
	w.done = true
	return id, nil
}

func (w *bufferedHashedWriter) Abort() error {
	w.buf.Reset()
	return nil
}

// NewVerifyingReader wraps a raw blob stream into a HashedReader that
// digests everything read and checks it against ref on Verify.
func NewVerifyingReader(r io.ReadCloser, ref string) HashedReader {
	return &verifyingReader{r: r, ref: ref, digest: newDigest()}
}

type verifyingReader struct {
	r      io.ReadCloser
	ref    string
	digest *digestState
}

func (r *verifyingReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		_, _ = r.digest.Write(p[:n])
	}
	return n, err
}

func (r *verifyingReader) Verify() error {
	if actual := r.digest.ID(); actual != r.ref {
		return &ErrDigestMismatch{Expected: r.ref, Actual: actual}
	}
	return nil
}

func (r *verifyingReader) Close() error { return r.r.Close() }
