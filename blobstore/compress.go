package blobstore

import (
	"io"

	"github.com/klauspost/compress/zlib"
)

// CompressedWriter layers a streaming zlib compressor over a
// HashedWriter. The content address is computed over the compressed
// bytes as they are written.
type CompressedWriter struct {
	zw *zlib.Writer
	hw HashedWriter
}

// NewCompressedWriter wraps a hashed writer with zlib compression.
func NewCompressedWriter(hw HashedWriter) *CompressedWriter {
	return &CompressedWriter{zw: zlib.NewWriter(hw), hw: hw}
}

// Write implements io.Writer.
func (w *CompressedWriter) Write(p []byte) (int, error) {
	return w.zw.Write(p)
}

// Commit flushes the compressor and commits the underlying object.
func (w *CompressedWriter) Commit(ext string) (string, error) {
	if err := w.zw.Close(); err != nil {
		_ = w.hw.Abort()
		return "", err
	}
	return w.hw.Commit(ext)
}

// Abort discards the pending object.
func (w *CompressedWriter) Abort() error {
	_ = w.zw.Close()
	return w.hw.Abort()
}

// CompressedReader layers zlib decompression over a HashedReader. The
// digest is verified over the compressed bytes.
type CompressedReader struct {
	zr io.ReadCloser
	hr HashedReader
}

// NewCompressedReader wraps a hashed reader with zlib decompression.
func NewCompressedReader(hr HashedReader) (*CompressedReader, error) {
	zr, err := zlib.NewReader(hr)
	if err != nil {
		return nil, err
	}
	return &CompressedReader{zr: zr, hr: hr}, nil
}

// Read implements io.Reader.
func (r *CompressedReader) Read(p []byte) (int, error) {
	return r.zr.Read(p)
}

// Verify drains any remaining compressed bytes and checks the digest
// against the blob's reference ID.
func (r *CompressedReader) Verify() error {
	if _, err := io.Copy(io.Discard, r.hr); err != nil {
		return err
	}
	return r.hr.Verify()
}

// Close closes both layers.
func (r *CompressedReader) Close() error {
	err := r.zr.Close()
	if cerr := r.hr.Close(); err == nil {
		err = cerr
	}
	return err
}
