// Package minio provides a MinIO-backed blob store, usable against any
// S3-compatible object storage.
package minio
