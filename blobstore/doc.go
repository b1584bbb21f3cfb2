// Package blobstore abstracts the storage layer a database is serialized
// to and loaded from.
//
// Objects other than the manifest are content-addressed: they are
// digested with SHA-256 while streaming and published under the URL-safe
// Base64 encoding of the digest (no padding). Readers re-digest the
// stream and verify the address, so any bit flip surfaces as
// ErrDigestMismatch rather than silent corruption.
//
// Implementations: LocalStore (file system), MemoryStore (tests and
// ephemeral use), plus S3 and MinIO stores in sub-packages.
package blobstore
