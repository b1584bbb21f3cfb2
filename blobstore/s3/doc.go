// Package s3 provides an S3-backed blob store for serverless database
// hosting. A database serialized here can be queried by short-lived
// workers that lazily fetch only the probed partitions.
package s3
