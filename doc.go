// Package ivfgo is an embeddable IVFPQ approximate-nearest-neighbor
// engine for serverless and short-lived environments.
//
// A database is built once from a dense float32 vector corpus: the
// corpus is partitioned by k-means (the inverted file), residuals are
// product-quantized into compact codes, and the result is serialized to
// a content-addressed blob store. Later, a loaded database answers
// k-nearest-neighbor queries by probing the closest partitions and
// scanning their codes with asymmetric distance tables, lazily fetching
// only the partitions a query touches.
//
// Built indexes are immutable: there is no insert or delete after
// build, and all returned distances are PQ approximations.
//
//	vs, _ := vector.NewBlock(data, 128)
//	db, _ := ivfgo.New(vs).WithPartitions(10).WithDivisions(8).Build()
//	_ = ivfgo.Serialize(ctx, db, store, "db.binpb")
//
//	stored, _ := ivfgo.Load(ctx, store, "db.binpb")
//	results, _ := stored.Query(ctx, query, 10, 3)
package ivfgo
