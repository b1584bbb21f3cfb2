package ivfgo

import (
	"context"
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/hupe1980/ivfgo/blobstore"
	"github.com/hupe1980/ivfgo/codec"
	"github.com/klauspost/compress/zlib"
	"golang.org/x/sync/errgroup"
)

// blobExtension is the extension of every serialized object.
const blobExtension = ".binpb"

// Blob directories relative to the store root.
const (
	partitionsDir = "partitions"
	codebooksDir  = "codebooks"
	attributesDir = "attributes"
)

// Serialize writes a built database to the blob store: every partition,
// the partition centroids, every PQ codebook and every attributes log as
// compressed content-addressed blobs, then the manifest under the given
// name. Objects are atomic: nothing partial is ever published.
func Serialize(ctx context.Context, db *Database, store blobstore.BlobStore, manifestName string) error {
	partitionIDs := make([]string, db.NumPartitions())
	g, gctx := errgroup.WithContext(ctx)
	for p := 0; p < db.NumPartitions(); p++ {
		g.Go(func() error {
			id, err := writeHashedMessage(gctx, store, partitionsDir, partitionMessage(db, p))
			if err != nil {
				return err
			}
			partitionIDs[p] = id
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	centroidsID, err := writeHashedMessage(ctx, store, partitionsDir, centroidsMessage(db))
	if err != nil {
		return err
	}

	codebookIDs := make([]string, db.NumDivisions())
	for m := 0; m < db.NumDivisions(); m++ {
		id, err := writeHashedMessage(ctx, store, codebooksDir, codebookMessage(db, m))
		if err != nil {
			return err
		}
		codebookIDs[m] = id
	}

	attributesLogIDs := make([]string, db.NumPartitions())
	for p := 0; p < db.NumPartitions(); p++ {
		id, err := writeHashedMessage(ctx, store, attributesDir, attributesLogMessage(db, p, partitionIDs[p]))
		if err != nil {
			return err
		}
		attributesLogIDs[p] = id
	}

	// The manifest goes last so a crash never publishes a manifest that
	// references missing blobs.
	manifest := &codec.Database{
		VectorSize:           uint32(db.VectorSize()),
		NumPartitions:        uint32(db.NumPartitions()),
		NumDivisions:         uint32(db.NumDivisions()),
		NumCodes:             uint32(db.NumCodes()),
		PartitionIDs:         partitionIDs,
		PartitionCentroidsID: centroidsID,
		CodebookIDs:          codebookIDs,
		AttributesLogIDs:     attributesLogIDs,
		AttributeNames:       db.names.names,
	}
	w, err := store.Create(ctx, manifestName)
	if err != nil {
		return err
	}
	zw := zlib.NewWriter(w)
	if err := codec.WriteMessage(zw, manifest); err != nil {
		_ = w.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	db.logger.Debug("serialized database", "manifest", manifestName,
		"partitions", db.NumPartitions(), "divisions", db.NumDivisions())
	return nil
}

// writeHashedMessage streams one message through zlib into a hashed
// writer and commits it, returning the reference ID.
func writeHashedMessage(ctx context.Context, store blobstore.BlobStore, dir string, m codec.Message) (string, error) {
	hw, err := store.CreateHashed(ctx, dir)
	if err != nil {
		return "", err
	}
	cw := blobstore.NewCompressedWriter(hw)
	if err := codec.WriteMessage(cw, m); err != nil {
		_ = cw.Abort()
		return "", err
	}
	return cw.Commit(blobExtension)
}

func partitionMessage(db *Database, p int) *codec.Partition {
	part := db.partition(p)
	n := part.NumVectors()
	m := db.NumDivisions()

	codes := make([]uint32, 0, n*m)
	ids := make([]codec.UUID, 0, n)
	for i := 0; i < n; i++ {
		codes = append(codes, part.Code(i)...)
		ids = append(ids, uuidToWire(part.VectorID(i)))
	}
	return &codec.Partition{
		VectorSize:   uint32(db.VectorSize()),
		NumDivisions: uint32(m),
		Centroid:     part.Centroid(),
		EncodedVectors: codec.EncodedVectorSet{
			VectorSize: uint32(m),
			Data:       codes,
		},
		VectorIDs: ids,
	}
}

func centroidsMessage(db *Database) *codec.VectorSet {
	return &codec.VectorSet{
		VectorSize: uint32(db.VectorSize()),
		Data:       db.coarse.Centroids.Data(),
	}
}

func codebookMessage(db *Database, m int) *codec.VectorSet {
	cb := db.pq.Codebooks()[m]
	data := make([]float32, 0, cb.Len()*cb.Dim())
	for c := 0; c < cb.Len(); c++ {
		data = append(data, cb.At(c)...)
	}
	return &codec.VectorSet{
		VectorSize: uint32(cb.Dim()),
		Data:       data,
	}
}

func attributesLogMessage(db *Database, p int, partitionID string) *codec.AttributesLog {
	log := db.logs[p]
	entries := make([]codec.OperationSetAttribute, 0, len(log.entries))
	for _, e := range log.entries {
		entries = append(entries, codec.OperationSetAttribute{
			VectorID:  uuidToWire(e.vectorID),
			NameIndex: e.nameIndex,
			Value:     attributeToWire(e.value),
		})
	}
	return &codec.AttributesLog{
		PartitionID: partitionID,
		Entries:     entries,
	}
}

func uuidToWire(id uuid.UUID) codec.UUID {
	return codec.UUID{
		Upper: binary.BigEndian.Uint64(id[:8]),
		Lower: binary.BigEndian.Uint64(id[8:]),
	}
}

func uuidFromWire(w codec.UUID) uuid.UUID {
	var id uuid.UUID
	binary.BigEndian.PutUint64(id[:8], w.Upper)
	binary.BigEndian.PutUint64(id[8:], w.Lower)
	return id
}

func attributeToWire(v AttributeValue) codec.AttributeValue {
	switch v.kind {
	case AttributeUint64:
		return codec.AttributeValue{Kind: codec.AttributeValueUint64, Uint64Value: v.u64}
	default:
		return codec.AttributeValue{Kind: codec.AttributeValueString, StringValue: v.str}
	}
}

func attributeFromWire(w codec.AttributeValue) AttributeValue {
	switch w.Kind {
	case codec.AttributeValueUint64:
		return Uint64Attribute(w.Uint64Value)
	default:
		return StringAttribute(w.StringValue)
	}
}
