package ivfgo

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/uuid"
	"github.com/hupe1980/ivfgo/kmeans"
	"github.com/hupe1980/ivfgo/quantization"
	"github.com/hupe1980/ivfgo/vector"
)

// Database is a built in-memory IVFPQ index. It is immutable except for
// attribute writes and is not safe for concurrent mutation.
type Database struct {
	vs        vector.Set
	coarse    *kmeans.Codebook
	posting   []*roaring.Bitmap
	pq        *quantization.ProductQuantizer
	vectorIDs []uuid.UUID
	indexOfID map[uuid.UUID]int
	names     *nameTable
	logs      []attributesLog
	logger    *Logger
}

// VectorSize returns the vector dimension D.
func (db *Database) VectorSize() int { return db.vs.Dim() }

// Len returns the number of indexed vectors.
func (db *Database) Len() int { return db.vs.Len() }

// NumPartitions returns the number of coarse partitions P.
func (db *Database) NumPartitions() int { return len(db.posting) }

// NumDivisions returns the number of PQ sub-spaces M.
func (db *Database) NumDivisions() int { return db.pq.NumDivisions() }

// NumCodes returns the number of codes per sub-space C.
func (db *Database) NumCodes() int { return db.pq.NumCodes() }

// SubvectorSize returns D/M.
func (db *Database) SubvectorSize() int { return db.pq.SubvectorSize() }

// VectorIDs returns the database-unique ID of every input vector, in
// input order. The returned slice must not be mutated.
func (db *Database) VectorIDs() []uuid.UUID { return db.vectorIDs }

// builtPartition adapts one partition's posting list to the scan and
// serialization surfaces. Vectors appear in insertion order.
type builtPartition struct {
	db      *Database
	index   int
	members []uint32
}

func (db *Database) partition(p int) *builtPartition {
	return &builtPartition{db: db, index: p, members: db.posting[p].ToArray()}
}

// Centroid returns the partition's coarse centroid.
func (p *builtPartition) Centroid() []float32 {
	return p.db.coarse.Centroids.At(p.index)
}

// NumVectors returns the number of vectors in the partition.
func (p *builtPartition) NumVectors() int { return len(p.members) }

// Code returns the PQ code vector of the i-th partition member.
func (p *builtPartition) Code(i int) []uint32 {
	return p.db.pq.Code(int(p.members[i]))
}

// VectorID returns the ID of the i-th partition member.
func (p *builtPartition) VectorID(i int) uuid.UUID {
	return p.db.vectorIDs[p.members[i]]
}

// Query returns the k approximate nearest neighbors of q, probing the
// nprobe closest partitions.
func (db *Database) Query(q []float32, k, nprobe int, optFns ...QueryOption) ([]QueryResult, error) {
	opts := applyQueryOptions(optFns)

	if db.Len() == 0 {
		return nil, ErrEmptyDatabase
	}
	if len(q) != db.VectorSize() {
		return nil, &ErrDimensionMismatch{Expected: db.VectorSize(), Actual: len(q)}
	}
	if k < 1 || k > db.Len() {
		return nil, ErrInvalidK
	}
	if nprobe < 1 || nprobe > db.NumPartitions() {
		return nil, ErrInvalidNProbe
	}

	opts.emit(QueryEvent{Kind: QueryStartingPartitionSelection})
	probes := selectProbes(q, db.coarse.Centroids, nprobe)
	opts.emit(QueryEvent{Kind: QueryFinishedPartitionSelection})

	sel := newResultSelector(k)
	for _, pr := range probes {
		opts.emit(QueryEvent{Kind: QueryStartingPartitionScan, Partition: pr.partition})
		scanPartition(sel, db.pq.Codebooks(), pr, db.partition(pr.partition), "", "")
		opts.emit(QueryEvent{Kind: QueryFinishedPartitionScan, Partition: pr.partition})
	}

	opts.emit(QueryEvent{Kind: QueryStartingResultSelection})
	results := sel.IntoSorted()
	opts.emit(QueryEvent{Kind: QueryFinishedResultSelection})
	return results, nil
}

// SetAttributeAt attaches an attribute to the i-th input vector.
// Repeated writes to the same name are permitted; reads return the last
// write.
func (db *Database) SetAttributeAt(i int, name string, value AttributeValue) error {
	if i < 0 || i >= db.Len() {
		return fmt.Errorf("%w: %d", ErrIndexOutOfRange, i)
	}
	pi := db.coarse.Indices[i]
	db.logs[pi].append(attributeEntry{
		vectorID:  db.vectorIDs[i],
		nameIndex: db.names.intern(name),
		value:     value,
	})
	return nil
}

// GetAttribute returns the attribute value of a vector by ID. The
// boolean reports whether a value is set; an unknown name is simply
// unset.
func (db *Database) GetAttribute(id uuid.UUID, name string) (AttributeValue, bool, error) {
	i, ok := db.indexOfID[id]
	if !ok {
		return AttributeValue{}, false, fmt.Errorf("no such vector id: %s", id)
	}
	ni, ok := db.names.index(name)
	if !ok {
		return AttributeValue{}, false, nil
	}
	v, ok := db.logs[db.coarse.Indices[i]].lookup(id, ni)
	return v, ok, nil
}

// GetAttributeOf returns the attribute value of a query result.
func (db *Database) GetAttributeOf(result QueryResult, name string) (AttributeValue, bool, error) {
	if result.PartitionIndex < 0 || result.PartitionIndex >= db.NumPartitions() {
		return AttributeValue{}, false, ErrForeignResult
	}
	ni, ok := db.names.index(name)
	if !ok {
		return AttributeValue{}, false, nil
	}
	v, ok := db.logs[result.PartitionIndex].lookup(result.VectorID, ni)
	return v, ok, nil
}
