package ivfgo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"

	"github.com/google/uuid"
	"github.com/hupe1980/ivfgo/blobstore"
	"github.com/hupe1980/ivfgo/codec"
	"github.com/hupe1980/ivfgo/internal/resource"
	"github.com/hupe1980/ivfgo/quantization"
	"github.com/hupe1980/ivfgo/vector"
	"github.com/klauspost/compress/zlib"
	"golang.org/x/sync/singleflight"
)

type loadOptions struct {
	logger             *Logger
	maxConcurrentLoads int64
	loadsPerSec        float64
}

// LoadOption configures Load.
type LoadOption func(*loadOptions)

// WithLoadLogger attaches a structured logger to the stored database.
func WithLoadLogger(logger *Logger) LoadOption {
	return func(o *loadOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMaxConcurrentLoads caps the number of blob loads in flight.
func WithMaxConcurrentLoads(n int) LoadOption {
	return func(o *loadOptions) {
		o.maxConcurrentLoads = int64(n)
	}
}

// WithLoadRateLimit rate-limits lazy load starts.
func WithLoadRateLimit(perSec float64) LoadOption {
	return func(o *loadOptions) {
		o.loadsPerSec = perSec
	}
}

// StoredDatabase is a database loaded from a blob store.
//
// The manifest, partition centroids and PQ codebooks are loaded eagerly;
// partitions and attribute logs are fetched on first use and cached by
// reference ID. The caches are safe for concurrent readers and collapse
// duplicate in-flight loads into a single I/O.
type StoredDatabase struct {
	store  blobstore.BlobStore
	logger *Logger
	ctrl   *resource.Controller

	vectorSize    int
	numPartitions int
	numDivisions  int
	numCodes      int

	partitionIDs         []string
	partitionCentroidsID string
	codebookIDs          []string
	attributesLogIDs     []string
	names                *nameTable

	centroids *vector.Block
	codebooks quantization.Codebooks

	mu         sync.RWMutex
	partitions map[string]*storedPartition
	logs       map[string]*attributesLog
	sf         singleflight.Group
}

// Load reads a database manifest from the store and eagerly loads the
// partition centroids and PQ codebooks. Partitions and attribute logs
// are loaded lazily by queries.
func Load(ctx context.Context, store blobstore.BlobStore, manifestName string, optFns ...LoadOption) (*StoredDatabase, error) {
	opts := loadOptions{
		logger:             NoopLogger(),
		maxConcurrentLoads: 4,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&opts)
		}
	}

	var manifest codec.Database
	if err := readManifest(ctx, store, manifestName, &manifest); err != nil {
		return nil, err
	}

	db := &StoredDatabase{
		store:  store,
		logger: opts.logger,
		ctrl: resource.NewController(resource.Config{
			MaxConcurrentLoads: opts.maxConcurrentLoads,
			LoadsPerSec:        opts.loadsPerSec,
		}),
		vectorSize:           int(manifest.VectorSize),
		numPartitions:        int(manifest.NumPartitions),
		numDivisions:         int(manifest.NumDivisions),
		numCodes:             int(manifest.NumCodes),
		partitionIDs:         manifest.PartitionIDs,
		partitionCentroidsID: manifest.PartitionCentroidsID,
		codebookIDs:          manifest.CodebookIDs,
		attributesLogIDs:     manifest.AttributesLogIDs,
		names:                newNameTable(manifest.AttributeNames),
		partitions:           make(map[string]*storedPartition),
		logs:                 make(map[string]*attributesLog),
	}

	if err := db.loadCentroids(ctx); err != nil {
		return nil, err
	}
	if err := db.loadCodebooks(ctx); err != nil {
		return nil, err
	}

	db.logger.Debug("loaded database", "manifest", manifestName,
		"vector_size", db.vectorSize, "partitions", db.numPartitions)
	return db, nil
}

func readManifest(ctx context.Context, store blobstore.BlobStore, name string, manifest *codec.Database) error {
	r, err := store.Open(ctx, name)
	if err != nil {
		return err
	}
	defer r.Close()

	zr, err := zlib.NewReader(r)
	if err != nil {
		return err
	}
	defer zr.Close()

	return codec.ReadMessage(zr, manifest)
}

// VectorSize returns the vector dimension D.
func (db *StoredDatabase) VectorSize() int { return db.vectorSize }

// NumPartitions returns the number of partitions P.
func (db *StoredDatabase) NumPartitions() int { return db.numPartitions }

// NumDivisions returns the number of PQ sub-spaces M.
func (db *StoredDatabase) NumDivisions() int { return db.numDivisions }

// NumCodes returns the number of codes per sub-space C.
func (db *StoredDatabase) NumCodes() int { return db.numCodes }

// SubvectorSize returns D/M.
func (db *StoredDatabase) SubvectorSize() int { return db.vectorSize / db.numDivisions }

// PartitionID returns the reference ID of a partition, or "" when the
// index is out of range.
func (db *StoredDatabase) PartitionID(i int) string {
	if i < 0 || i >= len(db.partitionIDs) {
		return ""
	}
	return db.partitionIDs[i]
}

// CodebookID returns the reference ID of a codebook, or "" when the
// index is out of range.
func (db *StoredDatabase) CodebookID(i int) string {
	if i < 0 || i >= len(db.codebookIDs) {
		return ""
	}
	return db.codebookIDs[i]
}

// AttributeNames returns the interned attribute names, in insertion
// order. The returned slice must not be mutated.
func (db *StoredDatabase) AttributeNames() []string { return db.names.names }

// Query returns the k approximate nearest neighbors of q, probing the
// nprobe closest partitions and lazily loading them as needed.
func (db *StoredDatabase) Query(ctx context.Context, q []float32, k, nprobe int, optFns ...QueryOption) ([]QueryResult, error) {
	opts := applyQueryOptions(optFns)

	if len(q) != db.vectorSize {
		return nil, &ErrDimensionMismatch{Expected: db.vectorSize, Actual: len(q)}
	}
	if k < 1 {
		return nil, ErrInvalidK
	}
	if nprobe < 1 || nprobe > db.numPartitions {
		return nil, ErrInvalidNProbe
	}

	opts.emit(QueryEvent{Kind: QueryStartingPartitionSelection})
	probes := selectProbes(q, db.centroids, nprobe)
	opts.emit(QueryEvent{Kind: QueryFinishedPartitionSelection})

	sel := newResultSelector(k)
	for _, pr := range probes {
		opts.emit(QueryEvent{Kind: QueryStartingPartitionScan, Partition: pr.partition})
		part, err := db.getPartition(ctx, pr.partition)
		if err != nil {
			return nil, err
		}
		scanPartition(sel, db.codebooks, pr, part,
			db.partitionIDs[pr.partition], db.attributesLogIDs[pr.partition])
		opts.emit(QueryEvent{Kind: QueryFinishedPartitionScan, Partition: pr.partition})
	}

	opts.emit(QueryEvent{Kind: QueryStartingResultSelection})
	results := sel.IntoSorted()
	opts.emit(QueryEvent{Kind: QueryFinishedResultSelection})
	return results, nil
}

// GetAttributeOf returns the attribute value of a query result,
// lazily loading the partition's attributes log on first use. An
// unknown name is unset, not an error.
func (db *StoredDatabase) GetAttributeOf(ctx context.Context, result QueryResult, name string) (AttributeValue, bool, error) {
	pi := result.PartitionIndex
	if pi < 0 || pi >= db.numPartitions ||
		result.partitionID != db.partitionIDs[pi] ||
		result.attributesLogID != db.attributesLogIDs[pi] {
		return AttributeValue{}, false, ErrForeignResult
	}
	ni, ok := db.names.index(name)
	if !ok {
		return AttributeValue{}, false, nil
	}
	log, err := db.getAttributesLog(ctx, pi)
	if err != nil {
		return AttributeValue{}, false, err
	}
	v, ok := log.lookup(result.VectorID, ni)
	return v, ok, nil
}

// GetAttribute returns the attribute value of a vector by ID. Attribute
// logs are searched in partition order, each loaded on first use, until
// one holds a value for the vector; prefer GetAttributeOf when a query
// result is at hand.
func (db *StoredDatabase) GetAttribute(ctx context.Context, id uuid.UUID, name string) (AttributeValue, bool, error) {
	ni, ok := db.names.index(name)
	if !ok {
		return AttributeValue{}, false, nil
	}
	for pi := 0; pi < db.numPartitions; pi++ {
		log, err := db.getAttributesLog(ctx, pi)
		if err != nil {
			return AttributeValue{}, false, err
		}
		if v, ok := log.lookup(id, ni); ok {
			return v, true, nil
		}
	}
	return AttributeValue{}, false, nil
}

// storedPartition is one lazily loaded partition. Entries are shared
// between the cache and outstanding query results; they are immutable
// once loaded.
type storedPartition struct {
	centroid     []float32
	numDivisions int
	codes        []uint32
	ids          []uuid.UUID
}

func (p *storedPartition) NumVectors() int { return len(p.ids) }

func (p *storedPartition) Code(i int) []uint32 {
	return p.codes[i*p.numDivisions : (i+1)*p.numDivisions]
}

func (p *storedPartition) VectorID(i int) uuid.UUID { return p.ids[i] }

// getPartition returns a cached partition or loads it, collapsing
// duplicate in-flight loads. A failed or cancelled load leaves no cache
// entry, so later queries retry.
func (db *StoredDatabase) getPartition(ctx context.Context, index int) (*storedPartition, error) {
	id := db.partitionIDs[index]

	db.mu.RLock()
	p := db.partitions[id]
	db.mu.RUnlock()
	if p != nil {
		return p, nil
	}

	ch := db.sf.DoChan("partition:"+id, func() (any, error) {
		p, err := db.loadPartition(ctx, index)
		if err != nil {
			return nil, err
		}
		db.mu.Lock()
		db.partitions[id] = p
		db.mu.Unlock()
		return p, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			// A load started by a caller whose context has since been
			// cancelled fails with that caller's context error; retry
			// under our own context.
			if ctx.Err() == nil && (errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, context.DeadlineExceeded)) {
				return db.getPartition(ctx, index)
			}
			return nil, res.Err
		}
		return res.Val.(*storedPartition), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (db *StoredDatabase) loadPartition(ctx context.Context, index int) (*storedPartition, error) {
	id := db.partitionIDs[index]

	var msg codec.Partition
	if err := db.readHashedMessage(ctx, path.Join(partitionsDir, id+blobExtension), &msg); err != nil {
		return nil, err
	}
	if int(msg.VectorSize) != db.vectorSize {
		return nil, fmt.Errorf("%w: partition %s: vector_size %d does not match database %d",
			codec.ErrCodec, id, msg.VectorSize, db.vectorSize)
	}
	if int(msg.NumDivisions) != db.numDivisions {
		return nil, fmt.Errorf("%w: partition %s: num_divisions %d does not match database %d",
			codec.ErrCodec, id, msg.NumDivisions, db.numDivisions)
	}
	for _, code := range msg.EncodedVectors.Data {
		if int(code) >= db.numCodes {
			return nil, fmt.Errorf("%w: partition %s: code index %d out of range [0, %d)",
				codec.ErrCodec, id, code, db.numCodes)
		}
	}

	ids := make([]uuid.UUID, len(msg.VectorIDs))
	for i, w := range msg.VectorIDs {
		ids[i] = uuidFromWire(w)
	}
	db.logger.Debug("loaded partition", "index", index, "ref", id, "vectors", len(ids))
	return &storedPartition{
		centroid:     msg.Centroid,
		numDivisions: db.numDivisions,
		codes:        msg.EncodedVectors.Data,
		ids:          ids,
	}, nil
}

// getAttributesLog returns a cached attributes log or loads it, with the
// same single-flight semantics as getPartition.
func (db *StoredDatabase) getAttributesLog(ctx context.Context, index int) (*attributesLog, error) {
	id := db.attributesLogIDs[index]

	db.mu.RLock()
	l := db.logs[id]
	db.mu.RUnlock()
	if l != nil {
		return l, nil
	}

	ch := db.sf.DoChan("attributes:"+id, func() (any, error) {
		l, err := db.loadAttributesLog(ctx, index)
		if err != nil {
			return nil, err
		}
		db.mu.Lock()
		db.logs[id] = l
		db.mu.Unlock()
		return l, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			if ctx.Err() == nil && (errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, context.DeadlineExceeded)) {
				return db.getAttributesLog(ctx, index)
			}
			return nil, res.Err
		}
		return res.Val.(*attributesLog), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (db *StoredDatabase) loadAttributesLog(ctx context.Context, index int) (*attributesLog, error) {
	id := db.attributesLogIDs[index]

	var msg codec.AttributesLog
	if err := db.readHashedMessage(ctx, path.Join(attributesDir, id+blobExtension), &msg); err != nil {
		return nil, err
	}
	if msg.PartitionID != db.partitionIDs[index] {
		return nil, fmt.Errorf("%w: attributes log %s: partition id %s does not match %s",
			codec.ErrCodec, id, msg.PartitionID, db.partitionIDs[index])
	}

	log := &attributesLog{entries: make([]attributeEntry, 0, len(msg.Entries))}
	for _, e := range msg.Entries {
		if int(e.NameIndex) >= len(db.names.names) {
			return nil, fmt.Errorf("%w: attributes log %s: name index %d out of range",
				codec.ErrCodec, id, e.NameIndex)
		}
		log.append(attributeEntry{
			vectorID:  uuidFromWire(e.VectorID),
			nameIndex: e.NameIndex,
			value:     attributeFromWire(e.Value),
		})
	}
	db.logger.Debug("loaded attributes log", "index", index, "ref", id, "entries", len(log.entries))
	return log, nil
}

func (db *StoredDatabase) loadCentroids(ctx context.Context) error {
	var msg codec.VectorSet
	if err := db.readHashedMessage(ctx, path.Join(partitionsDir, db.partitionCentroidsID+blobExtension), &msg); err != nil {
		return err
	}
	if int(msg.VectorSize) != db.vectorSize {
		return fmt.Errorf("%w: partition centroids: vector_size %d does not match database %d",
			codec.ErrCodec, msg.VectorSize, db.vectorSize)
	}
	block, err := vector.NewBlock(msg.Data, db.vectorSize)
	if err != nil {
		return fmt.Errorf("%w: partition centroids: %v", codec.ErrCodec, err)
	}
	if block.Len() != db.numPartitions {
		return fmt.Errorf("%w: partition centroids: %d centroids for %d partitions",
			codec.ErrCodec, block.Len(), db.numPartitions)
	}
	db.centroids = block
	return nil
}

func (db *StoredDatabase) loadCodebooks(ctx context.Context) error {
	sub := db.SubvectorSize()
	codebooks := make(quantization.Codebooks, db.numDivisions)
	for m := 0; m < db.numDivisions; m++ {
		id := db.codebookIDs[m]
		var msg codec.VectorSet
		if err := db.readHashedMessage(ctx, path.Join(codebooksDir, id+blobExtension), &msg); err != nil {
			return err
		}
		if int(msg.VectorSize) != sub {
			return fmt.Errorf("%w: codebook %s: vector_size %d does not match subvector size %d",
				codec.ErrCodec, id, msg.VectorSize, sub)
		}
		block, err := vector.NewBlock(msg.Data, sub)
		if err != nil {
			return fmt.Errorf("%w: codebook %s: %v", codec.ErrCodec, id, err)
		}
		if block.Len() != db.numCodes {
			return fmt.Errorf("%w: codebook %s: %d codes, want %d",
				codec.ErrCodec, id, block.Len(), db.numCodes)
		}
		codebooks[m] = block
	}
	db.codebooks = codebooks
	return nil
}

// readHashedMessage fetches one content-addressed blob, decompresses and
// decodes it, and verifies its digest before returning.
func (db *StoredDatabase) readHashedMessage(ctx context.Context, name string, m codec.Message) error {
	if err := db.ctrl.Acquire(ctx); err != nil {
		return err
	}
	defer db.ctrl.Release()

	hr, err := db.store.OpenHashed(ctx, name)
	if err != nil {
		return err
	}
	defer hr.Close()

	cr, err := blobstore.NewCompressedReader(hr)
	if err != nil {
		// A corrupt stream can already break the zlib header; report
		// the digest mismatch instead of the decode failure.
		if verr := verifyRemainder(hr); verr != nil {
			return verr
		}
		return err
	}
	defer cr.Close()

	if err := codec.ReadMessage(cr, m); err != nil {
		if verr := cr.Verify(); verr != nil {
			return verr
		}
		return err
	}
	return cr.Verify()
}

// verifyRemainder drains a hashed reader and checks its digest.
func verifyRemainder(hr blobstore.HashedReader) error {
	if _, err := io.Copy(io.Discard, hr); err != nil {
		return err
	}
	return hr.Verify()
}
