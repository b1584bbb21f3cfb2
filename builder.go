package ivfgo

import (
	"math/rand"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/uuid"
	"github.com/hupe1980/ivfgo/internal/math32"
	"github.com/hupe1980/ivfgo/kmeans"
	"github.com/hupe1980/ivfgo/quantization"
	"github.com/hupe1980/ivfgo/vector"
)

const (
	// DefaultPartitions is the default number of coarse partitions.
	DefaultPartitions = 10
	// DefaultDivisions is the default number of PQ sub-spaces.
	DefaultDivisions = 8
	// DefaultClusters is the default number of codes per sub-space.
	DefaultClusters = 16
)

// DatabaseBuilder builds an immutable in-memory database from a vector
// set.
type DatabaseBuilder struct {
	vs            vector.Set
	numPartitions int
	numDivisions  int
	numClusters   int
	maxIterations int
	tolerance     float32
	rng           *rand.Rand
	events        BuildEventSink
	logger        *Logger
}

// New initializes a builder for the given vector set. The builder takes
// ownership of the set.
func New(vs vector.Set) *DatabaseBuilder {
	return &DatabaseBuilder{
		vs:            vs,
		numPartitions: DefaultPartitions,
		numDivisions:  DefaultDivisions,
		numClusters:   DefaultClusters,
		maxIterations: kmeans.DefaultMaxIterations,
		tolerance:     kmeans.DefaultTolerance,
		logger:        NoopLogger(),
	}
}

// WithPartitions sets the number of coarse partitions (P).
func (b *DatabaseBuilder) WithPartitions(p int) *DatabaseBuilder {
	b.numPartitions = p
	return b
}

// WithDivisions sets the number of PQ sub-spaces (M). M must divide the
// vector dimension.
func (b *DatabaseBuilder) WithDivisions(m int) *DatabaseBuilder {
	b.numDivisions = m
	return b
}

// WithClusters sets the number of codes per sub-space (C).
func (b *DatabaseBuilder) WithClusters(c int) *DatabaseBuilder {
	b.numClusters = c
	return b
}

// WithMaxIterations bounds the Lloyd iterations of every clustering run.
func (b *DatabaseBuilder) WithMaxIterations(n int) *DatabaseBuilder {
	b.maxIterations = n
	return b
}

// WithTolerance sets the clustering convergence tolerance.
func (b *DatabaseBuilder) WithTolerance(eps float32) *DatabaseBuilder {
	b.tolerance = eps
	return b
}

// WithRNG fixes the random source, making builds reproducible.
func (b *DatabaseBuilder) WithRNG(rng *rand.Rand) *DatabaseBuilder {
	b.rng = rng
	return b
}

// WithEventSink attaches a build progress sink.
func (b *DatabaseBuilder) WithEventSink(sink BuildEventSink) *DatabaseBuilder {
	b.events = sink
	return b
}

// WithLogger attaches a structured logger.
func (b *DatabaseBuilder) WithLogger(logger *Logger) *DatabaseBuilder {
	if logger == nil {
		logger = NoopLogger()
	}
	b.logger = logger
	return b
}

// Build partitions the vector set, trains the PQ codebooks on the
// residuals and returns the in-memory database.
func (b *DatabaseBuilder) Build() (*Database, error) {
	emit := func(ev BuildEvent) {
		if b.events != nil {
			b.events(ev)
		}
	}
	rng := b.rng
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63())) //nolint:gosec
	}

	n := b.vs.Len()
	dim := b.vs.Dim()

	emit(BuildEvent{Kind: BuildStartingIDAssignment})
	ids := make([]uuid.UUID, n)
	indexOfID := make(map[uuid.UUID]int, n)
	for i := range ids {
		ids[i] = uuid.New()
		indexOfID[ids[i]] = i
	}
	emit(BuildEvent{Kind: BuildFinishedIDAssignment})

	emit(BuildEvent{Kind: BuildStartingPartitioning})
	coarse, err := kmeans.Cluster(b.vs, b.numPartitions, func(c *kmeans.Config) {
		c.MaxIterations = b.maxIterations
		c.Tolerance = b.tolerance
		c.RNG = rng
	})
	if err != nil {
		return nil, err
	}
	emit(BuildEvent{Kind: BuildFinishedPartitioning})
	b.logger.Debug("trained coarse quantizer", "partitions", b.numPartitions, "vectors", n)

	// Materialize residuals and the per-partition posting lists.
	residualData := make([]float32, n*dim)
	posting := make([]*roaring.Bitmap, b.numPartitions)
	for p := range posting {
		posting[p] = roaring.New()
	}
	for i := 0; i < n; i++ {
		pi := coarse.Indices[i]
		math32.Sub(residualData[i*dim:(i+1)*dim], b.vs.At(i), coarse.Centroids.At(pi))
		posting[pi].Add(uint32(i))
	}
	residuals, err := vector.NewBlock(residualData, dim)
	if err != nil {
		return nil, err
	}

	pq, err := quantization.Train(residuals, b.numDivisions, b.numClusters, func(c *quantization.Config) {
		c.MaxIterations = b.maxIterations
		c.Tolerance = b.tolerance
		c.RNG = rng
		c.DivisionSink = func(m int) {
			emit(BuildEvent{Kind: BuildStartingQuantization, Division: m})
			emit(BuildEvent{Kind: BuildFinishedQuantization, Division: m})
		}
	})
	if err != nil {
		return nil, err
	}
	b.logger.Debug("trained product quantizer", "divisions", b.numDivisions, "codes", b.numClusters)

	return &Database{
		vs:        b.vs,
		coarse:    coarse,
		posting:   posting,
		pq:        pq,
		vectorIDs: ids,
		indexOfID: indexOfID,
		names:     newNameTable(nil),
		logs:      make([]attributesLog, b.numPartitions),
		logger:    b.logger,
	}, nil
}
