package ivfgo

import (
	"github.com/google/uuid"
	"github.com/hupe1980/ivfgo/internal/math32"
	"github.com/hupe1980/ivfgo/internal/nbest"
	"github.com/hupe1980/ivfgo/quantization"
	"github.com/hupe1980/ivfgo/vector"
)

// QueryResult is one k-NN hit, ordered by ascending squared distance.
type QueryResult struct {
	// VectorID is the queried vector's database-unique ID.
	VectorID uuid.UUID
	// PartitionIndex is the partition the vector lives in.
	PartitionIndex int
	// SquaredDistance is the PQ-approximated squared L2 distance. It is
	// not re-ranked against the raw vectors.
	SquaredDistance float32

	// Set on results from a stored database, used to verify attribute
	// lookups against the right artifacts.
	partitionID     string
	attributesLogID string
}

type queryOptions struct {
	events QueryEventSink
}

// QueryOption configures a single query.
type QueryOption func(*queryOptions)

// WithQueryEvents attaches a progress event sink to a query.
func WithQueryEvents(sink QueryEventSink) QueryOption {
	return func(o *queryOptions) {
		o.events = sink
	}
}

func applyQueryOptions(optFns []QueryOption) queryOptions {
	var o queryOptions
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

func (o queryOptions) emit(ev QueryEvent) {
	if o.events != nil {
		o.events(ev)
	}
}

// probe is one selected partition: its index and the localized query
// (q - centroid).
type probe struct {
	partition int
	localized []float32
	dist      float32
}

// selectProbes ranks all partitions by the squared distance between q
// and their centroid and keeps the nprobe closest, ties to the lowest
// partition index.
func selectProbes(q []float32, centroids vector.Set, nprobe int) []probe {
	sel := nbest.New(nprobe, func(p probe) float32 { return p.dist })
	for pi := 0; pi < centroids.Len(); pi++ {
		localized := make([]float32, len(q))
		math32.Sub(localized, q, centroids.At(pi))
		sel.Push(probe{
			partition: pi,
			localized: localized,
			dist:      math32.Norm2(localized),
		})
	}
	return sel.IntoSorted()
}

// partitionView is the read surface the PQ scan needs, implemented by
// both built and lazily loaded partitions.
type partitionView interface {
	NumVectors() int
	Code(i int) []uint32
	VectorID(i int) uuid.UUID
}

// scanPartition computes the asymmetric distance table for one probed
// partition and feeds every encoded vector into the shared selector in
// insertion order.
func scanPartition(sel *nbest.Selector[QueryResult], codebooks quantization.Codebooks, pr probe, part partitionView, partitionID, attributesLogID string) {
	table := codebooks.DistanceTable(pr.localized)
	for i := 0; i < part.NumVectors(); i++ {
		sel.Push(QueryResult{
			VectorID:        part.VectorID(i),
			PartitionIndex:  pr.partition,
			SquaredDistance: codebooks.ADC(table, part.Code(i)),
			partitionID:     partitionID,
			attributesLogID: attributesLogID,
		})
	}
}

func newResultSelector(k int) *nbest.Selector[QueryResult] {
	return nbest.New(k, func(r QueryResult) float32 { return r.SquaredDistance })
}
