// Package kmeans implements k-means clustering with k-means++ seeding and
// Lloyd iteration.
package kmeans

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/hupe1980/ivfgo/internal/math32"
	"github.com/hupe1980/ivfgo/internal/sampling"
	"github.com/hupe1980/ivfgo/vector"
)

const (
	// DefaultMaxIterations bounds the Lloyd iteration count.
	DefaultMaxIterations = 100
	// DefaultTolerance is the convergence threshold on the total squared
	// centroid shift.
	DefaultTolerance = 1e-6
)

var (
	// ErrEmptyData is returned when the input set has no vectors.
	ErrEmptyData = errors.New("input vector set must not be empty")
	// ErrNonFinite is returned when the input contains NaN or ±Inf.
	ErrNonFinite = errors.New("input vectors must be finite")
	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("k must be positive")
)

// ErrKExceedsN indicates more clusters were requested than input vectors.
type ErrKExceedsN struct {
	K int
	N int
}

func (e *ErrKExceedsN) Error() string {
	return fmt.Sprintf("k %d exceeds the number of vectors %d", e.K, e.N)
}

// Codebook is the result of clustering: K centroids plus the cluster index
// assigned to each input vector.
type Codebook struct {
	// Centroids holds the K cluster centroids.
	Centroids *vector.Block
	// Indices maps each input vector to its centroid.
	Indices []int
}

// EventKind identifies a clustering progress event.
type EventKind int

const (
	// EventInitialized is emitted after k-means++ initialization.
	EventInitialized EventKind = iota + 1
	// EventIterationCompleted is emitted after each Lloyd iteration.
	EventIterationCompleted
	// EventConverged is emitted when the centroid shift drops below the
	// tolerance.
	EventConverged
	// EventMaxIterationsReached is emitted when the iteration budget is
	// exhausted before convergence.
	EventMaxIterationsReached
)

// Event is a clustering progress notification.
type Event struct {
	Kind      EventKind
	Iteration int
	// Shift is the total squared centroid movement of the iteration.
	Shift float32
}

// EventSink receives clustering progress events. It may be nil.
type EventSink func(Event)

// Config holds clustering parameters.
type Config struct {
	MaxIterations int
	Tolerance     float32
	RNG           *rand.Rand
	EventSink     EventSink
}

// Cluster partitions vs into k clusters and returns the resulting
// codebook. Distance is squared L2; ties go to the lowest centroid index.
func Cluster(vs vector.Set, k int, optFns ...func(*Config)) (*Codebook, error) {
	cfg := Config{
		MaxIterations: DefaultMaxIterations,
		Tolerance:     DefaultTolerance,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&cfg)
		}
	}
	if cfg.RNG == nil {
		cfg.RNG = rand.New(rand.NewSource(rand.Int63())) //nolint:gosec
	}

	n := vs.Len()
	if n == 0 {
		return nil, ErrEmptyData
	}
	if k < 1 {
		return nil, ErrInvalidK
	}
	if k > n {
		return nil, &ErrKExceedsN{K: k, N: n}
	}
	for i := 0; i < n; i++ {
		if !math32.IsFinite(vs.At(i)) {
			return nil, ErrNonFinite
		}
	}

	emit := func(ev Event) {
		if cfg.EventSink != nil {
			cfg.EventSink(ev)
		}
	}

	dim := vs.Dim()
	if k == n {
		// Every vector is its own centroid; no iteration needed.
		centroids := make([]float32, n*dim)
		indices := make([]int, n)
		for i := 0; i < n; i++ {
			copy(centroids[i*dim:(i+1)*dim], vs.At(i))
			indices[i] = i
		}
		block, err := vector.NewBlock(centroids, dim)
		if err != nil {
			return nil, err
		}
		emit(Event{Kind: EventInitialized})
		emit(Event{Kind: EventConverged})
		return &Codebook{Centroids: block, Indices: indices}, nil
	}

	centroids := initializeCentroids(vs, k, cfg.RNG)
	emit(Event{Kind: EventInitialized})

	indices := make([]int, n)
	sums := make([]float32, k*dim)
	counts := make([]int, k)
	prev := make([]float32, k*dim)

	converged := false
	for iter := 0; iter < cfg.MaxIterations; iter++ {
		assign(vs, centroids, indices)

		copy(prev, centroids)
		for i := range sums {
			sums[i] = 0
		}
		for i := range counts {
			counts[i] = 0
		}
		for i := 0; i < n; i++ {
			ci := indices[i]
			math32.AddInPlace(sums[ci*dim:(ci+1)*dim], vs.At(i))
			counts[ci]++
		}
		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				continue
			}
			dst := centroids[c*dim : (c+1)*dim]
			copy(dst, sums[c*dim:(c+1)*dim])
			math32.ScaleInPlace(dst, 1/float32(counts[c]))
		}
		respawnEmpty(vs, centroids, indices, counts, cfg.RNG)

		var shift float32
		for c := 0; c < k; c++ {
			shift += math32.SquaredL2(centroids[c*dim:(c+1)*dim], prev[c*dim:(c+1)*dim])
		}
		emit(Event{Kind: EventIterationCompleted, Iteration: iter, Shift: shift})
		if shift <= cfg.Tolerance {
			converged = true
			break
		}
	}

	// Final assignment against the final centroids.
	assign(vs, centroids, indices)

	if converged {
		emit(Event{Kind: EventConverged})
	} else {
		emit(Event{Kind: EventMaxIterationsReached})
	}

	block, err := vector.NewBlock(centroids, dim)
	if err != nil {
		return nil, err
	}
	return &Codebook{Centroids: block, Indices: indices}, nil
}

// Nearest returns the index of the centroid closest to v (squared L2),
// ties to the lowest index.
func Nearest(v []float32, centroids vector.Set) int {
	best := 0
	min := float32(math.MaxFloat32)
	for c := 0; c < centroids.Len(); c++ {
		if d := math32.SquaredL2(v, centroids.At(c)); d < min {
			min = d
			best = c
		}
	}
	return best
}

// initializeCentroids seeds k centroids with k-means++: the first is drawn
// uniformly, each subsequent one with probability proportional to the
// squared distance to the nearest already-chosen centroid.
func initializeCentroids(vs vector.Set, k int, rng *rand.Rand) []float32 {
	n := vs.Len()
	dim := vs.Dim()
	centroids := make([]float32, 0, k*dim)

	first := rng.Intn(n)
	centroids = append(centroids, vs.At(first)...)

	minDist := make([]float32, n)
	for i := 0; i < n; i++ {
		minDist[i] = math32.SquaredL2(vs.At(i), vs.At(first))
	}

	for c := 1; c < k; c++ {
		chosen := sampleProportional(minDist, rng)
		newCentroid := vs.At(chosen)
		centroids = append(centroids, newCentroid...)
		for i := 0; i < n; i++ {
			if d := math32.SquaredL2(vs.At(i), newCentroid); d < minDist[i] {
				minDist[i] = d
			}
		}
	}
	return centroids
}

// sampleProportional draws an index with probability proportional to the
// given weights. If all weights are zero (every point coincides with a
// chosen centroid), index 0 is returned.
func sampleProportional(weights []float32, rng *rand.Rand) int {
	w, err := sampling.NewWeightedIndex(weights)
	if err != nil {
		for i, x := range weights {
			if x > 0 {
				return i
			}
		}
		return 0
	}
	return w.Sample(rng)
}

func assign(vs vector.Set, centroids []float32, indices []int) {
	dim := vs.Dim()
	k := len(centroids) / dim
	for i := 0; i < vs.Len(); i++ {
		v := vs.At(i)
		best := 0
		min := float32(math.MaxFloat32)
		for c := 0; c < k; c++ {
			if d := math32.SquaredL2(v, centroids[c*dim:(c+1)*dim]); d < min {
				min = d
				best = c
			}
		}
		indices[i] = best
	}
}

// respawnEmpty relocates every empty centroid to an input vector sampled
// with probability proportional to its current squared distance to its
// assigned centroid. Empty clusters must never persist.
func respawnEmpty(vs vector.Set, centroids []float32, indices []int, counts []int, rng *rand.Rand) {
	dim := vs.Dim()
	var weights []float32
	for c := range counts {
		if counts[c] > 0 {
			continue
		}
		if weights == nil {
			weights = make([]float32, vs.Len())
			for i := 0; i < vs.Len(); i++ {
				ci := indices[i]
				weights[i] = math32.SquaredL2(vs.At(i), centroids[ci*dim:(ci+1)*dim])
			}
		}
		chosen := sampleProportional(weights, rng)
		copy(centroids[c*dim:(c+1)*dim], vs.At(chosen))
		weights[chosen] = 0
	}
}
