// Package sampling provides discrete weighted-index sampling for k-means++
// seeding.
package sampling

import (
	"errors"
	"math/rand"
	"sort"
)

var (
	// ErrEmptyDistribution is returned when no weights are given.
	ErrEmptyDistribution = errors.New("weight distribution must not be empty")
	// ErrNegativeWeight is returned when a weight is negative.
	ErrNegativeWeight = errors.New("weights must be non-negative")
	// ErrNonPositiveWeightSum is returned when the weights sum to zero.
	ErrNonPositiveWeightSum = errors.New("total weight must be positive")
)

// WeightedIndex draws an index i with probability w[i]/Σw.
//
// Preprocessing is O(K) (prefix sums); each Sample is O(log K).
type WeightedIndex struct {
	cum   []float32 // cum[i] = w[0] + ... + w[i]
	total float32
}

// NewWeightedIndex builds a sampler over the given non-negative weights.
func NewWeightedIndex(weights []float32) (*WeightedIndex, error) {
	if len(weights) == 0 {
		return nil, ErrEmptyDistribution
	}
	cum := make([]float32, len(weights))
	var total float32
	for i, w := range weights {
		if w < 0 {
			return nil, ErrNegativeWeight
		}
		total += w
		cum[i] = total
	}
	if total <= 0 {
		return nil, ErrNonPositiveWeightSum
	}
	return &WeightedIndex{cum: cum, total: total}, nil
}

// Sample draws an index from the distribution. Indices with zero weight
// are never returned.
func (w *WeightedIndex) Sample(rng *rand.Rand) int {
	r := rng.Float32() * w.total
	// First index whose cumulative weight exceeds r. Zero-weight entries
	// repeat the previous cumulative value and are skipped.
	i := sort.Search(len(w.cum), func(i int) bool { return w.cum[i] > r })
	if i == len(w.cum) {
		// r landed on the total due to rounding; fall back to the last
		// positive-weight index.
		for i = len(w.cum) - 1; i > 0 && w.cum[i-1] == w.cum[i]; i-- {
		}
	}
	return i
}
