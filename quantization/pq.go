// Package quantization implements product quantization (PQ) over residual
// vectors.
//
// A vector of dimension D is split into M contiguous sub-vectors of
// dimension D/M. Each sub-space gets an independent codebook of C
// centroids trained with k-means; a vector is encoded as M code indices.
// Queries are answered with asymmetric distance computation: a per-query
// M×C table of squared distances to every code centroid, summed by code
// lookup per encoded vector.
package quantization

import (
	"math/rand"

	"github.com/hupe1980/ivfgo/internal/math32"
	"github.com/hupe1980/ivfgo/kmeans"
	"github.com/hupe1980/ivfgo/vector"
	"golang.org/x/sync/errgroup"
)

// Codebooks is the per-division codebook set. Codebooks[m] holds the C
// code centroids of sub-space m, each of dimension D/M.
type Codebooks []vector.Set

// NumDivisions returns M.
func (cb Codebooks) NumDivisions() int { return len(cb) }

// NumCodes returns C.
func (cb Codebooks) NumCodes() int { return cb[0].Len() }

// SubvectorSize returns D/M.
func (cb Codebooks) SubvectorSize() int { return cb[0].Dim() }

// DistanceTable computes the asymmetric distance table for a localized
// (residual) query vector: table[m*C+c] is the squared L2 distance from
// the m-th query sub-vector to code centroid c. The table is reused for
// every encoded vector of the probed partition.
func (cb Codebooks) DistanceTable(localized []float32) []float32 {
	m := cb.NumDivisions()
	c := cb.NumCodes()
	sub := cb.SubvectorSize()
	table := make([]float32, m*c)
	for di := 0; di < m; di++ {
		subq := localized[di*sub : (di+1)*sub]
		for ci := 0; ci < c; ci++ {
			table[di*c+ci] = math32.SquaredL2(subq, cb[di].At(ci))
		}
	}
	return table
}

// ADC sums the table entries selected by an encoded vector, yielding the
// approximate squared distance between the query and the encoded vector.
func (cb Codebooks) ADC(table []float32, codes []uint32) float32 {
	c := cb.NumCodes()
	var dist float32
	for di, code := range codes {
		dist += table[di*c+int(code)]
	}
	return dist
}

// ProductQuantizer holds trained PQ codebooks plus the codes of the
// vectors it was trained on.
type ProductQuantizer struct {
	numDivisions int
	numCodes     int
	subSize      int
	codebooks    Codebooks
	codes        []uint32 // N×M, row-major
}

// Config holds PQ training parameters.
type Config struct {
	MaxIterations int
	Tolerance     float32
	RNG           *rand.Rand
	// DivisionSink, if set, is notified once per trained division, in
	// division order.
	DivisionSink func(division int)
}

// Train learns M independent codebooks of C codes on the sub-spaces of
// the given residual set and encodes every residual.
//
// Fails if numDivisions does not divide the residual dimension, or if C
// exceeds the number of residuals.
func Train(residuals vector.Set, numDivisions, numCodes int, optFns ...func(*Config)) (*ProductQuantizer, error) {
	cfg := Config{
		MaxIterations: kmeans.DefaultMaxIterations,
		Tolerance:     kmeans.DefaultTolerance,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&cfg)
		}
	}
	if cfg.RNG == nil {
		cfg.RNG = rand.New(rand.NewSource(rand.Int63())) //nolint:gosec
	}

	views, err := vector.Divide(residuals, numDivisions)
	if err != nil {
		return nil, err
	}

	// Seeds are drawn up front so parallel training stays deterministic
	// for a fixed RNG.
	seeds := make([]int64, numDivisions)
	for i := range seeds {
		seeds[i] = cfg.RNG.Int63()
	}

	books := make([]*kmeans.Codebook, numDivisions)
	g := new(errgroup.Group)
	for m := 0; m < numDivisions; m++ {
		g.Go(func() error {
			cb, err := kmeans.Cluster(views[m], numCodes, func(c *kmeans.Config) {
				c.MaxIterations = cfg.MaxIterations
				c.Tolerance = cfg.Tolerance
				c.RNG = rand.New(rand.NewSource(seeds[m])) //nolint:gosec
			})
			if err != nil {
				return err
			}
			books[m] = cb
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if cfg.DivisionSink != nil {
		for m := 0; m < numDivisions; m++ {
			cfg.DivisionSink(m)
		}
	}

	n := residuals.Len()
	codes := make([]uint32, n*numDivisions)
	codebooks := make(Codebooks, numDivisions)
	for m := 0; m < numDivisions; m++ {
		codebooks[m] = books[m].Centroids
		for i := 0; i < n; i++ {
			codes[i*numDivisions+m] = uint32(books[m].Indices[i])
		}
	}

	return &ProductQuantizer{
		numDivisions: numDivisions,
		numCodes:     numCodes,
		subSize:      residuals.Dim() / numDivisions,
		codebooks:    codebooks,
		codes:        codes,
	}, nil
}

// NumDivisions returns M.
func (pq *ProductQuantizer) NumDivisions() int { return pq.numDivisions }

// NumCodes returns C.
func (pq *ProductQuantizer) NumCodes() int { return pq.numCodes }

// SubvectorSize returns D/M.
func (pq *ProductQuantizer) SubvectorSize() int { return pq.subSize }

// Codebooks returns the trained codebook set.
func (pq *ProductQuantizer) Codebooks() Codebooks { return pq.codebooks }

// Code returns the code vector of the i-th training residual.
func (pq *ProductQuantizer) Code(i int) []uint32 {
	return pq.codes[i*pq.numDivisions : (i+1)*pq.numDivisions]
}

// Encode quantizes an arbitrary residual vector into M code indices,
// ties to the lowest code index.
func (pq *ProductQuantizer) Encode(v []float32) []uint32 {
	codes := make([]uint32, pq.numDivisions)
	for m := 0; m < pq.numDivisions; m++ {
		sub := v[m*pq.subSize : (m+1)*pq.subSize]
		codes[m] = uint32(kmeans.Nearest(sub, pq.codebooks[m]))
	}
	return codes
}
