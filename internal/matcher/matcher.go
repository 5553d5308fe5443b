// Package matcher finds nearest-neighbor correspondences between two
// descriptor sets, filters them with the ratio test and scores the result.
package matcher

import (
	"fmt"
	"math"

	"github.com/kozaktomas/fingermatch/internal/constants"
	"github.com/kozaktomas/fingermatch/internal/features"
)

// Neighbor is one reference descriptor returned for a query.
type Neighbor struct {
	Index    int     `json:"index"`
	Distance float64 `json:"distance"` // Euclidean
}

// Match is an accepted correspondence between a query descriptor and a
// reference descriptor.
type Match struct {
	QueryIndex int     `json:"query_index"`
	TrainIndex int     `json:"train_index"`
	Distance   float64 `json:"distance"`
}

// Index answers k-nearest-neighbor queries over a fixed reference set.
type Index interface {
	// Search returns up to k neighbors ordered by ascending distance.
	Search(query features.Descriptor, k int) []Neighbor
	Len() int
}

// Factory builds an index over a reference set.
type Factory func(reference []features.Descriptor) Index

// Options selects and tunes the index.
type Options struct {
	Algorithm    string // kdforest, hnsw or exact
	Trees        int
	Checks       int
	Seed         int64
	HNSWM        int
	HNSWEfSearch int
}

// DefaultOptions returns a randomized k-d forest with 10 trees.
func DefaultOptions() Options {
	return Options{
		Algorithm:    constants.IndexKDForest,
		Trees:        constants.DefaultKDTrees,
		Checks:       constants.DefaultKDChecks,
		Seed:         constants.DefaultIndexSeed,
		HNSWM:        constants.HNSWMaxNeighbors,
		HNSWEfSearch: constants.HNSWEfSearch,
	}
}

// NewFactory returns a Factory for the configured algorithm. Every index it
// builds is seeded identically. Only algorithms for which Reproducible
// reports true give equal results for equal inputs.
func NewFactory(opts Options) (Factory, error) {
	switch opts.Algorithm {
	case constants.IndexKDForest, "":
		trees := max(opts.Trees, 1)
		checks := max(opts.Checks, 1)
		return func(ref []features.Descriptor) Index {
			return NewKDForest(ref, trees, checks, opts.Seed)
		}, nil
	case constants.IndexHNSW:
		m := max(opts.HNSWM, 2)
		ef := max(opts.HNSWEfSearch, constants.KNeighbors)
		return func(ref []features.Descriptor) Index {
			return NewHNSW(ref, m, ef, opts.Seed)
		}, nil
	case constants.IndexExact:
		return func(ref []features.Descriptor) Index {
			return NewExact(ref)
		}, nil
	default:
		return nil, fmt.Errorf("unknown index algorithm %q", opts.Algorithm)
	}
}

// Reproducible reports whether the algorithm returns the same neighbors for
// the same inputs on every run. hnsw does not.
func Reproducible(algorithm string) bool {
	return algorithm != constants.IndexHNSW
}

// KnnMatch returns, for every query descriptor, its k nearest reference
// descriptors by ascending distance. k is capped to the reference size.
// An empty reference or query set yields nil.
func KnnMatch(query, reference []features.Descriptor, k int, factory Factory) [][]Neighbor {
	if len(query) == 0 || len(reference) == 0 || k <= 0 {
		return nil
	}
	k = min(k, len(reference))

	idx := factory(reference)
	lists := make([][]Neighbor, len(query))
	for i, q := range query {
		lists[i] = idx.Search(q, k)
	}
	return lists
}

// squaredL2 returns the squared Euclidean distance between a and b.
func squaredL2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}

// resultSet keeps the k best (squared distance, index) pairs seen so far.
type resultSet struct {
	k     int
	items []Neighbor // Distance holds the squared distance until finish
}

func newResultSet(k int) *resultSet {
	return &resultSet{k: k, items: make([]Neighbor, 0, k+1)}
}

func (r *resultSet) full() bool {
	return len(r.items) >= r.k
}

func (r *resultSet) worst() float64 {
	if !r.full() {
		return math.Inf(1)
	}
	return r.items[len(r.items)-1].Distance
}

// add inserts (dist, index) ordered by distance, then by index.
func (r *resultSet) add(dist float64, index int) {
	if r.full() && !less(dist, index, r.items[len(r.items)-1]) {
		return
	}
	pos := len(r.items)
	for pos > 0 && less(dist, index, r.items[pos-1]) {
		pos--
	}
	r.items = append(r.items, Neighbor{})
	copy(r.items[pos+1:], r.items[pos:])
	r.items[pos] = Neighbor{Index: index, Distance: dist}
	if len(r.items) > r.k {
		r.items = r.items[:r.k]
	}
}

func less(dist float64, index int, n Neighbor) bool {
	if dist != n.Distance {
		return dist < n.Distance
	}
	return index < n.Index
}

// finish converts squared distances to Euclidean ones.
func (r *resultSet) finish() []Neighbor {
	for i := range r.items {
		r.items[i].Distance = math.Sqrt(r.items[i].Distance)
	}
	return r.items
}
