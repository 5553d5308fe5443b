package matcher

import (
	"math/rand"

	"github.com/coder/hnsw"

	"github.com/kozaktomas/fingermatch/internal/features"
)

// HNSW wraps a hierarchical navigable small world graph over the reference
// descriptors. Results are approximate and not reproducible: the graph keeps
// neighbor lists in maps, so two graphs built from the same points can link
// differently even with a seeded level generator.
type HNSW struct {
	graph    *hnsw.Graph[int]
	points   []features.Descriptor
	efSearch int
}

// NewHNSW builds a graph with m neighbors per node and efSearch candidates
// per query.
func NewHNSW(points []features.Descriptor, m, efSearch int, seed int64) *HNSW {
	g := hnsw.NewGraph[int]()
	g.M = m
	g.Ml = 1.0 / float64(m)
	g.EfSearch = efSearch
	g.Distance = hnsw.EuclideanDistance
	g.Rng = rand.New(rand.NewSource(seed))

	for i, p := range points {
		g.Add(hnsw.MakeNode(i, []float32(p)))
	}
	return &HNSW{graph: g, points: points, efSearch: efSearch}
}

// Len implements Index.
func (h *HNSW) Len() int { return len(h.points) }

// Search implements Index. The graph is asked for efSearch candidates, which
// are then reranked by exact distance before the best k are kept.
func (h *HNSW) Search(query features.Descriptor, k int) []Neighbor {
	if k <= 0 || len(h.points) == 0 {
		return nil
	}
	k = min(k, len(h.points))

	nodes := h.graph.Search([]float32(query), max(k, h.efSearch))
	rs := newResultSet(k)
	for _, n := range nodes {
		rs.add(squaredL2(query, h.points[n.Key]), n.Key)
	}
	return rs.finish()
}
