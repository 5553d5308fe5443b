package matcher

import "github.com/kozaktomas/fingermatch/internal/features"

// Exact is a brute-force index. It always returns the true nearest
// neighbors, at linear cost per query.
type Exact struct {
	points []features.Descriptor
}

// NewExact returns a brute-force index over points.
func NewExact(points []features.Descriptor) *Exact {
	return &Exact{points: points}
}

// Len implements Index.
func (e *Exact) Len() int { return len(e.points) }

// Search implements Index.
func (e *Exact) Search(query features.Descriptor, k int) []Neighbor {
	if k <= 0 || len(e.points) == 0 {
		return nil
	}
	rs := newResultSet(min(k, len(e.points)))
	for i, p := range e.points {
		rs.add(squaredL2(query, p), i)
	}
	return rs.finish()
}
