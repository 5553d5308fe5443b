package matcher

import (
	"math/rand"
	"sort"

	"github.com/emirpasic/gods/trees/binaryheap"
	"github.com/emirpasic/gods/utils"

	"github.com/kozaktomas/fingermatch/internal/constants"
	"github.com/kozaktomas/fingermatch/internal/features"
)

// KDForest is a set of randomized k-d trees searched together with a
// shared best-bin-first priority queue. Results are approximate: the
// search stops after a fixed number of leaf checks.
type KDForest struct {
	points []features.Descriptor
	roots  []*kdNode
	checks int
}

type kdNode struct {
	point       int // leaf only, -1 for inner nodes
	dim         int
	split       float32
	left, right *kdNode
}

// branch is an unexplored subtree with a lower bound on its distance.
type branch struct {
	node    *kdNode
	minDist float64
	seq     int
}

func branchComparator(a, b any) int {
	x, y := a.(branch), b.(branch)
	switch {
	case x.minDist < y.minDist:
		return -1
	case x.minDist > y.minDist:
		return 1
	default:
		return utils.IntComparator(x.seq, y.seq)
	}
}

// NewKDForest builds trees randomized k-d trees over points. checks bounds
// the number of leaves examined per query. Building is deterministic for a
// given seed.
func NewKDForest(points []features.Descriptor, trees, checks int, seed int64) *KDForest {
	f := &KDForest{points: points, checks: checks}
	if len(points) == 0 {
		return f
	}

	rng := rand.New(rand.NewSource(seed))
	f.roots = make([]*kdNode, trees)
	for t := range f.roots {
		idx := rng.Perm(len(points))
		f.roots[t] = f.build(idx, rng)
	}
	return f
}

// Len implements Index.
func (f *KDForest) Len() int { return len(f.points) }

func (f *KDForest) build(idx []int, rng *rand.Rand) *kdNode {
	if len(idx) == 1 {
		return &kdNode{point: idx[0]}
	}

	dim, split := f.chooseSplit(idx, rng)
	pos := planeSplit(f.points, idx, dim, split)

	return &kdNode{
		point: -1,
		dim:   dim,
		split: split,
		left:  f.build(idx[:pos], rng),
		right: f.build(idx[pos:], rng),
	}
}

// chooseSplit picks at random one of the dimensions with the highest
// variance over a sample of the points and splits at its mean.
func (f *KDForest) chooseSplit(idx []int, rng *rand.Rand) (int, float32) {
	dims := len(f.points[idx[0]])
	n := min(len(idx), constants.KDVarianceSample)

	mean := make([]float64, dims)
	for _, i := range idx[:n] {
		for d, v := range f.points[i] {
			mean[d] += float64(v)
		}
	}
	for d := range mean {
		mean[d] /= float64(n)
	}

	variance := make([]float64, dims)
	for _, i := range idx[:n] {
		for d, v := range f.points[i] {
			diff := float64(v) - mean[d]
			variance[d] += diff * diff
		}
	}

	order := make([]int, dims)
	for d := range order {
		order[d] = d
	}
	sort.SliceStable(order, func(a, b int) bool {
		return variance[order[a]] > variance[order[b]]
	})

	top := min(constants.KDSplitCandidates, dims)
	dim := order[rng.Intn(top)]
	return dim, float32(mean[dim])
}

// planeSplit reorders idx into values below, equal to and above split on
// dim, and returns the position at which to cut so that both halves are
// non-empty and as balanced as ties allow.
func planeSplit(points []features.Descriptor, idx []int, dim int, split float32) int {
	left, right := 0, len(idx)-1
	for {
		for left <= right && points[idx[left]][dim] < split {
			left++
		}
		for left <= right && points[idx[right]][dim] >= split {
			right--
		}
		if left > right {
			break
		}
		idx[left], idx[right] = idx[right], idx[left]
	}
	lim1 := left

	right = len(idx) - 1
	for {
		for left <= right && points[idx[left]][dim] <= split {
			left++
		}
		for left <= right && points[idx[right]][dim] > split {
			right--
		}
		if left > right {
			break
		}
		idx[left], idx[right] = idx[right], idx[left]
	}
	lim2 := left

	n := len(idx)
	switch {
	case lim1 == n || lim2 == 0:
		// Every value is identical on dim.
		return n / 2
	case lim1 > n/2:
		return lim1
	case lim2 < n/2:
		return lim2
	default:
		return n / 2
	}
}

// Search implements Index.
func (f *KDForest) Search(query features.Descriptor, k int) []Neighbor {
	if k <= 0 || len(f.points) == 0 {
		return nil
	}
	k = min(k, len(f.points))

	s := &kdSearch{
		forest:  f,
		query:   query,
		result:  newResultSet(k),
		checked: make([]bool, len(f.points)),
		heap:    binaryheap.NewWith(branchComparator),
	}
	for _, root := range f.roots {
		s.descend(root, 0)
	}
	for !s.heap.Empty() && (s.count < f.checks || !s.result.full()) {
		v, _ := s.heap.Pop()
		b := v.(branch)
		s.descend(b.node, b.minDist)
	}
	return s.result.finish()
}

type kdSearch struct {
	forest  *KDForest
	query   features.Descriptor
	result  *resultSet
	checked []bool
	heap    *binaryheap.Heap
	count   int
	seq     int
}

// descend walks from node to the closest leaf, queueing the other side of
// every split it passes.
func (s *kdSearch) descend(node *kdNode, minDist float64) {
	for node.point < 0 {
		diff := float64(s.query[node.dim]) - float64(node.split)
		best, other := node.right, node.left
		if diff < 0 {
			best, other = node.left, node.right
		}

		cut := minDist + diff*diff
		if cut < s.result.worst() || !s.result.full() {
			s.seq++
			s.heap.Push(branch{node: other, minDist: cut, seq: s.seq})
		}
		node = best
	}

	if s.checked[node.point] || (s.count >= s.forest.checks && s.result.full()) {
		return
	}
	s.checked[node.point] = true
	s.count++
	s.result.add(squaredL2(s.query, s.forest.points[node.point]), node.point)
}
