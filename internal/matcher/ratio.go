package matcher

// LonePolicy decides what happens to a query that has a first neighbor but
// no second one to compare against.
type LonePolicy int

const (
	// LoneSkip drops the query: ambiguity cannot be ruled out.
	LoneSkip LonePolicy = iota
	// LoneAccept keeps the first neighbor as a match.
	LoneAccept
)

// String returns the policy name.
func (p LonePolicy) String() string {
	if p == LoneAccept {
		return "accept"
	}
	return "skip"
}

// RatioFilter applies the ratio test to neighbor lists produced by
// KnnMatch. A first neighbor is accepted only when its distance is strictly
// below ratio times the second neighbor's distance. Output order follows
// the query index.
func RatioFilter(lists [][]Neighbor, ratio float64, lone LonePolicy) []Match {
	var matches []Match
	for q, list := range lists {
		switch {
		case len(list) == 0:
			continue
		case len(list) == 1:
			if lone != LoneAccept {
				continue
			}
		case list[0].Distance >= ratio*list[1].Distance:
			continue
		}
		matches = append(matches, Match{
			QueryIndex: q,
			TrainIndex: list[0].Index,
			Distance:   list[0].Distance,
		})
	}
	return matches
}
