package scanner

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Summary describes a finished or cancelled scan.
type Summary struct {
	Total       int            `json:"total"`
	Processed   int            `json:"processed"`
	Skipped     int            `json:"skipped"`
	Scored      int            `json:"scored"`
	Mean        float64        `json:"mean"`
	StdDev      float64        `json:"stddev"`
	Max         float64        `json:"max"`
	SkipReasons map[string]int `json:"skip_reasons,omitempty"`
}

type accumulator struct {
	total   int
	skipped map[string]int
	scores  []float64
}

func newAccumulator(total int) *accumulator {
	return &accumulator{total: total, skipped: make(map[string]int)}
}

func (a *accumulator) skip(reason string) {
	a.skipped[reason]++
}

func (a *accumulator) score(v float64) {
	a.scores = append(a.scores, v)
}

func (a *accumulator) summary() Summary {
	s := Summary{
		Total:  a.total,
		Scored: len(a.scores),
	}
	for reason, n := range a.skipped {
		s.Skipped += n
		if s.SkipReasons == nil {
			s.SkipReasons = make(map[string]int, len(a.skipped))
		}
		s.SkipReasons[reason] = n
	}
	s.Processed = s.Scored + s.Skipped

	switch len(a.scores) {
	case 0:
	case 1:
		s.Mean = a.scores[0]
		s.Max = a.scores[0]
	default:
		s.Mean, s.StdDev = stat.MeanStdDev(a.scores, nil)
		s.Max = floats.Max(a.scores)
	}
	return s
}
