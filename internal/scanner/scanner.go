// Package scanner searches a corpus directory for the candidate image that
// best matches a sample.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/kozaktomas/fingermatch/internal/constants"
	"github.com/kozaktomas/fingermatch/internal/features"
	"github.com/kozaktomas/fingermatch/internal/featurestore"
	"github.com/kozaktomas/fingermatch/internal/matcher"
	"github.com/kozaktomas/fingermatch/internal/raster"
)

// ErrCorpusUnavailable is returned when the corpus directory is missing or
// cannot be listed. No candidate is processed in that case.
var ErrCorpusUnavailable = errors.New("corpus directory unavailable")

// Skip reasons reported through Progress.Reason and Summary.SkipReasons.
const (
	ReasonUnreadable       = "unreadable"
	ReasonExtractFailed    = "extract_failed"
	ReasonNoSampleFeatures = "no_sample_features"
	ReasonNoFeatures       = "no_features"
	ReasonNoNeighbors      = "no_neighbors"
	ReasonNoMatches        = "no_matches"
	ReasonNotComparable    = "not_comparable"
)

// Progress is reported once per candidate, in enumeration order.
type Progress struct {
	Current  int     `json:"current"`
	Total    int     `json:"total"`
	Filename string  `json:"filename"`
	Score    float64 `json:"score,omitempty"`
	Skipped  bool    `json:"skipped,omitempty"`
	Reason   string  `json:"reason,omitempty"`
}

// ProgressFunc observes scan progress. It is called from the goroutine
// running FindBestMatch and must not block.
type ProgressFunc func(Progress)

// ScoredResult is everything needed to report a candidate and draw its
// match overlay.
type ScoredResult struct {
	Filename           string              `json:"filename"`
	Path               string              `json:"path"`
	Score              float64             `json:"score"`
	Matches            []matcher.Match     `json:"matches"`
	SampleKeypoints    []features.Keypoint `json:"-"`
	CandidateKeypoints []features.Keypoint `json:"-"`
	Candidate          image.Image         `json:"-"`
}

// Result is the outcome of a scan. Best is nil when no candidate produced a
// comparable score.
type Result struct {
	Best         *ScoredResult `json:"best,omitempty"`
	Algorithm    string        `json:"algorithm"`
	Reproducible bool          `json:"reproducible"`
	Summary      Summary       `json:"summary"`
}

// Found reports whether a best match exists.
func (r *Result) Found() bool {
	return r != nil && r.Best != nil
}

// Options configures a Scanner.
type Options struct {
	Ratio           float64
	Lone            matcher.LonePolicy
	Workers         int  // 0 uses runtime.NumCPU()
	RecomputeSample bool // extract the sample again for every candidate
	Algorithm       string
	Store           featurestore.Store // optional
	Logger          *slog.Logger       // optional
}

// Scanner runs extraction, matching and scoring over a corpus.
type Scanner struct {
	extractor features.Extractor
	factory   matcher.Factory
	opts      Options
	store     featurestore.Store
	logger    *slog.Logger
}

// New creates a Scanner. The extractor must be safe for concurrent use.
func New(extractor features.Extractor, factory matcher.Factory, opts Options) *Scanner {
	if opts.Ratio <= 0 {
		opts.Ratio = constants.DefaultRatioThreshold
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	s := &Scanner{
		extractor: extractor,
		factory:   factory,
		opts:      opts,
		store:     opts.Store,
		logger:    opts.Logger,
	}
	if s.store == nil {
		s.store = featurestore.Nop{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Candidates lists the regular, non-hidden files in dir sorted by name.
func Candidates(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorpusUnavailable, err)
	}

	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if e.Type().IsRegular() {
			names = append(names, e.Name())
			continue
		}
		if e.Type()&os.ModeSymlink != 0 {
			info, err := os.Stat(filepath.Join(dir, e.Name()))
			if err == nil && info.Mode().IsRegular() {
				names = append(names, e.Name())
			}
		}
	}
	return names, nil
}

// Load reads an image file once, decodes it and extracts its features,
// consulting the feature store first.
func (s *Scanner) Load(ctx context.Context, path string) (image.Image, *features.Set, error) {
	data, img, err := readImage(path)
	if err != nil {
		return nil, nil, err
	}
	set, err := s.features(ctx, data, img)
	if err != nil {
		return nil, nil, err
	}
	return img, set, nil
}

func readImage(path string) ([]byte, image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read image: %w", err)
	}
	img, _, err := raster.Decode(data)
	if err != nil {
		return nil, nil, err
	}
	return data, img, nil
}

// features returns the cached set for data or extracts and caches it. Store
// errors are logged and treated as a miss.
func (s *Scanner) features(ctx context.Context, data []byte, img image.Image) (*features.Set, error) {
	key := featurestore.Key(data, s.extractor.Fingerprint())

	cached, err := s.store.Get(ctx, key)
	if err != nil {
		s.logger.Warn("feature cache read failed", "key", key, "error", err)
	}
	if cached != nil {
		return cached, nil
	}

	set, err := s.extractor.Extract(img)
	if err != nil {
		return nil, fmt.Errorf("failed to extract features: %w", err)
	}
	if err := s.store.Put(ctx, key, set); err != nil {
		s.logger.Warn("feature cache write failed", "key", key, "error", err)
	}
	return set, nil
}

// Comparison is the outcome of matching a sample set against a candidate
// set. Reason is empty when Score is valid.
type Comparison struct {
	Matches []matcher.Match
	Score   float64
	Reason  string
}

// Compare matches sample descriptors against candidate descriptors, applies
// the ratio test and scores the result.
func (s *Scanner) Compare(sample, candidate *features.Set) Comparison {
	switch {
	case sample.Empty():
		return Comparison{Reason: ReasonNoSampleFeatures}
	case candidate.Empty():
		return Comparison{Reason: ReasonNoFeatures}
	}

	lists := matcher.KnnMatch(sample.Descriptors, candidate.Descriptors, constants.KNeighbors, s.factory)
	if len(lists) == 0 {
		return Comparison{Reason: ReasonNoNeighbors}
	}

	matches := matcher.RatioFilter(lists, s.opts.Ratio, s.opts.Lone)
	if len(matches) == 0 {
		return Comparison{Reason: ReasonNoMatches}
	}

	score, ok := matcher.Score(len(matches), sample.Len(), candidate.Len())
	if !ok {
		return Comparison{Reason: ReasonNotComparable}
	}
	return Comparison{Matches: matches, Score: score}
}
