package scanner

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/kozaktomas/fingermatch/internal/features"
	"github.com/kozaktomas/fingermatch/internal/featurestore"
	"github.com/kozaktomas/fingermatch/internal/logging"
	"github.com/kozaktomas/fingermatch/internal/matcher"
)

// fakeExtractor returns a fixed set per image, selected by the gray value
// of the top-left pixel. Unknown values yield no features.
type fakeExtractor struct {
	sets  map[uint8]*features.Set
	calls atomic.Int32
}

func (f *fakeExtractor) Extract(img image.Image) (*features.Set, error) {
	if img == nil {
		return nil, features.ErrNilImage
	}
	f.calls.Add(1)
	b := img.Bounds()
	g := color.GrayModel.Convert(img.At(b.Min.X, b.Min.Y)).(color.Gray)
	if set, ok := f.sets[g.Y]; ok {
		return set, nil
	}
	return &features.Set{}, nil
}

func (f *fakeExtractor) Fingerprint() string { return "fake/1" }

func makeSet(descs ...features.Descriptor) *features.Set {
	set := &features.Set{Descriptors: descs}
	for i := range descs {
		set.Keypoints = append(set.Keypoints, features.Keypoint{X: float64(i), Y: float64(i), Size: 2})
	}
	return set
}

var (
	d1 = features.Descriptor{10, 0, 0, 0}
	d2 = features.Descriptor{0, 10, 0, 0}
	d3 = features.Descriptor{0, 0, 10, 0}

	far1 = features.Descriptor{50, 50, 50, 50}
	far2 = features.Descriptor{-50, 50, -50, 50}
	far3 = features.Descriptor{50, -50, 50, -50}
	far4 = features.Descriptor{-50, -50, -50, -50}
)

const (
	sampleTag   uint8 = 10
	twoOfThree  uint8 = 20 // matches d1 and d2, d3 is ambiguous
	twoOfThree2 uint8 = 21 // same descriptors as twoOfThree
	oneOfThree  uint8 = 30
	noMatch     uint8 = 40
	blankTag    uint8 = 0
)

func testSets() map[uint8]*features.Set {
	return map[uint8]*features.Set{
		sampleTag: makeSet(d1, d2, d3),
		twoOfThree: makeSet(d1, d2,
			features.Descriptor{0, 0, 10, 5},
			features.Descriptor{0, 0, 10, -5},
			far1),
		twoOfThree2: makeSet(d1, d2,
			features.Descriptor{0, 0, 10, 5},
			features.Descriptor{0, 0, 10, -5},
			far1),
		oneOfThree: makeSet(d1, far1, far2, far3, far4),
		noMatch:    makeSet(far1, far2, far3, far4),
	}
}

func tagImage(v uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, 4, 4))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

func writeTagImage(t *testing.T, dir, name string, v uint8) {
	t.Helper()
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	defer f.Close()
	if err := png.Encode(f, tagImage(v)); err != nil {
		t.Fatalf("encode %s: %v", name, err)
	}
}

func newTestScanner(t *testing.T, ex features.Extractor, opts Options) *Scanner {
	t.Helper()
	mo := matcher.DefaultOptions()
	mo.Algorithm = "exact"
	factory, err := matcher.NewFactory(mo)
	if err != nil {
		t.Fatalf("NewFactory failed: %v", err)
	}
	opts.Algorithm = mo.Algorithm
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return New(ex, factory, opts)
}

func TestFindBestMatch_MissingDirectory(t *testing.T) {
	s := newTestScanner(t, &fakeExtractor{sets: testSets()}, Options{})

	calls := 0
	result, err := s.FindBestMatch(context.Background(), tagImage(sampleTag),
		filepath.Join(t.TempDir(), "missing"), func(Progress) { calls++ })
	if !errors.Is(err, ErrCorpusUnavailable) {
		t.Fatalf("expected ErrCorpusUnavailable, got %v", err)
	}
	if result != nil {
		t.Errorf("expected nil result, got %+v", result)
	}
	if calls != 0 {
		t.Errorf("expected no progress calls, got %d", calls)
	}
}

func TestFindBestMatch_NotADirectory(t *testing.T) {
	dir := t.TempDir()
	writeTagImage(t, dir, "file.png", twoOfThree)
	s := newTestScanner(t, &fakeExtractor{sets: testSets()}, Options{})

	_, err := s.FindBestMatch(context.Background(), tagImage(sampleTag), filepath.Join(dir, "file.png"), nil)
	if !errors.Is(err, ErrCorpusUnavailable) {
		t.Fatalf("expected ErrCorpusUnavailable, got %v", err)
	}
}

func TestFindBestMatch_EmptyCorpus(t *testing.T) {
	s := newTestScanner(t, &fakeExtractor{sets: testSets()}, Options{})

	result, err := s.FindBestMatch(context.Background(), tagImage(sampleTag), t.TempDir(), nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.Found() {
		t.Errorf("expected no match, got %+v", result.Best)
	}
	if result.Summary.Total != 0 {
		t.Errorf("expected total 0, got %d", result.Summary.Total)
	}
}

func TestFindBestMatch_EndToEndScore(t *testing.T) {
	dir := t.TempDir()
	writeTagImage(t, dir, "candidate.png", twoOfThree)
	s := newTestScanner(t, &fakeExtractor{sets: testSets()}, Options{Ratio: 0.1})

	result, err := s.FindBestMatch(context.Background(), tagImage(sampleTag), dir, nil)
	if err != nil {
		t.Fatalf("FindBestMatch failed: %v", err)
	}
	if !result.Found() {
		t.Fatal("expected a match")
	}
	best := result.Best
	if best.Filename != "candidate.png" {
		t.Errorf("expected candidate.png, got %s", best.Filename)
	}
	if math.Abs(best.Score-66.67) > 0.01 {
		t.Errorf("expected score 66.67, got %f", best.Score)
	}
	if len(best.Matches) != 2 {
		t.Errorf("expected 2 matches, got %d", len(best.Matches))
	}
	if len(best.SampleKeypoints) != 3 || len(best.CandidateKeypoints) != 5 {
		t.Errorf("expected 3 and 5 keypoints, got %d and %d", len(best.SampleKeypoints), len(best.CandidateKeypoints))
	}
	if best.Candidate == nil {
		t.Error("expected candidate image to be retained")
	}
	if best.Path != filepath.Join(dir, "candidate.png") {
		t.Errorf("unexpected path %s", best.Path)
	}
	if result.Algorithm != "exact" {
		t.Errorf("expected algorithm exact, got %s", result.Algorithm)
	}
}

func TestFindBestMatch_ReportsReproducibility(t *testing.T) {
	tests := []struct {
		algorithm string
		want      bool
	}{
		{"exact", true},
		{"kdforest", true},
		{"hnsw", false},
	}
	for _, tc := range tests {
		t.Run(tc.algorithm, func(t *testing.T) {
			dir := t.TempDir()
			writeTagImage(t, dir, "candidate.png", twoOfThree)

			mo := matcher.DefaultOptions()
			mo.Algorithm = tc.algorithm
			factory, err := matcher.NewFactory(mo)
			if err != nil {
				t.Fatalf("NewFactory failed: %v", err)
			}
			s := New(&fakeExtractor{sets: testSets()}, factory, Options{
				Ratio:     0.1,
				Algorithm: tc.algorithm,
				Logger:    logging.Discard(),
			})

			result, err := s.FindBestMatch(context.Background(), tagImage(sampleTag), dir, nil)
			if err != nil {
				t.Fatalf("FindBestMatch failed: %v", err)
			}
			if result.Algorithm != tc.algorithm {
				t.Errorf("expected algorithm %s, got %s", tc.algorithm, result.Algorithm)
			}
			if result.Reproducible != tc.want {
				t.Errorf("expected reproducible %v, got %v", tc.want, result.Reproducible)
			}
		})
	}
}

func TestFindBestMatch_TieKeepsEarliest(t *testing.T) {
	for _, workers := range []int{1, 4} {
		t.Run("workers", func(t *testing.T) {
			dir := t.TempDir()
			writeTagImage(t, dir, "01.png", oneOfThree)
			writeTagImage(t, dir, "02.png", twoOfThree2)
			writeTagImage(t, dir, "03.png", twoOfThree)
			writeTagImage(t, dir, "04.png", oneOfThree)
			writeTagImage(t, dir, "05.png", twoOfThree2)

			s := newTestScanner(t, &fakeExtractor{sets: testSets()}, Options{Workers: workers})
			result, err := s.FindBestMatch(context.Background(), tagImage(sampleTag), dir, nil)
			if err != nil {
				t.Fatalf("FindBestMatch failed: %v", err)
			}
			if !result.Found() || result.Best.Filename != "02.png" {
				t.Errorf("workers=%d: expected 02.png, got %+v", workers, result.Best)
			}
		})
	}
}

func TestFindBestMatch_SkipConditions(t *testing.T) {
	dir := t.TempDir()
	writeTagImage(t, dir, "a_blank.png", blankTag)
	if err := os.WriteFile(filepath.Join(dir, "b_notes.txt"), []byte("not an image"), 0o644); err != nil {
		t.Fatal(err)
	}
	writeTagImage(t, dir, "c_good.png", oneOfThree)
	writeTagImage(t, dir, "d_nomatch.png", noMatch)
	writeTagImage(t, dir, ".hidden.png", twoOfThree)
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeTagImage(t, filepath.Join(dir, "sub"), "nested.png", twoOfThree)

	s := newTestScanner(t, &fakeExtractor{sets: testSets()}, Options{})

	var events []Progress
	result, err := s.FindBestMatch(context.Background(), tagImage(sampleTag), dir, func(p Progress) {
		events = append(events, p)
	})
	if err != nil {
		t.Fatalf("FindBestMatch failed: %v", err)
	}

	want := []struct {
		file   string
		reason string
	}{
		{"a_blank.png", ReasonNoFeatures},
		{"b_notes.txt", ReasonUnreadable},
		{"c_good.png", ""},
		{"d_nomatch.png", ReasonNoMatches},
	}
	if len(events) != len(want) {
		t.Fatalf("expected %d progress events, got %d", len(want), len(events))
	}
	for i, w := range want {
		e := events[i]
		if e.Filename != w.file || e.Reason != w.reason || e.Skipped != (w.reason != "") {
			t.Errorf("event %d: expected %s/%q, got %+v", i, w.file, w.reason, e)
		}
	}

	if !result.Found() || result.Best.Filename != "c_good.png" {
		t.Fatalf("expected c_good.png, got %+v", result.Best)
	}
	sum := result.Summary
	if sum.Total != 4 || sum.Processed != 4 || sum.Skipped != 3 || sum.Scored != 1 {
		t.Errorf("unexpected summary %+v", sum)
	}
	if sum.SkipReasons[ReasonUnreadable] != 1 || sum.SkipReasons[ReasonNoFeatures] != 1 {
		t.Errorf("unexpected skip reasons %v", sum.SkipReasons)
	}
}

func TestFindBestMatch_NoMatchIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	writeTagImage(t, dir, "a.png", noMatch)
	writeTagImage(t, dir, "b.png", blankTag)
	s := newTestScanner(t, &fakeExtractor{sets: testSets()}, Options{})

	result, err := s.FindBestMatch(context.Background(), tagImage(sampleTag), dir, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.Found() {
		t.Errorf("expected no match, got %+v", result.Best)
	}
}

func TestFindBestMatch_BlankSample(t *testing.T) {
	dir := t.TempDir()
	writeTagImage(t, dir, "a.png", twoOfThree)
	s := newTestScanner(t, &fakeExtractor{sets: testSets()}, Options{})

	var reasons []string
	result, err := s.FindBestMatch(context.Background(), tagImage(blankTag), dir, func(p Progress) {
		reasons = append(reasons, p.Reason)
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.Found() {
		t.Error("expected no match for a blank sample")
	}
	if len(reasons) != 1 || reasons[0] != ReasonNoSampleFeatures {
		t.Errorf("unexpected reasons %v", reasons)
	}
}

func TestFindBestMatch_RecomputeSampleIsEquivalent(t *testing.T) {
	dir := t.TempDir()
	writeTagImage(t, dir, "01.png", oneOfThree)
	writeTagImage(t, dir, "02.png", twoOfThree)
	writeTagImage(t, dir, "03.png", noMatch)

	run := func(recompute bool) (*Result, int32) {
		ex := &fakeExtractor{sets: testSets()}
		s := newTestScanner(t, ex, Options{RecomputeSample: recompute, Workers: 2})
		result, err := s.FindBestMatch(context.Background(), tagImage(sampleTag), dir, nil)
		if err != nil {
			t.Fatalf("FindBestMatch failed: %v", err)
		}
		return result, ex.calls.Load()
	}

	cached, cachedCalls := run(false)
	recomputed, recomputedCalls := run(true)

	if cached.Best.Filename != recomputed.Best.Filename {
		t.Errorf("winner differs: %s vs %s", cached.Best.Filename, recomputed.Best.Filename)
	}
	if math.Abs(cached.Best.Score-recomputed.Best.Score) > 1e-6 {
		t.Errorf("score differs: %f vs %f", cached.Best.Score, recomputed.Best.Score)
	}
	if cachedCalls != 4 {
		t.Errorf("expected sample extracted once plus 3 candidates, got %d calls", cachedCalls)
	}
	if recomputedCalls != 7 {
		t.Errorf("expected 1 + 2*3 extractions, got %d", recomputedCalls)
	}
}

func TestFindBestMatch_Cancellation(t *testing.T) {
	dir := t.TempDir()
	writeTagImage(t, dir, "01.png", oneOfThree)
	writeTagImage(t, dir, "02.png", twoOfThree)
	writeTagImage(t, dir, "03.png", twoOfThree)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newTestScanner(t, &fakeExtractor{sets: testSets()}, Options{Workers: 1})
	calls := 0
	result, err := s.FindBestMatch(ctx, tagImage(sampleTag), dir, func(Progress) {
		calls++
		cancel()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 progress call, got %d", calls)
	}
	if !result.Found() || result.Best.Filename != "01.png" {
		t.Errorf("expected best so far 01.png, got %+v", result.Best)
	}
	if result.Summary.Processed != 1 {
		t.Errorf("expected 1 processed, got %d", result.Summary.Processed)
	}
}

func TestFindBestMatch_ProgressIsOrdered(t *testing.T) {
	dir := t.TempDir()
	names := []string{"a.png", "b.png", "c.png", "d.png", "e.png", "f.png", "g.png", "h.png"}
	tags := []uint8{oneOfThree, noMatch, twoOfThree, blankTag}
	for i, n := range names {
		writeTagImage(t, dir, n, tags[i%len(tags)])
	}

	s := newTestScanner(t, &fakeExtractor{sets: testSets()}, Options{Workers: 4})
	var events []Progress
	if _, err := s.FindBestMatch(context.Background(), tagImage(sampleTag), dir, func(p Progress) {
		events = append(events, p)
	}); err != nil {
		t.Fatalf("FindBestMatch failed: %v", err)
	}

	if len(events) != len(names) {
		t.Fatalf("expected %d events, got %d", len(names), len(events))
	}
	for i, e := range events {
		if e.Current != i+1 || e.Total != len(names) || e.Filename != names[i] {
			t.Errorf("event %d: unexpected %+v", i, e)
		}
	}
}

func TestFindBestMatch_UsesFeatureStore(t *testing.T) {
	dir := t.TempDir()
	writeTagImage(t, dir, "01.png", oneOfThree)
	writeTagImage(t, dir, "02.png", twoOfThree)

	store := featurestore.NewMemory()
	ex := &fakeExtractor{sets: testSets()}
	s := newTestScanner(t, ex, Options{Store: store})

	first, err := s.FindBestMatch(context.Background(), tagImage(sampleTag), dir, nil)
	if err != nil {
		t.Fatalf("first scan failed: %v", err)
	}
	if store.Len() != 2 {
		t.Errorf("expected 2 cached sets, got %d", store.Len())
	}

	ex.calls.Store(0)
	second, err := s.FindBestMatch(context.Background(), tagImage(sampleTag), dir, nil)
	if err != nil {
		t.Fatalf("second scan failed: %v", err)
	}
	if got := ex.calls.Load(); got != 1 {
		t.Errorf("expected only the sample to be extracted, got %d calls", got)
	}
	if first.Best.Filename != second.Best.Filename || first.Best.Score != second.Best.Score {
		t.Errorf("cached scan differs: %+v vs %+v", first.Best, second.Best)
	}
}

func TestCompare(t *testing.T) {
	s := newTestScanner(t, &fakeExtractor{}, Options{})
	sets := testSets()

	tests := []struct {
		name      string
		sample    *features.Set
		candidate *features.Set
		reason    string
		matches   int
	}{
		{"two of three", sets[sampleTag], sets[twoOfThree], "", 2},
		{"empty sample", &features.Set{}, sets[twoOfThree], ReasonNoSampleFeatures, 0},
		{"nil candidate", sets[sampleTag], nil, ReasonNoFeatures, 0},
		{"ambiguous only", sets[sampleTag], sets[noMatch], ReasonNoMatches, 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := s.Compare(tc.sample, tc.candidate)
			if got.Reason != tc.reason {
				t.Errorf("expected reason %q, got %q", tc.reason, got.Reason)
			}
			if len(got.Matches) != tc.matches {
				t.Errorf("expected %d matches, got %d", tc.matches, len(got.Matches))
			}
		})
	}
}

func TestCompare_LonePolicy(t *testing.T) {
	sample := makeSet(d1)
	single := makeSet(features.Descriptor{11, 0, 0, 0})

	skip := newTestScanner(t, &fakeExtractor{}, Options{Lone: matcher.LoneSkip})
	if got := skip.Compare(sample, single); got.Reason != ReasonNoMatches {
		t.Errorf("expected lone neighbor to be skipped, got %+v", got)
	}

	accept := newTestScanner(t, &fakeExtractor{}, Options{Lone: matcher.LoneAccept})
	got := accept.Compare(sample, single)
	if got.Reason != "" || got.Score != 100 {
		t.Errorf("expected lone neighbor to be accepted with score 100, got %+v", got)
	}
}

func TestSummary(t *testing.T) {
	acc := newAccumulator(5)
	acc.score(50)
	acc.score(100)
	acc.skip(ReasonNoMatches)
	acc.skip(ReasonNoMatches)
	acc.skip(ReasonUnreadable)

	s := acc.summary()
	if s.Processed != 5 || s.Scored != 2 || s.Skipped != 3 {
		t.Errorf("unexpected counts %+v", s)
	}
	if s.Mean != 75 || s.Max != 100 {
		t.Errorf("unexpected mean/max %f/%f", s.Mean, s.Max)
	}
	if math.Abs(s.StdDev-35.3553) > 0.001 {
		t.Errorf("unexpected stddev %f", s.StdDev)
	}
	if s.SkipReasons[ReasonNoMatches] != 2 {
		t.Errorf("unexpected skip reasons %v", s.SkipReasons)
	}
}
