// Package identify wires configuration into the extraction, matching and
// scanning pipeline and turns scan results into caller-facing outcomes.
package identify

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"

	"github.com/kozaktomas/fingermatch/internal/config"
	"github.com/kozaktomas/fingermatch/internal/features"
	"github.com/kozaktomas/fingermatch/internal/featurestore"
	"github.com/kozaktomas/fingermatch/internal/matcher"
	"github.com/kozaktomas/fingermatch/internal/raster"
	"github.com/kozaktomas/fingermatch/internal/render"
	"github.com/kozaktomas/fingermatch/internal/scanner"
)

// Outcome is the result record handed to the CLI and the web API.
type Outcome struct {
	Found              bool            `json:"found"`
	Filename           string          `json:"filename,omitempty"`
	Path               string          `json:"path,omitempty"`
	Score              float64         `json:"score,omitempty"`
	Matches            int             `json:"matches"`
	SampleKeypoints    int             `json:"sample_keypoints"`
	CandidateKeypoints int             `json:"candidate_keypoints"`
	Algorithm          string          `json:"algorithm"`
	Reproducible       bool            `json:"reproducible"`
	Reason             string          `json:"reason,omitempty"`
	Summary            scanner.Summary `json:"summary"`
	Overlay            image.Image     `json:"-"`
}

// Identifier owns the extractor, the feature store and the scanner built
// from one configuration.
type Identifier struct {
	cfg       *config.Config
	extractor features.Extractor
	store     featurestore.Store
	scanner   *scanner.Scanner
	logger    *slog.Logger
	ownsStore bool
}

// New builds an Identifier with the feature store selected by cfg.Cache.
// Close releases the feature store and the extractor.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Identifier, error) {
	store, err := featurestore.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open feature store: %w", err)
	}

	id, err := NewWithStore(cfg, store, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	id.ownsStore = true
	return id, nil
}

// NewWithStore builds an Identifier on top of a store owned by the caller.
// Close leaves the store open.
func NewWithStore(cfg *config.Config, store featurestore.Store, logger *slog.Logger) (*Identifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		store = featurestore.Nop{}
	}

	extractor, err := NewExtractor(cfg.Extractor)
	if err != nil {
		return nil, err
	}

	factory, err := matcher.NewFactory(MatcherOptions(cfg.Matcher))
	if err != nil {
		closeExtractor(extractor)
		return nil, err
	}

	sc := scanner.New(extractor, factory, scanner.Options{
		Ratio:           cfg.Matcher.Ratio,
		Lone:            LonePolicy(cfg.Matcher),
		Workers:         cfg.Scan.Workers,
		RecomputeSample: cfg.Scan.RecomputeSample,
		Algorithm:       cfg.Matcher.Index,
		Store:           store,
		Logger:          logger,
	})

	logger.Debug("identifier ready",
		"extractor", extractor.Fingerprint(),
		"index", cfg.Matcher.Index,
		"cache", cfg.Cache.Backend,
	)

	return &Identifier{
		cfg:       cfg,
		extractor: extractor,
		store:     store,
		scanner:   sc,
		logger:    logger,
	}, nil
}

// NewExtractor returns the extractor selected by cfg.Backend.
func NewExtractor(cfg config.ExtractorConfig) (features.Extractor, error) {
	switch cfg.Backend {
	case "sift", "":
		return features.NewSIFT(features.Params{
			Octaves:           cfg.Octaves,
			Layers:            cfg.Layers,
			ContrastThreshold: cfg.ContrastThreshold,
			EdgeThreshold:     cfg.EdgeThreshold,
			Sigma:             cfg.Sigma,
			Upsample:          !cfg.DisableUpsample,
			MaxFeatures:       cfg.MaxFeatures,
			MaxDimension:      cfg.MaxDimension,
		}), nil
	case "opencv":
		ex, err := features.NewOpenCV(cfg.MaxDimension)
		if err != nil {
			return nil, fmt.Errorf("failed to create opencv extractor: %w", err)
		}
		return ex, nil
	default:
		return nil, fmt.Errorf("unknown extractor backend %q", cfg.Backend)
	}
}

// MatcherOptions converts matcher configuration into index options.
func MatcherOptions(cfg config.MatcherConfig) matcher.Options {
	return matcher.Options{
		Algorithm:    cfg.Index,
		Trees:        cfg.Trees,
		Checks:       cfg.Checks,
		Seed:         cfg.Seed,
		HNSWM:        cfg.HNSWM,
		HNSWEfSearch: cfg.HNSWEfSearch,
	}
}

// LonePolicy maps the accept_lone_neighbor switch to a matcher policy.
func LonePolicy(cfg config.MatcherConfig) matcher.LonePolicy {
	if cfg.AcceptLoneNeighbor {
		return matcher.LoneAccept
	}
	return matcher.LoneSkip
}

// Config returns the configuration the Identifier was built from.
func (id *Identifier) Config() *config.Config {
	return id.cfg
}

// Extractor returns the configured extractor.
func (id *Identifier) Extractor() features.Extractor {
	return id.extractor
}

// Identify finds the best match for the image at samplePath in corpusDir.
// A missing corpus fails with scanner.ErrCorpusUnavailable before the sample
// is read. On cancellation the partial outcome is returned with the context
// error.
func (id *Identifier) Identify(ctx context.Context, samplePath, corpusDir string, progress scanner.ProgressFunc) (*Outcome, error) {
	sample, err := id.prepare(samplePath, corpusDir)
	if err != nil {
		return nil, err
	}
	return id.IdentifyImage(ctx, sample, corpusDir, progress)
}

// IdentifyImage is Identify for an already decoded sample.
func (id *Identifier) IdentifyImage(ctx context.Context, sample image.Image, corpusDir string, progress scanner.ProgressFunc) (*Outcome, error) {
	result, err := id.scanner.FindBestMatch(ctx, sample, corpusDir, progress)
	if result == nil {
		return nil, err
	}
	return outcome(sample, result), err
}

func (id *Identifier) prepare(samplePath, corpusDir string) (image.Image, error) {
	info, err := os.Stat(corpusDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", scanner.ErrCorpusUnavailable, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", scanner.ErrCorpusUnavailable, corpusDir)
	}

	sample, err := raster.Load(samplePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load sample: %w", err)
	}
	return sample, nil
}

func outcome(sample image.Image, result *scanner.Result) *Outcome {
	out := &Outcome{
		Algorithm:    result.Algorithm,
		Reproducible: result.Reproducible,
		Summary:      result.Summary,
	}
	if !result.Found() {
		return out
	}

	best := result.Best
	out.Found = true
	out.Filename = best.Filename
	out.Path = best.Path
	out.Score = best.Score
	out.Matches = len(best.Matches)
	out.SampleKeypoints = len(best.SampleKeypoints)
	out.CandidateKeypoints = len(best.CandidateKeypoints)
	out.Overlay = render.Matches(sample, best.SampleKeypoints, best.Candidate, best.CandidateKeypoints, best.Matches)
	return out
}

// Compare scores the image at pathB against the sample at pathA without
// scanning a corpus. Found is false, with a Reason, when the pair is not
// comparable.
func (id *Identifier) Compare(ctx context.Context, pathA, pathB string) (*Outcome, error) {
	imgA, setA, err := id.scanner.Load(ctx, pathA)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", pathA, err)
	}
	imgB, setB, err := id.scanner.Load(ctx, pathB)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", pathB, err)
	}

	cmp := id.scanner.Compare(setA, setB)
	out := &Outcome{
		Filename:           pathB,
		Path:               pathB,
		Matches:            len(cmp.Matches),
		SampleKeypoints:    setA.Len(),
		CandidateKeypoints: setB.Len(),
		Algorithm:          id.cfg.Matcher.Index,
		Reproducible:       matcher.Reproducible(id.cfg.Matcher.Index),
		Reason:             cmp.Reason,
	}
	if cmp.Reason == "" {
		out.Found = true
		out.Score = cmp.Score
		out.Overlay = render.Matches(imgA, setA.Keypoints, imgB, setB.Keypoints, cmp.Matches)
	}
	return out, nil
}

// Extract returns the feature set of the image at path, using the cache.
func (id *Identifier) Extract(ctx context.Context, path string) (*features.Set, error) {
	_, set, err := id.scanner.Load(ctx, path)
	if err != nil {
		return nil, err
	}
	return set, nil
}

// ClearCache empties the feature store.
func (id *Identifier) ClearCache(ctx context.Context) error {
	if err := id.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear feature cache: %w", err)
	}
	return nil
}

// Close releases the extractor and, when the Identifier opened it, the
// feature store.
func (id *Identifier) Close() error {
	var errs []error
	if id.ownsStore {
		if err := id.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := closeExtractor(id.extractor); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func closeExtractor(ex features.Extractor) error {
	if c, ok := ex.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
