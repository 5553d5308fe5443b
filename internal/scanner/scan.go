package scanner

import (
	"context"
	"fmt"
	"image"
	"path/filepath"
	"sync"
	"time"

	"github.com/kozaktomas/fingermatch/internal/features"
	"github.com/kozaktomas/fingermatch/internal/matcher"
)

// outcome is the per-candidate result handed from a worker to the reducer.
type outcome struct {
	cmp       Comparison
	candidate *features.Set
	sample    *features.Set
	img       image.Image
	cancelled bool
}

// FindBestMatch scores every candidate in dir against sample and keeps the
// one with the strictly highest score. Candidates are enumerated by name;
// when scores tie the earlier file wins regardless of which worker finished
// first.
//
// A missing or unreadable dir fails with ErrCorpusUnavailable before
// progress is called. A corpus where nothing scores yields a Result with a
// nil Best and no error. When ctx is cancelled the best result so far is
// returned together with ctx.Err().
func (s *Scanner) FindBestMatch(ctx context.Context, sample image.Image, dir string, progress ProgressFunc) (*Result, error) {
	names, err := Candidates(dir)
	if err != nil {
		return nil, err
	}
	if sample == nil {
		return nil, fmt.Errorf("sample: %w", features.ErrNilImage)
	}

	sampleSet, err := s.extractor.Extract(sample)
	if err != nil {
		return nil, fmt.Errorf("failed to extract sample features: %w", err)
	}
	if progress == nil {
		progress = func(Progress) {}
	}

	start := time.Now()
	s.logger.Info("scan started",
		"corpus", dir,
		"candidates", len(names),
		"sample_keypoints", sampleSet.Len(),
		"algorithm", s.opts.Algorithm,
		"ratio", s.opts.Ratio,
		"lone", s.opts.Lone.String(),
		"workers", s.opts.Workers,
	)

	reproducible := matcher.Reproducible(s.opts.Algorithm)
	if !reproducible {
		s.logger.Warn("approximate index selected, repeated scans may pick a different winner",
			"algorithm", s.opts.Algorithm,
		)
	}

	results := s.dispatch(ctx, sample, sampleSet, dir, names)

	result := &Result{Algorithm: s.opts.Algorithm, Reproducible: reproducible}
	acc := newAccumulator(len(names))
	var scanErr error

	for i, name := range names {
		if ctx.Err() != nil {
			scanErr = ctx.Err()
			break
		}

		var out outcome
		select {
		case out = <-results.slots[i]:
		case <-ctx.Done():
			scanErr = ctx.Err()
		}
		if scanErr == nil && out.cancelled {
			scanErr = ctx.Err()
		}
		if scanErr != nil {
			break
		}
		results.release()

		p := Progress{Current: i + 1, Total: len(names), Filename: name}
		if out.cmp.Reason != "" {
			p.Skipped = true
			p.Reason = out.cmp.Reason
			acc.skip(out.cmp.Reason)
			s.logger.Debug("candidate skipped", "file", name, "reason", out.cmp.Reason)
		} else {
			p.Score = out.cmp.Score
			acc.score(out.cmp.Score)
			if result.Best == nil || out.cmp.Score > result.Best.Score {
				result.Best = &ScoredResult{
					Filename:           name,
					Path:               filepath.Join(dir, name),
					Score:              out.cmp.Score,
					Matches:            out.cmp.Matches,
					SampleKeypoints:    out.sample.Keypoints,
					CandidateKeypoints: out.candidate.Keypoints,
					Candidate:          out.img,
				}
			}
		}
		progress(p)
	}

	results.stop()
	result.Summary = acc.summary()

	attrs := []any{
		"processed", result.Summary.Processed,
		"skipped", result.Summary.Skipped,
		"duration", time.Since(start).Round(time.Millisecond),
	}
	if result.Found() {
		attrs = append(attrs, "best", result.Best.Filename, "score", result.Best.Score)
	}
	if scanErr != nil {
		s.logger.Warn("scan cancelled", attrs...)
		return result, scanErr
	}
	s.logger.Info("scan finished", attrs...)
	return result, nil
}

// pipeline runs candidates on a bounded worker pool. Every candidate has its
// own result slot so the reducer can consume them in enumeration order.
type pipeline struct {
	slots  []chan outcome
	window chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// release frees one slot of the look-ahead window after the reducer has
// consumed a result.
func (p *pipeline) release() {
	<-p.window
}

// stop cancels outstanding work and waits for every goroutine to exit.
func (p *pipeline) stop() {
	p.cancel()
	p.wg.Wait()
}

func (s *Scanner) dispatch(parent context.Context, sample image.Image, sampleSet *features.Set, dir string, names []string) *pipeline {
	ctx, cancel := context.WithCancel(parent)
	p := &pipeline{
		slots:  make([]chan outcome, len(names)),
		window: make(chan struct{}, 2*s.opts.Workers),
		cancel: cancel,
	}
	for i := range p.slots {
		p.slots[i] = make(chan outcome, 1)
	}
	semaphore := make(chan struct{}, s.opts.Workers)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for i, name := range names {
			select {
			case p.window <- struct{}{}:
			case <-ctx.Done():
				return
			}
			select {
			case semaphore <- struct{}{}:
			case <-ctx.Done():
				return
			}

			p.wg.Add(1)
			go func(idx int, path string) {
				defer p.wg.Done()
				defer func() { <-semaphore }()
				p.slots[idx] <- s.evaluate(ctx, sample, sampleSet, path)
			}(i, filepath.Join(dir, name))
		}
	}()
	return p
}

// evaluate scores one candidate. It never fails: problems become skip
// reasons.
func (s *Scanner) evaluate(ctx context.Context, sample image.Image, sampleSet *features.Set, path string) outcome {
	if ctx.Err() != nil {
		return outcome{cancelled: true}
	}

	if s.opts.RecomputeSample {
		set, err := s.extractor.Extract(sample)
		if err != nil {
			s.logger.Warn("sample extraction failed", "error", err)
			return outcome{cmp: Comparison{Reason: ReasonExtractFailed}}
		}
		sampleSet = set
	}
	if sampleSet.Empty() {
		return outcome{cmp: Comparison{Reason: ReasonNoSampleFeatures}}
	}

	data, img, err := readImage(path)
	if err != nil {
		s.logger.Warn("skipping unreadable candidate", "file", filepath.Base(path), "error", err)
		return outcome{cmp: Comparison{Reason: ReasonUnreadable}}
	}
	set, err := s.features(ctx, data, img)
	if err != nil {
		s.logger.Warn("skipping candidate", "file", filepath.Base(path), "error", err)
		return outcome{cmp: Comparison{Reason: ReasonExtractFailed}}
	}

	return outcome{
		cmp:       s.Compare(sampleSet, set),
		candidate: set,
		sample:    sampleSet,
		img:       img,
	}
}
