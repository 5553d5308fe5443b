package features

import (
	"fmt"
	"image"
	"math"
	"sort"

	"github.com/kozaktomas/fingermatch/internal/constants"
	"github.com/kozaktomas/fingermatch/internal/raster"
)

// Params controls the SIFT detector.
type Params struct {
	Octaves           int     // 0 derives the count from the image size
	Layers            int     // scale layers per octave
	ContrastThreshold float64 // rejects low-contrast extrema
	EdgeThreshold     float64 // rejects edge-like extrema
	Sigma             float64 // blur of the first level
	Upsample          bool    // double the input before building the pyramid
	MaxFeatures       int     // keep only the strongest keypoints, 0 keeps all
	MaxDimension      int     // scale larger inputs down first, 0 disables
}

// DefaultParams returns the classic SIFT parameters.
func DefaultParams() Params {
	return Params{
		Layers:            constants.DefaultLayers,
		ContrastThreshold: constants.DefaultContrastThreshold,
		EdgeThreshold:     constants.DefaultEdgeThreshold,
		Sigma:             constants.DefaultSigma,
		Upsample:          true,
		MaxDimension:      constants.MaxImageSize,
	}
}

// SIFT is a pure Go scale-invariant feature transform.
type SIFT struct {
	params Params
}

// NewSIFT returns a SIFT extractor. Zero-valued parameters fall back to
// DefaultParams, except Octaves, MaxFeatures and MaxDimension where zero is
// meaningful.
func NewSIFT(p Params) *SIFT {
	d := DefaultParams()
	if p.Layers <= 0 {
		p.Layers = d.Layers
	}
	if p.ContrastThreshold <= 0 {
		p.ContrastThreshold = d.ContrastThreshold
	}
	if p.EdgeThreshold <= 0 {
		p.EdgeThreshold = d.EdgeThreshold
	}
	if p.Sigma <= 0 {
		p.Sigma = d.Sigma
	}
	return &SIFT{params: p}
}

// Params returns the effective parameters.
func (s *SIFT) Params() Params {
	return s.params
}

// Fingerprint implements Extractor.
func (s *SIFT) Fingerprint() string {
	p := s.params
	return fmt.Sprintf("sift/1 o=%d l=%d c=%g e=%g s=%g u=%t n=%d m=%d",
		p.Octaves, p.Layers, p.ContrastThreshold, p.EdgeThreshold, p.Sigma, p.Upsample, p.MaxFeatures, p.MaxDimension)
}

// Extract implements Extractor. An image without distinctive regions yields
// an empty set and no error.
func (s *SIFT) Extract(img image.Image) (*Set, error) {
	if img == nil {
		return nil, ErrNilImage
	}

	origW := img.Bounds().Dx()
	fitted := raster.Fit(img, s.params.MaxDimension)
	rescale := 1.0
	if fw := fitted.Bounds().Dx(); fw != origW && fw > 0 {
		rescale = float64(origW) / float64(fw)
	}

	base := s.baseImage(raster.Gray(fitted))
	octaves := s.buildPyramid(base)

	candidates := s.findExtrema(octaves)
	if s.params.MaxFeatures > 0 && len(candidates) > s.params.MaxFeatures {
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].kp.Response > candidates[j].kp.Response
		})
		candidates = candidates[:s.params.MaxFeatures]
	}

	set := &Set{
		Keypoints:   make([]Keypoint, 0, len(candidates)),
		Descriptors: make([]Descriptor, 0, len(candidates)),
	}
	for i := range candidates {
		c := &candidates[i]
		desc := s.describe(octaves[c.octave].gauss[c.layer], c)

		kp := c.kp
		if rescale != 1 {
			kp.X *= rescale
			kp.Y *= rescale
			kp.Size *= rescale
		}
		set.Keypoints = append(set.Keypoints, kp)
		set.Descriptors = append(set.Descriptors, desc)
	}
	return set, nil
}

// imageScale maps octave coordinates back onto the input image.
func (s *SIFT) imageScale(o int) float64 {
	scale := math.Ldexp(1, o)
	if s.params.Upsample {
		scale *= 0.5
	}
	return scale
}
