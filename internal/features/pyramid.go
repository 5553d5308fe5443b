package features

import (
	"math"

	"github.com/kozaktomas/fingermatch/internal/raster"
)

// octave holds the Gaussian images of one octave and their differences.
type octave struct {
	gauss []*raster.Plane // layers+3 images
	dog   []*raster.Plane // layers+2 images
}

// reflect101 mirrors i into [0, n) without repeating the edge sample.
func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*n - 2 - i
		}
	}
	return i
}

func gaussianKernel(sigma float64) []float32 {
	radius := max(int(math.Ceil(4*sigma)), 1)
	kernel := make([]float32, 2*radius+1)
	var sum float64
	for i := -radius; i <= radius; i++ {
		v := math.Exp(-float64(i*i) / (2 * sigma * sigma))
		kernel[i+radius] = float32(v)
		sum += v
	}
	for i := range kernel {
		kernel[i] = float32(float64(kernel[i]) / sum)
	}
	return kernel
}

// gaussianBlur applies a separable Gaussian filter.
func gaussianBlur(src *raster.Plane, sigma float64) *raster.Plane {
	w, h := src.Width, src.Height
	if sigma <= 0 {
		dst := raster.NewPlane(w, h)
		copy(dst.Pix, src.Pix)
		return dst
	}

	kernel := gaussianKernel(sigma)
	radius := len(kernel) / 2

	tmp := raster.NewPlane(w, h)
	for y := range h {
		row := src.Pix[y*w : (y+1)*w]
		for x := range w {
			var acc float32
			for k, kv := range kernel {
				acc += kv * row[reflect101(x+k-radius, w)]
			}
			tmp.Pix[y*w+x] = acc
		}
	}

	dst := raster.NewPlane(w, h)
	for y := range h {
		for x := range w {
			var acc float32
			for k, kv := range kernel {
				acc += kv * tmp.Pix[reflect101(y+k-radius, h)*w+x]
			}
			dst.Pix[y*w+x] = acc
		}
	}
	return dst
}

// upsample doubles the plane size with bilinear interpolation.
func upsample(src *raster.Plane) *raster.Plane {
	w, h := src.Width*2, src.Height*2
	dst := raster.NewPlane(w, h)
	for y := range h {
		fy := (float64(y)+0.5)/2 - 0.5
		y0 := int(math.Floor(fy))
		wy := float32(fy - float64(y0))
		for x := range w {
			fx := (float64(x)+0.5)/2 - 0.5
			x0 := int(math.Floor(fx))
			wx := float32(fx - float64(x0))

			top := src.At(x0, y0)*(1-wx) + src.At(x0+1, y0)*wx
			bottom := src.At(x0, y0+1)*(1-wx) + src.At(x0+1, y0+1)*wx
			dst.Pix[y*w+x] = top*(1-wy) + bottom*wy
		}
	}
	return dst
}

// downsample keeps every second sample in both directions.
func downsample(src *raster.Plane) *raster.Plane {
	w, h := src.Width/2, src.Height/2
	dst := raster.NewPlane(w, h)
	for y := range h {
		for x := range w {
			dst.Pix[y*w+x] = src.Pix[(2*y)*src.Width+2*x]
		}
	}
	return dst
}

func subtract(a, b *raster.Plane) *raster.Plane {
	dst := raster.NewPlane(a.Width, a.Height)
	for i := range dst.Pix {
		dst.Pix[i] = a.Pix[i] - b.Pix[i]
	}
	return dst
}

// baseImage prepares the first pyramid level, assuming the input already
// carries a blur of 0.5.
func (s *SIFT) baseImage(gray *raster.Plane) *raster.Plane {
	const inputSigma = 0.5
	if s.params.Upsample {
		sigDiff := math.Sqrt(math.Max(s.params.Sigma*s.params.Sigma-4*inputSigma*inputSigma, 0.01))
		return gaussianBlur(upsample(gray), sigDiff)
	}
	sigDiff := math.Sqrt(math.Max(s.params.Sigma*s.params.Sigma-inputSigma*inputSigma, 0.01))
	return gaussianBlur(gray, sigDiff)
}

// octaveCount returns how many octaves fit the base image.
func (s *SIFT) octaveCount(base *raster.Plane) int {
	n := s.params.Octaves
	if n <= 0 {
		n = int(math.Round(math.Log2(float64(min(base.Width, base.Height))))) - 2
	}
	// Stop before an octave gets too small to hold a single extremum.
	size := min(base.Width, base.Height)
	limit := 0
	for size >= 2*imageBorder+3 && limit < n {
		limit++
		size /= 2
	}
	return limit
}

// buildPyramid builds the Gaussian and difference-of-Gaussian scale space.
func (s *SIFT) buildPyramid(base *raster.Plane) []octave {
	layers := s.params.Layers
	nOctaves := s.octaveCount(base)

	// Incremental blur between consecutive layers of an octave.
	sig := make([]float64, layers+3)
	sig[0] = s.params.Sigma
	k := math.Pow(2, 1/float64(layers))
	for i := 1; i < layers+3; i++ {
		prev := math.Pow(k, float64(i-1)) * s.params.Sigma
		total := prev * k
		sig[i] = math.Sqrt(total*total - prev*prev)
	}

	octaves := make([]octave, nOctaves)
	for o := range nOctaves {
		gauss := make([]*raster.Plane, layers+3)
		for i := range gauss {
			switch {
			case o == 0 && i == 0:
				gauss[i] = base
			case i == 0:
				gauss[i] = downsample(octaves[o-1].gauss[layers])
			default:
				gauss[i] = gaussianBlur(gauss[i-1], sig[i])
			}
		}

		dog := make([]*raster.Plane, layers+2)
		for i := range dog {
			dog[i] = subtract(gauss[i+1], gauss[i])
		}
		octaves[o] = octave{gauss: gauss, dog: dog}
	}
	return octaves
}
