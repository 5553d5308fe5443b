// Package render draws the sample and a candidate side by side with a line
// between every matched keypoint pair.
package render

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"

	"golang.org/x/image/draw"

	"github.com/kozaktomas/fingermatch/internal/features"
	"github.com/kozaktomas/fingermatch/internal/matcher"
)

// Options configures the overlay.
type Options struct {
	Gap        int // background columns between the two images
	Radius     int // keypoint circle radius, 0 uses the keypoint size
	Thickness  int
	Background color.RGBA
}

// DefaultOptions places the images edge to edge on white.
func DefaultOptions() Options {
	return Options{
		Radius:     3,
		Thickness:  1,
		Background: color.RGBA{R: 255, G: 255, B: 255, A: 255},
	}
}

// Matches draws the overlay with DefaultOptions.
func Matches(sample image.Image, sampleKP []features.Keypoint, candidate image.Image, candidateKP []features.Keypoint, matches []matcher.Match) *image.RGBA {
	return MatchesWithOptions(sample, sampleKP, candidate, candidateKP, matches, DefaultOptions())
}

// MatchesWithOptions composes sample (left) and candidate (right), top
// aligned, and connects each match. Matches referring to keypoints that do
// not exist are ignored.
func MatchesWithOptions(sample image.Image, sampleKP []features.Keypoint, candidate image.Image, candidateKP []features.Keypoint, matches []matcher.Match, opts Options) *image.RGBA {
	sb, cb := sample.Bounds(), candidate.Bounds()
	offset := sb.Dx() + max(opts.Gap, 0)
	width := offset + cb.Dx()
	height := max(sb.Dy(), cb.Dy())

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(opts.Background), image.Point{}, draw.Src)
	draw.Draw(dst, image.Rect(0, 0, sb.Dx(), sb.Dy()), sample, sb.Min, draw.Src)
	draw.Draw(dst, image.Rect(offset, 0, offset+cb.Dx(), cb.Dy()), candidate, cb.Min, draw.Src)

	thickness := max(opts.Thickness, 1)
	for i, m := range matches {
		if m.QueryIndex < 0 || m.QueryIndex >= len(sampleKP) || m.TrainIndex < 0 || m.TrainIndex >= len(candidateKP) {
			continue
		}
		c := Color(i)
		a, b := sampleKP[m.QueryIndex], candidateKP[m.TrainIndex]
		x1, y1 := a.X, a.Y
		x2, y2 := b.X+float64(offset), b.Y

		drawCircle(dst, round(x1), round(y1), radius(a, opts.Radius), c)
		drawCircle(dst, round(x2), round(y2), radius(b, opts.Radius), c)
		drawThickLine(dst, x1, y1, x2, y2, thickness, c)
	}
	return dst
}

// Color returns the palette entry for match i. Hues are spread by the
// golden angle so neighbouring matches stay distinguishable.
func Color(i int) color.RGBA {
	h := math.Mod(float64(i)*137.508, 360)
	return hsv(h, 0.85, 0.95)
}

func hsv(h, s, v float64) color.RGBA {
	c := v * s
	x := c * (1 - math.Abs(math.Mod(h/60, 2)-1))
	m := v - c

	var r, g, b float64
	switch {
	case h < 60:
		r, g, b = c, x, 0
	case h < 120:
		r, g, b = x, c, 0
	case h < 180:
		r, g, b = 0, c, x
	case h < 240:
		r, g, b = 0, x, c
	case h < 300:
		r, g, b = x, 0, c
	default:
		r, g, b = c, 0, x
	}
	return color.RGBA{
		R: uint8(math.Round((r + m) * 255)),
		G: uint8(math.Round((g + m) * 255)),
		B: uint8(math.Round((b + m) * 255)),
		A: 255,
	}
}

func radius(kp features.Keypoint, fixed int) int {
	if fixed > 0 {
		return fixed
	}
	return max(round(kp.Size/2), 1)
}

func round(v float64) int {
	return int(math.Round(v))
}

// Scale resizes img by factor for display. A factor of 1 or less than or
// equal to zero returns a copy.
func Scale(img image.Image, factor float64) *image.RGBA {
	b := img.Bounds()
	if factor <= 0 || factor == 1 {
		dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
		return dst
	}

	w := max(round(float64(b.Dx())*factor), 1)
	h := max(round(float64(b.Dy())*factor), 1)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// WritePNG encodes img as PNG.
func WritePNG(w io.Writer, img image.Image) error {
	if err := png.Encode(w, img); err != nil {
		return fmt.Errorf("failed to encode overlay: %w", err)
	}
	return nil
}

// SavePNG writes img to path as PNG.
func SavePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create overlay file: %w", err)
	}
	if err := WritePNG(f, img); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close overlay file: %w", err)
	}
	return nil
}
