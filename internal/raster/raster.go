// Package raster loads reference and sample images and converts them into
// the float luminance planes the feature extractor works on.
package raster

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/nfnt/resize"
	_ "github.com/spakin/netpbm"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

// ErrUnsupportedFormat is returned for data no registered decoder recognizes.
var ErrUnsupportedFormat = errors.New("unsupported image format")

// Plane is a single-channel image with samples in [0, 1], stored row-major.
type Plane struct {
	Width  int
	Height int
	Pix    []float32
}

// NewPlane allocates a zeroed plane.
func NewPlane(width, height int) *Plane {
	return &Plane{
		Width:  width,
		Height: height,
		Pix:    make([]float32, width*height),
	}
}

// At returns the sample at (x, y). Coordinates outside the plane are clamped
// to the nearest edge.
func (p *Plane) At(x, y int) float32 {
	x = min(max(x, 0), p.Width-1)
	y = min(max(y, 0), p.Height-1)
	return p.Pix[y*p.Width+x]
}

// Set stores v at (x, y).
func (p *Plane) Set(x, y int, v float32) {
	p.Pix[y*p.Width+x] = v
}

// Decode decodes an image from memory and returns it with its format name.
func Decode(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if errors.Is(err, image.ErrFormat) {
		return nil, "", ErrUnsupportedFormat
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}
	return img, format, nil
}

// Load reads and decodes the image file at path.
func Load(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading image %s: %w", path, err)
	}
	img, _, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// Gray converts img to a luminance plane using the ITU-R BT.601 luma formula.
func Gray(img image.Image) *Plane {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	p := NewPlane(width, height)

	switch src := img.(type) {
	case *image.Gray:
		for y := range height {
			row := src.Pix[y*src.Stride : y*src.Stride+width]
			for x, v := range row {
				p.Pix[y*width+x] = float32(v) / 255
			}
		}
	default:
		for y := range height {
			for x := range width {
				r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
				luma := 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
				p.Pix[y*width+x] = float32(luma / 0xffff)
			}
		}
	}
	return p
}

// Fit scales img down so that neither side exceeds maxDim, keeping the
// aspect ratio. Smaller images and maxDim <= 0 return img unchanged.
func Fit(img image.Image, maxDim int) image.Image {
	if maxDim <= 0 {
		return img
	}
	b := img.Bounds()
	if b.Dx() <= maxDim && b.Dy() <= maxDim {
		return img
	}
	return resize.Thumbnail(uint(maxDim), uint(maxDim), img, resize.Bilinear)
}
