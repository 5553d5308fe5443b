//go:build opencv

package features

import (
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"

	"github.com/kozaktomas/fingermatch/internal/raster"
)

// OpenCV extracts features with the OpenCV SIFT implementation.
type OpenCV struct {
	maxDimension int
	mu           sync.Mutex
	sift         gocv.SIFT
}

// NewOpenCV returns an extractor backed by OpenCV. Close releases the native detector.
func NewOpenCV(maxDimension int) (*OpenCV, error) {
	return &OpenCV{maxDimension: maxDimension, sift: gocv.NewSIFT()}, nil
}

// Fingerprint implements Extractor.
func (o *OpenCV) Fingerprint() string {
	return fmt.Sprintf("opencv-sift/%s m=%d", gocv.OpenCVVersion(), o.maxDimension)
}

// Extract implements Extractor.
func (o *OpenCV) Extract(img image.Image) (*Set, error) {
	if img == nil {
		return nil, ErrNilImage
	}

	origW := img.Bounds().Dx()
	fitted := raster.Fit(img, o.maxDimension)
	rescale := 1.0
	if fw := fitted.Bounds().Dx(); fw != origW && fw > 0 {
		rescale = float64(origW) / float64(fw)
	}

	gray := raster.Gray(fitted)
	pix := make([]byte, len(gray.Pix))
	for i, v := range gray.Pix {
		pix[i] = byte(v*255 + 0.5)
	}

	mat, err := gocv.NewMatFromBytes(gray.Height, gray.Width, gocv.MatTypeCV8UC1, pix)
	if err != nil {
		return nil, fmt.Errorf("converting image to Mat: %w", err)
	}
	defer mat.Close()

	mask := gocv.NewMat()
	defer mask.Close()

	// The native detector is not safe for concurrent use.
	o.mu.Lock()
	kps, desc := o.sift.DetectAndCompute(mat, mask)
	o.mu.Unlock()
	defer desc.Close()

	set := &Set{
		Keypoints:   make([]Keypoint, 0, len(kps)),
		Descriptors: make([]Descriptor, 0, len(kps)),
	}
	if desc.Empty() {
		return set, nil
	}
	for i, kp := range kps {
		set.Keypoints = append(set.Keypoints, Keypoint{
			X:        kp.X * rescale,
			Y:        kp.Y * rescale,
			Size:     kp.Size * rescale,
			Angle:    kp.Angle,
			Response: kp.Response,
			Octave:   kp.Octave,
		})
		d := make(Descriptor, desc.Cols())
		for j := range d {
			d[j] = desc.GetFloatAt(i, j)
		}
		set.Descriptors = append(set.Descriptors, d)
	}
	return set, nil
}

// Close releases the native detector.
func (o *OpenCV) Close() error {
	return o.sift.Close()
}
