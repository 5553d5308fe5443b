//go:build !opencv

package features

import (
	"errors"
	"image"
)

// ErrOpenCVUnavailable is returned when the binary was built without the opencv tag.
var ErrOpenCVUnavailable = errors.New("opencv backend not compiled in, rebuild with -tags opencv")

// OpenCV is unavailable in this build.
type OpenCV struct{}

// NewOpenCV always fails without the opencv build tag.
func NewOpenCV(int) (*OpenCV, error) {
	return nil, ErrOpenCVUnavailable
}

// Fingerprint implements Extractor.
func (*OpenCV) Fingerprint() string { return "opencv-unavailable" }

// Extract implements Extractor.
func (*OpenCV) Extract(image.Image) (*Set, error) { return nil, ErrOpenCVUnavailable }

// Close is a no-op.
func (*OpenCV) Close() error { return nil }
