// Package features detects scale and rotation invariant keypoints and
// computes their descriptors.
package features

import (
	"errors"
	"image"
)

// ErrNilImage is returned when Extract is called without an image.
var ErrNilImage = errors.New("image is nil")

// Keypoint is a distinctive local image region.
type Keypoint struct {
	X        float64 `json:"x" cbor:"1,keyasint"`
	Y        float64 `json:"y" cbor:"2,keyasint"`
	Size     float64 `json:"size" cbor:"3,keyasint"`  // diameter of the described neighborhood
	Angle    float64 `json:"angle" cbor:"4,keyasint"` // dominant gradient direction in degrees, [0, 360)
	Response float64 `json:"response" cbor:"5,keyasint"`
	Octave   int     `json:"octave" cbor:"6,keyasint"`
}

// Descriptor characterizes the appearance around one keypoint.
type Descriptor []float32

// Set holds the keypoints of one image and their descriptors.
// Keypoints[i] is described by Descriptors[i].
type Set struct {
	Keypoints   []Keypoint   `json:"keypoints" cbor:"1,keyasint"`
	Descriptors []Descriptor `json:"descriptors" cbor:"2,keyasint"`
}

// Len returns the number of keypoints.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Keypoints)
}

// Empty reports whether the set has no descriptors.
func (s *Set) Empty() bool {
	return s == nil || len(s.Descriptors) == 0
}

// Extractor produces a feature set for an image. Implementations must be
// deterministic for a given image and parameter set.
type Extractor interface {
	Extract(img image.Image) (*Set, error)

	// Fingerprint identifies the algorithm and its parameters. Two extractors
	// with equal fingerprints produce identical sets.
	Fingerprint() string
}
