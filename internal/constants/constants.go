// Package constants provides shared constants used across the codebase.
// Centralizing these values ensures consistency and makes them easier to modify.
package constants

// Matching constants
const (
	// DefaultRatioThreshold is the ratio-test threshold. A first neighbor is
	// accepted only when its distance is below ratio * second-neighbor distance.
	// 0.1 is far stricter than the usual 0.7-0.8 and is kept as the default
	// scoring strictness; override it through configuration.
	DefaultRatioThreshold = 0.1

	// KNeighbors is the number of nearest neighbors requested per query descriptor
	KNeighbors = 2

	// MaxScore is the score of a candidate where every keypoint of the
	// smaller set found a confident match
	MaxScore = 100.0
)

// Descriptor index constants
const (
	// IndexKDForest selects the randomized k-d forest
	IndexKDForest = "kdforest"
	// IndexHNSW selects the HNSW graph
	IndexHNSW = "hnsw"
	// IndexExact selects the brute-force exact scan
	IndexExact = "exact"

	// DefaultKDTrees is the number of randomized trees in the forest
	DefaultKDTrees = 10

	// DefaultKDChecks is the number of leaf points examined per query
	DefaultKDChecks = 32

	// KDSplitCandidates is how many of the highest-variance dimensions a
	// split picks from at random
	KDSplitCandidates = 5

	// KDVarianceSample is the number of points used to estimate the split dimension
	KDVarianceSample = 100

	// DefaultIndexSeed seeds every randomized index so scans are reproducible
	DefaultIndexSeed = 42

	// HNSWMaxNeighbors is the M parameter of the HNSW graph
	HNSWMaxNeighbors = 16

	// HNSWEfSearch is the size of the dynamic candidate list during search
	HNSWEfSearch = 64
)

// SIFT constants
const (
	// DescriptorSize is the length of a SIFT descriptor (4x4 cells, 8 bins)
	DescriptorSize = 128

	// DefaultLayers is the number of scale layers per octave
	DefaultLayers = 3

	// DefaultContrastThreshold filters weak extrema
	DefaultContrastThreshold = 0.04

	// DefaultEdgeThreshold filters edge-like extrema
	DefaultEdgeThreshold = 10.0

	// DefaultSigma is the blur of the first pyramid level
	DefaultSigma = 1.6
)

// Processing constants
const (
	// MaxImageSize is the default maximum dimension (width or height) fed to the extractor
	MaxImageSize = 1024
)
