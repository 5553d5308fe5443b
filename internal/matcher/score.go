package matcher

import "github.com/kozaktomas/fingermatch/internal/constants"

// Score returns matched / min(sampleKeypoints, candidateKeypoints) * 100.
// The second result is false when the score is not comparable because one
// of the keypoint sets is empty.
func Score(matched, sampleKeypoints, candidateKeypoints int) (float64, bool) {
	denom := min(sampleKeypoints, candidateKeypoints)
	if denom <= 0 {
		return 0, false
	}
	return float64(matched) / float64(denom) * constants.MaxScore, true
}
