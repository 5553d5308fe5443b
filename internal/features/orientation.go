package features

import (
	"math"

	"github.com/kozaktomas/fingermatch/internal/raster"
)

const (
	oriHistBins  = 36
	oriSigmaFctr = 1.5
	oriRadius    = 3 * oriSigmaFctr
	oriPeakRatio = 0.8
)

// orient returns one candidate per dominant orientation of c.
func (s *SIFT) orient(img *raster.Plane, c candidate) []candidate {
	hist := orientationHist(img,
		int(math.Round(c.x)), int(math.Round(c.y)),
		int(math.Round(oriRadius*c.scale)),
		oriSigmaFctr*c.scale)

	maxVal := hist[0]
	for _, v := range hist[1:] {
		maxVal = max(maxVal, v)
	}
	threshold := maxVal * oriPeakRatio

	var out []candidate
	n := oriHistBins
	for j := range n {
		l := (j - 1 + n) % n
		r := (j + 1) % n
		if hist[j] <= hist[l] || hist[j] <= hist[r] || hist[j] < threshold {
			continue
		}

		bin := float64(j) + 0.5*(hist[l]-hist[r])/(hist[l]-2*hist[j]+hist[r])
		if bin < 0 {
			bin += float64(n)
		} else if bin >= float64(n) {
			bin -= float64(n)
		}
		angle := 360.0 / float64(n) * bin
		if math.Abs(angle-360) < 1e-6 {
			angle = 0
		}

		oc := c
		oc.kp.Angle = angle
		out = append(out, oc)
	}
	return out
}

// orientationHist builds a smoothed, Gaussian weighted histogram of gradient
// directions around (px, py).
func orientationHist(img *raster.Plane, px, py, radius int, sigma float64) [oriHistBins]float64 {
	var raw [oriHistBins]float64
	w, h := img.Width, img.Height
	expScale := -1 / (2 * sigma * sigma)

	for i := -radius; i <= radius; i++ {
		y := py + i
		if y <= 0 || y >= h-1 {
			continue
		}
		for j := -radius; j <= radius; j++ {
			x := px + j
			if x <= 0 || x >= w-1 {
				continue
			}
			dx := float64(img.Pix[y*w+x+1] - img.Pix[y*w+x-1])
			dy := float64(img.Pix[(y-1)*w+x] - img.Pix[(y+1)*w+x])

			weight := math.Exp(float64(i*i+j*j) * expScale)
			mag := math.Hypot(dx, dy)

			bin := int(math.Round(oriHistBins / 360.0 * gradientAngle(dx, dy)))
			if bin >= oriHistBins {
				bin -= oriHistBins
			}
			raw[bin] += weight * mag
		}
	}

	var hist [oriHistBins]float64
	n := oriHistBins
	for i := range n {
		hist[i] = (raw[(i-2+n)%n]+raw[(i+2)%n])*(1.0/16) +
			(raw[(i-1+n)%n]+raw[(i+1)%n])*(4.0/16) +
			raw[i]*(6.0/16)
	}
	return hist
}

// gradientAngle returns the direction of (dx, dy) in degrees, [0, 360).
func gradientAngle(dx, dy float64) float64 {
	a := math.Atan2(dy, dx) * 180 / math.Pi
	if a < 0 {
		a += 360
	}
	if a >= 360 {
		a -= 360
	}
	return a
}
