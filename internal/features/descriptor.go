package features

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/kozaktomas/fingermatch/internal/raster"
)

const (
	descrWidth    = 4   // spatial cells per side
	descrHistBins = 8   // orientation bins per cell
	descrSclFctr  = 3.0 // cell width in units of keypoint scale
	descrMagThr   = 0.2
	descrIntFctr  = 512.0
)

// describe computes the 128 element descriptor of c on the Gaussian image
// it was detected in.
func (s *SIFT) describe(img *raster.Plane, c *candidate) Descriptor {
	const (
		d = descrWidth
		n = descrHistBins
	)
	w, h := img.Width, img.Height
	px, py := int(math.Round(c.x)), int(math.Round(c.y))

	ori := c.kp.Angle
	cosT := math.Cos(ori * math.Pi / 180)
	sinT := math.Sin(ori * math.Pi / 180)
	binsPerDeg := float64(n) / 360
	expScale := -1 / (d * d * 0.5)

	histWidth := descrSclFctr * c.scale
	radius := int(math.Round(histWidth * math.Sqrt2 * (d + 1) * 0.5))
	radius = min(radius, int(math.Sqrt(float64(w*w+h*h))))
	cosT /= histWidth
	sinT /= histWidth

	hist := make([]float64, (d+2)*(d+2)*(n+2))

	for i := -radius; i <= radius; i++ {
		for j := -radius; j <= radius; j++ {
			cRot := float64(j)*cosT - float64(i)*sinT
			rRot := float64(j)*sinT + float64(i)*cosT
			rbin := rRot + d/2 - 0.5
			cbin := cRot + d/2 - 0.5
			r := py + i
			col := px + j

			if rbin <= -1 || rbin >= d || cbin <= -1 || cbin >= d ||
				r <= 0 || r >= h-1 || col <= 0 || col >= w-1 {
				continue
			}

			dx := float64(img.Pix[r*w+col+1] - img.Pix[r*w+col-1])
			dy := float64(img.Pix[(r-1)*w+col] - img.Pix[(r+1)*w+col])
			weight := math.Exp((cRot*cRot + rRot*rRot) * expScale)
			mag := math.Hypot(dx, dy) * weight
			obin := (gradientAngle(dx, dy) - ori) * binsPerDeg

			accumulate(hist, rbin, cbin, obin, mag)
		}
	}

	// Fold the wrap-around orientation bins and flatten.
	raw := make([]float64, d*d*n)
	for i := range d {
		for j := range d {
			idx := ((i+1)*(d+2) + (j + 1)) * (n + 2)
			hist[idx] += hist[idx+n]
			hist[idx+1] += hist[idx+n+1]
			copy(raw[(i*d+j)*n:(i*d+j+1)*n], hist[idx:idx+n])
		}
	}

	return finalizeDescriptor(raw)
}

// accumulate distributes v over the 8 histogram cells surrounding
// (rbin, cbin, obin) with trilinear weights.
func accumulate(hist []float64, rbin, cbin, obin, v float64) {
	const (
		d = descrWidth
		n = descrHistBins
	)
	r0 := int(math.Floor(rbin))
	c0 := int(math.Floor(cbin))
	o0 := int(math.Floor(obin))
	rbin -= float64(r0)
	cbin -= float64(c0)
	obin -= float64(o0)

	if o0 < 0 {
		o0 += n
	}
	if o0 >= n {
		o0 -= n
	}

	vR1 := v * rbin
	vR0 := v - vR1
	vRC11 := vR1 * cbin
	vRC10 := vR1 - vRC11
	vRC01 := vR0 * cbin
	vRC00 := vR0 - vRC01
	vRCO111 := vRC11 * obin
	vRCO110 := vRC11 - vRCO111
	vRCO101 := vRC10 * obin
	vRCO100 := vRC10 - vRCO101
	vRCO011 := vRC01 * obin
	vRCO010 := vRC01 - vRCO011
	vRCO001 := vRC00 * obin
	vRCO000 := vRC00 - vRCO001

	idx := ((r0+1)*(d+2)+c0+1)*(n+2) + o0
	hist[idx] += vRCO000
	hist[idx+1] += vRCO001
	hist[idx+(n+2)] += vRCO010
	hist[idx+(n+3)] += vRCO011
	hist[idx+(d+2)*(n+2)] += vRCO100
	hist[idx+(d+2)*(n+2)+1] += vRCO101
	hist[idx+(d+3)*(n+2)] += vRCO110
	hist[idx+(d+3)*(n+2)+1] += vRCO111
}

// finalizeDescriptor normalizes, clamps large components to reduce the
// influence of strong edges, renormalizes and quantizes to [0, 255].
func finalizeDescriptor(raw []float64) Descriptor {
	thr := floats.Norm(raw, 2) * descrMagThr
	for i, v := range raw {
		raw[i] = math.Min(v, thr)
	}

	norm := math.Max(floats.Norm(raw, 2), math.SmallestNonzeroFloat32)
	floats.Scale(descrIntFctr/norm, raw)

	out := make(Descriptor, len(raw))
	for i, v := range raw {
		out[i] = float32(math.Min(math.Max(math.Round(v), 0), 255))
	}
	return out
}
