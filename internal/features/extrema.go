package features

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/kozaktomas/fingermatch/internal/raster"
)

const (
	// imageBorder is the margin in which extrema are ignored
	imageBorder = 5
	// maxInterpSteps bounds the sub-pixel refinement
	maxInterpSteps = 5
)

// candidate is a refined extremum with one orientation assigned.
type candidate struct {
	kp     Keypoint
	octave int
	layer  int
	x, y   float64 // position in octave coordinates
	scale  float64 // sigma in octave coordinates
}

// findExtrema scans every DoG layer for local extrema, refines them and
// assigns orientations. The result order depends only on the input.
func (s *SIFT) findExtrema(octaves []octave) []candidate {
	layers := s.params.Layers
	threshold := float32(0.5 * s.params.ContrastThreshold / float64(layers))

	var out []candidate
	for o := range octaves {
		dogs := octaves[o].dog
		for i := 1; i <= layers; i++ {
			prev, cur, next := dogs[i-1], dogs[i], dogs[i+1]
			w, h := cur.Width, cur.Height
			for r := imageBorder; r < h-imageBorder; r++ {
				for c := imageBorder; c < w-imageBorder; c++ {
					val := cur.Pix[r*w+c]
					if math.Abs(float64(val)) <= float64(threshold) {
						continue
					}
					if !isExtremum(prev, cur, next, c, r, val) {
						continue
					}
					cand, ok := s.refine(octaves[o], o, i, c, r)
					if !ok {
						continue
					}
					out = append(out, s.orient(octaves[o].gauss[cand.layer], cand)...)
				}
			}
		}
	}
	return out
}

// isExtremum reports whether val is the maximum (or minimum) of its 3x3x3
// neighborhood.
func isExtremum(prev, cur, next *raster.Plane, c, r int, val float32) bool {
	w := cur.Width
	for _, p := range []*raster.Plane{prev, cur, next} {
		for dy := -1; dy <= 1; dy++ {
			row := (r + dy) * w
			for dx := -1; dx <= 1; dx++ {
				v := p.Pix[row+c+dx]
				if val > 0 && v > val {
					return false
				}
				if val < 0 && v < val {
					return false
				}
			}
		}
	}
	return true
}

// refine interpolates the extremum location in space and scale and applies
// the contrast and edge tests.
func (s *SIFT) refine(oct octave, o, layer, c, r int) (candidate, bool) {
	layers := s.params.Layers
	var xc, xr, xi float64

	step := 0
	for ; step < maxInterpSteps; step++ {
		prev, cur, next := oct.dog[layer-1], oct.dog[layer], oct.dog[layer+1]
		grad := gradient3(prev, cur, next, c, r)
		hess := hessian3(prev, cur, next, c, r)

		var x mat.VecDense
		if err := x.SolveVec(hess, mat.NewVecDense(3, grad[:])); err != nil {
			return candidate{}, false
		}
		xc, xr, xi = -x.AtVec(0), -x.AtVec(1), -x.AtVec(2)

		if math.Abs(xc) < 0.5 && math.Abs(xr) < 0.5 && math.Abs(xi) < 0.5 {
			break
		}
		if math.Abs(xc) > float64(math.MaxInt32/3) ||
			math.Abs(xr) > float64(math.MaxInt32/3) ||
			math.Abs(xi) > float64(math.MaxInt32/3) {
			return candidate{}, false
		}

		c += int(math.Round(xc))
		r += int(math.Round(xr))
		layer += int(math.Round(xi))

		w, h := cur.Width, cur.Height
		if layer < 1 || layer > layers ||
			c < imageBorder || c >= w-imageBorder ||
			r < imageBorder || r >= h-imageBorder {
			return candidate{}, false
		}
	}
	if step >= maxInterpSteps {
		return candidate{}, false
	}

	prev, cur, next := oct.dog[layer-1], oct.dog[layer], oct.dog[layer+1]
	w := cur.Width

	grad := gradient3(prev, cur, next, c, r)
	t := grad[0]*xc + grad[1]*xr + grad[2]*xi
	contrast := float64(cur.Pix[r*w+c]) + 0.5*t
	if math.Abs(contrast)*float64(layers) < s.params.ContrastThreshold {
		return candidate{}, false
	}

	// Principal curvature ratio.
	v2 := 2 * float64(cur.Pix[r*w+c])
	dxx := float64(cur.Pix[r*w+c+1]) + float64(cur.Pix[r*w+c-1]) - v2
	dyy := float64(cur.Pix[(r+1)*w+c]) + float64(cur.Pix[(r-1)*w+c]) - v2
	dxy := (float64(cur.Pix[(r+1)*w+c+1]) - float64(cur.Pix[(r+1)*w+c-1]) -
		float64(cur.Pix[(r-1)*w+c+1]) + float64(cur.Pix[(r-1)*w+c-1])) * 0.25
	tr := dxx + dyy
	det := dxx*dyy - dxy*dxy
	edge := s.params.EdgeThreshold
	if det <= 0 || tr*tr*edge >= (edge+1)*(edge+1)*det {
		return candidate{}, false
	}

	scale := s.params.Sigma * math.Pow(2, (float64(layer)+xi)/float64(layers))
	img := s.imageScale(o)
	return candidate{
		kp: Keypoint{
			X:        (float64(c) + xc) * img,
			Y:        (float64(r) + xr) * img,
			Size:     scale * 2 * img,
			Response: math.Abs(contrast),
			Octave:   o,
		},
		octave: o,
		layer:  layer,
		x:      float64(c) + xc,
		y:      float64(r) + xr,
		scale:  scale,
	}, true
}

func gradient3(prev, cur, next *raster.Plane, c, r int) [3]float64 {
	w := cur.Width
	return [3]float64{
		float64(cur.Pix[r*w+c+1]-cur.Pix[r*w+c-1]) * 0.5,
		float64(cur.Pix[(r+1)*w+c]-cur.Pix[(r-1)*w+c]) * 0.5,
		float64(next.Pix[r*w+c]-prev.Pix[r*w+c]) * 0.5,
	}
}

func hessian3(prev, cur, next *raster.Plane, c, r int) *mat.SymDense {
	w := cur.Width
	at := func(p *raster.Plane, x, y int) float64 { return float64(p.Pix[y*w+x]) }

	v2 := 2 * at(cur, c, r)
	dxx := at(cur, c+1, r) + at(cur, c-1, r) - v2
	dyy := at(cur, c, r+1) + at(cur, c, r-1) - v2
	dss := at(next, c, r) + at(prev, c, r) - v2
	dxy := (at(cur, c+1, r+1) - at(cur, c-1, r+1) - at(cur, c+1, r-1) + at(cur, c-1, r-1)) * 0.25
	dxs := (at(next, c+1, r) - at(next, c-1, r) - at(prev, c+1, r) + at(prev, c-1, r)) * 0.25
	dys := (at(next, c, r+1) - at(next, c, r-1) - at(prev, c, r+1) + at(prev, c, r-1)) * 0.25

	return mat.NewSymDense(3, []float64{
		dxx, dxy, dxs,
		dxy, dyy, dys,
		dxs, dys, dss,
	})
}
