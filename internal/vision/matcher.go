package vision

import (
	"image"
	"math"
)

// grayImage is a float64 grayscale raster. Detection math runs entirely on
// these, color frames are converted once at the boundary.
type grayImage struct {
	w, h int
	pix  []float64
}

func grayFromImage(img image.Image) *grayImage {
	b := img.Bounds()
	g := &grayImage{w: b.Dx(), h: b.Dy(), pix: make([]float64, b.Dx()*b.Dy())}

	switch src := img.(type) {
	case *image.RGBA:
		for y := 0; y < g.h; y++ {
			row := (b.Min.Y+y-src.Rect.Min.Y)*src.Stride + (b.Min.X-src.Rect.Min.X)*4
			for x := 0; x < g.w; x++ {
				i := row + x*4
				g.pix[y*g.w+x] = luma(src.Pix[i], src.Pix[i+1], src.Pix[i+2])
			}
		}
	case *image.Gray:
		for y := 0; y < g.h; y++ {
			row := (b.Min.Y+y-src.Rect.Min.Y)*src.Stride + (b.Min.X - src.Rect.Min.X)
			for x := 0; x < g.w; x++ {
				g.pix[y*g.w+x] = float64(src.Pix[row+x])
			}
		}
	default:
		for y := 0; y < g.h; y++ {
			for x := 0; x < g.w; x++ {
				r, gg, bb, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
				g.pix[y*g.w+x] = luma(uint8(r>>8), uint8(gg>>8), uint8(bb>>8))
			}
		}
	}

	return g
}

func luma(r, g, b uint8) float64 {
	return 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
}

func (g *grayImage) crop(x, y, w, h int) *grayImage {
	if x+w > g.w {
		w = g.w - x
	}
	if y+h > g.h {
		h = g.h - y
	}

	out := &grayImage{w: w, h: h, pix: make([]float64, w*h)}
	for yy := 0; yy < h; yy++ {
		copy(out.pix[yy*w:(yy+1)*w], g.pix[(y+yy)*g.w+x:(y+yy)*g.w+x+w])
	}

	return out
}

func (g *grayImage) mean() float64 {
	if len(g.pix) == 0 {
		return 0
	}

	var sum float64
	for _, v := range g.pix {
		sum += v
	}

	return sum / float64(len(g.pix))
}

func (g *grayImage) meanRect(x, y, w, h int) float64 {
	if w <= 0 || h <= 0 {
		return 0
	}

	var sum float64
	for yy := y; yy < y+h; yy++ {
		row := yy * g.w
		for xx := x; xx < x+w; xx++ {
			sum += g.pix[row+xx]
		}
	}

	return sum / float64(w*h)
}

// darkFraction is the share of pixels in the rect at or below the dark level.
// A cooldown sweep covers the icon with a near-black radial mask.
func (g *grayImage) darkFraction(x, y, w, h int, darkMax float64) float64 {
	if w <= 0 || h <= 0 {
		return 0
	}

	dark := 0
	for yy := y; yy < y+h; yy++ {
		row := yy * g.w
		for xx := x; xx < x+w; xx++ {
			if g.pix[row+xx] <= darkMax {
				dark++
			}
		}
	}

	return float64(dark) / float64(w*h)
}

// searchRegion wraps a slot crop with summed-area tables so every candidate
// window's sum and squared sum are O(1) during matching.
type searchRegion struct {
	g       *grayImage
	integ   []float64
	integSq []float64
}

func newSearchRegion(g *grayImage) *searchRegion {
	w, h := g.w, g.h
	s := &searchRegion{
		g:       g,
		integ:   make([]float64, (w+1)*(h+1)),
		integSq: make([]float64, (w+1)*(h+1)),
	}

	for y := 0; y < h; y++ {
		var rowSum, rowSumSq float64
		for x := 0; x < w; x++ {
			v := g.pix[y*w+x]
			rowSum += v
			rowSumSq += v * v
			s.integ[(y+1)*(w+1)+x+1] = s.integ[y*(w+1)+x+1] + rowSum
			s.integSq[(y+1)*(w+1)+x+1] = s.integSq[y*(w+1)+x+1] + rowSumSq
		}
	}

	return s
}

func (s *searchRegion) windowSums(x, y, w, h int) (sum, sumSq float64) {
	sw := s.g.w + 1
	a, b, c, d := y*sw+x, y*sw+x+w, (y+h)*sw+x, (y+h)*sw+x+w
	sum = s.integ[d] - s.integ[b] - s.integ[c] + s.integ[a]
	sumSq = s.integSq[d] - s.integSq[b] - s.integSq[c] + s.integSq[a]
	return sum, sumSq
}

// tplVariant is one template image resampled to a candidate scale, with its
// matching statistics precomputed at load time.
type tplVariant struct {
	g     *grayImage
	scale float64
	mean  float64
	norm  float64 // sqrt of the zero-mean energy
}

func newTplVariant(g *grayImage, scale float64) *tplVariant {
	m := g.mean()
	var energy float64
	for _, v := range g.pix {
		d := v - m
		energy += d * d
	}

	return &tplVariant{g: g, scale: scale, mean: m, norm: math.Sqrt(energy)}
}

const flatEps = 1e-6

// match slides the variant over the region and returns the best zero-mean
// normalized cross correlation score with its offset. ok is false when the
// variant does not fit inside the region.
func (s *searchRegion) match(t *tplVariant) (conf float64, bx, by int, ok bool) {
	rw, rh := s.g.w, s.g.h
	tw, th := t.g.w, t.g.h
	if tw > rw || th > rh || tw == 0 || th == 0 {
		return 0, 0, 0, false
	}
	if t.norm < flatEps {
		return 0, 0, 0, true
	}

	n := float64(tw * th)
	best := math.Inf(-1)

	for y := 0; y+th <= rh; y++ {
		for x := 0; x+tw <= rw; x++ {
			var cross float64
			for ty := 0; ty < th; ty++ {
				trow := ty * tw
				rrow := (y+ty)*rw + x
				for tx := 0; tx < tw; tx++ {
					cross += t.g.pix[trow+tx] * s.g.pix[rrow+tx]
				}
			}

			winSum, winSumSq := s.windowSums(x, y, tw, th)
			winVar := winSumSq - winSum*winSum/n
			if winVar < flatEps {
				continue
			}

			score := (cross - t.mean*winSum) / (t.norm * math.Sqrt(winVar))
			if score > best {
				best = score
				bx, by = x, y
			}
		}
	}

	if math.IsInf(best, -1) {
		return 0, 0, 0, true
	}
	if best > 1 {
		best = 1
	} else if best < -1 {
		best = -1
	}

	return best, bx, by, true
}
