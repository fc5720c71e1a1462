package template

import (
	"image"
	"math"
	"sort"

	"golang.org/x/image/draw"
)

const (
	// Images with more pixels than this are searched coarse-to-fine.
	pyramidThreshold = 400 * 400
	coarseFactor     = 4
	coarseCandidates = 8
	// Templates smaller than this at the coarse level are searched at full resolution only.
	minCoarseSide = 4
)

// Match is the best placement of a template inside an image.
type Match struct {
	X, Y          int
	Width, Height int
	Confidence    float64
}

// gray is a luminance plane in [0, 1].
type gray struct {
	w, h int
	pix  []float64
}

func toGray(img image.Image) *gray {
	b := img.Bounds()
	g := &gray{w: b.Dx(), h: b.Dy(), pix: make([]float64, b.Dx()*b.Dy())}
	for y := 0; y < g.h; y++ {
		for x := 0; x < g.w; x++ {
			r, gg, bb, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			g.pix[y*g.w+x] = (0.299*float64(r) + 0.587*float64(gg) + 0.114*float64(bb)) / 0xffff
		}
	}
	return g
}

func scaled(img image.Image, factor int) image.Image {
	b := img.Bounds()
	w, h := b.Dx()/factor, b.Dy()/factor
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// centered holds a template with its mean removed, ready for correlation.
type centered struct {
	*gray
	norm float64
}

func center(t *gray) centered {
	var sum float64
	for _, v := range t.pix {
		sum += v
	}
	mean := sum / float64(len(t.pix))
	c := &gray{w: t.w, h: t.h, pix: make([]float64, len(t.pix))}
	var sq float64
	for i, v := range t.pix {
		c.pix[i] = v - mean
		sq += c.pix[i] * c.pix[i]
	}
	return centered{gray: c, norm: math.Sqrt(sq)}
}

// ncc is the normalized cross-correlation of t against img at (x, y), in [-1, 1].
func ncc(img *gray, t centered, x, y int) float64 {
	if t.norm == 0 {
		return 0
	}
	n := float64(t.w * t.h)
	var sumI, sumI2, sumIT float64
	for ty := 0; ty < t.h; ty++ {
		row := (y+ty)*img.w + x
		trow := ty * t.w
		for tx := 0; tx < t.w; tx++ {
			v := img.pix[row+tx]
			sumI += v
			sumI2 += v * v
			sumIT += v * t.pix[trow+tx]
		}
	}
	variance := sumI2 - sumI*sumI/n
	if variance <= 1e-12 {
		return 0
	}
	return sumIT / (math.Sqrt(variance) * t.norm)
}

type scored struct {
	x, y  int
	score float64
}

func search(img *gray, t centered, xs, ys [2]int) []scored {
	var out []scored
	for y := ys[0]; y <= ys[1]; y++ {
		for x := xs[0]; x <= xs[1]; x++ {
			out = append(out, scored{x: x, y: y, score: ncc(img, t, x, y)})
		}
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// FindTemplate locates tpl inside screen. ok is false when the template does
// not fit inside the image.
func FindTemplate(screen, tpl image.Image) (Match, bool) {
	sb, tb := screen.Bounds(), tpl.Bounds()
	if tb.Dx() == 0 || tb.Dy() == 0 || tb.Dx() > sb.Dx() || tb.Dy() > sb.Dy() {
		return Match{}, false
	}
	img, t := toGray(screen), center(toGray(tpl))
	maxX, maxY := img.w-t.w, img.h-t.h

	var candidates []scored
	useCoarse := img.w*img.h > pyramidThreshold &&
		tb.Dx()/coarseFactor >= minCoarseSide && tb.Dy()/coarseFactor >= minCoarseSide
	if useCoarse {
		cImg, cT := toGray(scaled(screen, coarseFactor)), center(toGray(scaled(tpl, coarseFactor)))
		coarse := search(cImg, cT, [2]int{0, cImg.w - cT.w}, [2]int{0, cImg.h - cT.h})
		sort.Slice(coarse, func(i, j int) bool { return coarse[i].score > coarse[j].score })
		if len(coarse) > coarseCandidates {
			coarse = coarse[:coarseCandidates]
		}
		radius := 2 * coarseFactor
		for _, c := range coarse {
			fx, fy := c.x*coarseFactor, c.y*coarseFactor
			candidates = append(candidates, search(img, t,
				[2]int{clamp(fx-radius, 0, maxX), clamp(fx+radius, 0, maxX)},
				[2]int{clamp(fy-radius, 0, maxY), clamp(fy+radius, 0, maxY)})...)
		}
	} else {
		candidates = search(img, t, [2]int{0, maxX}, [2]int{0, maxY})
	}

	best := scored{score: math.Inf(-1)}
	for _, c := range candidates {
		if c.score > best.score {
			best = c
		}
	}
	conf := best.score
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	return Match{X: best.x, Y: best.y, Width: t.w, Height: t.h, Confidence: conf}, true
}
