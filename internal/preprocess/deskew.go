package preprocess

import (
	"image"
	"image/color"
	"math"
	"sort"

	"github.com/disintegration/imaging"
)

const (
	skewWorkSize = 800 // longer side used for detection
	skewMaxLines = 25
)

type edgePoint struct{ x, y int }

type houghLine struct {
	angle float64
	votes int32
}

// deskew detects the dominant text-line angle and rotates the image back
// when the angle is large enough to matter.
func (p *Pipeline) deskew(img image.Image) (image.Image, float64, error) {
	angle, lines := detectSkew(img, p.cfg.DeskewMaxAngle, p.cfg.DeskewStep, p.cfg.EdgeThreshold)
	if lines == 0 {
		return img, 0, nil
	}
	if math.Abs(angle) <= p.cfg.DeskewMinAngle || math.Abs(angle) > p.cfg.DeskewMaxAngle {
		return img, angle, nil
	}
	// angle is measured with y pointing down, imaging.Rotate turns counter-clockwise.
	return imaging.Rotate(img, angle, color.White), angle, nil
}

// detectSkew returns the median angle in degrees of the detected near-horizontal
// lines and how many lines contributed.
func detectSkew(img image.Image, maxAngle, step, edgeThreshold float64) (float64, int) {
	work := img
	if s := img.Bounds().Size(); s.X > skewWorkSize || s.Y > skewWorkSize {
		work = imaging.Fit(img, skewWorkSize, skewWorkSize, imaging.Box)
	}
	pix, w, h := grayPixels(work)
	edges := sobelEdges(pix, w, h, edgeThreshold)
	if len(edges) == 0 {
		return 0, 0
	}
	lines := houghLines(edges, w, h, maxAngle, step)
	if len(lines) == 0 {
		return 0, 0
	}

	angles := make([]float64, len(lines))
	for i, l := range lines {
		angles[i] = l.angle
	}
	return median(angles), len(lines)
}

func sobelEdges(pix []uint8, w, h int, threshold float64) []edgePoint {
	var edges []edgePoint
	at := func(x, y int) float64 { return float64(pix[y*w+x]) }
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			gx := -at(x-1, y-1) - 2*at(x-1, y) - at(x-1, y+1) +
				at(x+1, y-1) + 2*at(x+1, y) + at(x+1, y+1)
			gy := -at(x-1, y-1) - 2*at(x, y-1) - at(x+1, y-1) +
				at(x-1, y+1) + 2*at(x, y+1) + at(x+1, y+1)
			if math.Sqrt(gx*gx+gy*gy) >= threshold {
				edges = append(edges, edgePoint{x, y})
			}
		}
	}
	return edges
}

// houghLines votes every edge point into (angle, intercept) bins for lines
// y = x*tan(angle) + c and keeps local maxima with enough support.
func houghLines(edges []edgePoint, w, h int, maxAngle, step float64) []houghLine {
	nAngles := int(math.Round(2*maxAngle/step)) + 1
	tans := make([]float64, nAngles)
	for i := range tans {
		tans[i] = math.Tan((-maxAngle + float64(i)*step) * math.Pi / 180)
	}
	spread := math.Abs(tans[0]) * float64(w)
	offset := spread + 1
	nBins := int(float64(h)+2*spread) + 3

	acc := make([]int32, nAngles*nBins)
	for _, e := range edges {
		for i, t := range tans {
			c := int(math.Round(float64(e.y) - float64(e.x)*t + offset))
			if c >= 0 && c < nBins {
				acc[i*nBins+c]++
			}
		}
	}

	minVotes := int32(max(w/5, 10))
	var lines []houghLine
	for i := 0; i < nAngles; i++ {
		for c := 0; c < nBins; c++ {
			v := acc[i*nBins+c]
			if v < minVotes || !isPeak(acc, nAngles, nBins, i, c) {
				continue
			}
			lines = append(lines, houghLine{angle: -maxAngle + float64(i)*step, votes: v})
		}
	}

	sort.Slice(lines, func(a, b int) bool { return lines[a].votes > lines[b].votes })
	if len(lines) > skewMaxLines {
		lines = lines[:skewMaxLines]
	}
	return lines
}

// isPeak is a non-maximum suppression check over a small (angle, intercept)
// window. Ties go to the earliest bin so a plateau yields one peak.
func isPeak(acc []int32, nAngles, nBins, i, c int) bool {
	v := acc[i*nBins+c]
	for di := -2; di <= 2; di++ {
		ii := i + di
		if ii < 0 || ii >= nAngles {
			continue
		}
		for dc := -3; dc <= 3; dc++ {
			cc := c + dc
			if cc < 0 || cc >= nBins || (di == 0 && dc == 0) {
				continue
			}
			n := acc[ii*nBins+cc]
			if n > v || (n == v && (ii < i || (ii == i && cc < c))) {
				return false
			}
		}
	}
	return true
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
