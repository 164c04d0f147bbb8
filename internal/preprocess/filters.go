package preprocess

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// resize only ever shrinks.
func resize(img image.Image, maxDim int) image.Image {
	size := img.Bounds().Size()
	if maxDim <= 0 || (size.X <= maxDim && size.Y <= maxDim) {
		return img
	}
	return imaging.Fit(img, maxDim, maxDim, imaging.Lanczos)
}

func denoise(img image.Image, sigma float64) image.Image {
	if sigma <= 0 {
		return img
	}
	return imaging.Blur(img, sigma)
}

func contrast(img image.Image, amount float64) image.Image {
	return imaging.AdjustContrast(img, amount)
}

func brightness(img image.Image, amount float64) image.Image {
	return imaging.AdjustBrightness(img, amount)
}

func sharpen(img image.Image, sigma float64) image.Image {
	return imaging.Sharpen(img, sigma)
}

// binarize applies a global Otsu threshold.
func binarize(img image.Image) (image.Image, error) {
	pix, w, h := grayPixels(img)
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("cannot binarize an empty image")
	}
	t := otsuThreshold(pix)
	out := make([]uint8, len(pix))
	for i, v := range pix {
		if v > t {
			out[i] = 255
		}
	}
	return toGray(out, w, h), nil
}

func otsuThreshold(pix []uint8) uint8 {
	var hist [256]int
	for _, v := range pix {
		hist[v]++
	}
	total := len(pix)
	var sum float64
	for i, c := range hist {
		sum += float64(i * c)
	}

	var (
		sumB, best float64
		weightB    int
		threshold  uint8
	)
	for i, c := range hist {
		weightB += c
		if weightB == 0 {
			continue
		}
		weightF := total - weightB
		if weightF == 0 {
			break
		}
		sumB += float64(i * c)
		meanB := sumB / float64(weightB)
		meanF := (sum - sumB) / float64(weightF)
		between := float64(weightB) * float64(weightF) * (meanB - meanF) * (meanB - meanF)
		if between > best {
			best = between
			threshold = uint8(i)
		}
	}
	return threshold
}

// adaptiveThreshold compares each pixel with the mean of its block using an
// integral image, which keeps the cost independent of the block size.
func adaptiveThreshold(img image.Image, blockSize int, offset float64) (image.Image, error) {
	pix, w, h := grayPixels(img)
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("cannot threshold an empty image")
	}
	if blockSize < 3 {
		blockSize = 3
	}
	half := blockSize / 2

	integral := make([]int64, (w+1)*(h+1))
	for y := 0; y < h; y++ {
		var row int64
		for x := 0; x < w; x++ {
			row += int64(pix[y*w+x])
			integral[(y+1)*(w+1)+x+1] = integral[y*(w+1)+x+1] + row
		}
	}

	out := make([]uint8, len(pix))
	for y := 0; y < h; y++ {
		y0, y1 := max(0, y-half), min(h-1, y+half)
		for x := 0; x < w; x++ {
			x0, x1 := max(0, x-half), min(w-1, x+half)
			count := int64((x1 - x0 + 1) * (y1 - y0 + 1))
			sum := integral[(y1+1)*(w+1)+x1+1] - integral[y0*(w+1)+x1+1] -
				integral[(y1+1)*(w+1)+x0] + integral[y0*(w+1)+x0]
			mean := float64(sum) / float64(count)
			if float64(pix[y*w+x]) > mean-offset {
				out[y*w+x] = 255
			}
		}
	}
	return toGray(out, w, h), nil
}

func handwritingEnhance(img image.Image) image.Image {
	gray := imaging.Grayscale(img)
	return imaging.AdjustContrast(imaging.AdjustGamma(gray, 0.8), 15)
}

// scriptOptimize pushes mid-tones apart so faint pen strokes separate from paper.
func scriptOptimize(img image.Image) image.Image {
	return imaging.AdjustSigmoid(imaging.Grayscale(img), 0.5, 6)
}

// strokeEnhance thickens dark strokes with a 3x3 grey erosion.
func strokeEnhance(img image.Image) image.Image {
	pix, w, h := grayPixels(img)
	out := make([]uint8, len(pix))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			m := uint8(255)
			for dy := -1; dy <= 1; dy++ {
				yy := y + dy
				if yy < 0 || yy >= h {
					continue
				}
				for dx := -1; dx <= 1; dx++ {
					xx := x + dx
					if xx < 0 || xx >= w {
						continue
					}
					if v := pix[yy*w+xx]; v < m {
						m = v
					}
				}
			}
			out[y*w+x] = m
		}
	}
	return toGray(out, w, h)
}

// grayPixels flattens img to luminance values in row-major order.
func grayPixels(img image.Image) ([]uint8, int, int) {
	if g, ok := img.(*image.Gray); ok && g.Rect.Min == (image.Point{}) && g.Stride == g.Rect.Dx() {
		return g.Pix, g.Rect.Dx(), g.Rect.Dy()
	}
	gray := imaging.Grayscale(img)
	w, h := gray.Rect.Dx(), gray.Rect.Dy()
	pix := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		row := gray.Pix[y*gray.Stride:]
		for x := 0; x < w; x++ {
			pix[y*w+x] = row[x*4]
		}
	}
	return pix, w, h
}

func toGray(pix []uint8, w, h int) *image.Gray {
	return &image.Gray{Pix: pix, Stride: w, Rect: image.Rect(0, 0, w, h)}
}
