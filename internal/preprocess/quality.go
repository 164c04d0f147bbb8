package preprocess

import (
	"image"
	"math"
)

// measureQuality compares luminance statistics of the original and final
// images. The numbers are reported, never used to reject a result.
func measureQuality(original, final image.Image) Quality {
	_, origStd := luminanceStats(original)
	finalMean, finalStd := luminanceStats(final)

	q := Quality{
		OriginalContrast: origStd,
		FinalContrast:    finalStd,
		ContrastDelta:    finalStd - origStd,
	}
	if finalStd > 0 {
		q.SignalToNoise = finalMean / finalStd
	}
	return q
}

func luminanceStats(img image.Image) (mean, std float64) {
	pix, w, h := grayPixels(img)
	n := float64(w * h)
	if n == 0 {
		return 0, 0
	}
	var sum, sumSq float64
	for _, v := range pix {
		f := float64(v)
		sum += f
		sumSq += f * f
	}
	mean = sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	return mean, math.Sqrt(variance)
}
