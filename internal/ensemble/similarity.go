package ensemble

import (
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// similarity is 1 minus the normalized edit distance of two texts after
// whitespace is collapsed. Two empty texts are identical.
func similarity(a, b string) float64 {
	a = normalize(a)
	b = normalize(b)
	longest := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// centroid returns the index of the text with the highest average similarity
// to all the others, and that average. Ties keep the earliest index.
func centroid(texts []string) (int, float64) {
	n := len(texts)
	if n < 2 {
		return 0, 1
	}
	sims := make([][]float64, n)
	for i := range sims {
		sims[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			s := similarity(texts[i], texts[j])
			sims[i][j], sims[j][i] = s, s
		}
	}

	best, bestAvg := 0, -1.0
	for i := 0; i < n; i++ {
		var sum float64
		for j := 0; j < n; j++ {
			if i != j {
				sum += sims[i][j]
			}
		}
		if avg := sum / float64(n-1); avg > bestAvg {
			best, bestAvg = i, avg
		}
	}
	return best, bestAvg
}
