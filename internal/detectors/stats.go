package detectors

import (
	"hash/fnv"
	"math"
	"math/rand/v2"
	"sort"
)

// Median returns the median of xs without modifying it. NaN for an empty slice.
func Median(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	return sortedMedian(s)
}

func sortedMedian(s []float64) float64 {
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// BootstrapMedian resamples xs with replacement `resamples` times and returns
// the lower bound of the two-sided confidence interval for the median along
// with the median of the resampled medians. The rng is seeded from seed so
// the same inputs always yield the same bounds.
func BootstrapMedian(xs []float64, resamples int, confidence float64, seed string) (lower, center float64) {
	if len(xs) == 0 || resamples < 1 {
		return math.NaN(), math.NaN()
	}

	rng := newSeededRand(seed)
	medians := make([]float64, resamples)
	buf := make([]float64, len(xs))
	for b := range medians {
		for i := range buf {
			buf[i] = xs[rng.IntN(len(xs))]
		}
		sort.Float64s(buf)
		medians[b] = sortedMedian(buf)
	}
	sort.Float64s(medians)

	alpha := (1 - confidence) / 2
	idx := int(math.Floor(alpha * float64(resamples)))
	if idx >= resamples {
		idx = resamples - 1
	}
	return medians[idx], sortedMedian(medians)
}

func newSeededRand(seed string) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(seed))
	s1 := h.Sum64()
	h.Write([]byte{0xff})
	return rand.New(rand.NewPCG(s1, h.Sum64()))
}
