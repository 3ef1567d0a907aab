// Package distance implements the dot/cosine/Euclidean kernels (§4.7):
// a scalar reference implementation used for verification, and an 8-wide
// unrolled variant dispatched when the host supports it.
package distance

import (
	"fmt"
	"math"

	"github.com/klauspost/cpuid/v2"
)

// Metric identifies which kernel to use. The search engine treats higher
// scores as better; Euclidean is reported negated so a single min-heap
// serves every metric.
type Metric int

const (
	Dot Metric = iota
	Cosine
	Euclidean
)

// lanes matches the width of an AVX2 128-bit-times-2 float32 register; on
// hardware without AVX2 the unrolled loop still runs correctly, just without
// the CPU actually vectorizing it.
const lanes = 8

// wideEnabled reports whether the host's detected feature set makes the
// 8-wide unrolled kernels worth dispatching to instead of the scalar loop.
// Evaluated once at package init via capability detection.
var wideEnabled = cpuid.CPU.Supports(cpuid.AVX2)

// Score computes the similarity/distance between a and b under m, using the
// fastest kernel available on the host. Dimensions must match.
func Score(m Metric, a, b []float32) (float32, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("distance: dimension mismatch: %d != %d", len(a), len(b))
	}
	switch m {
	case Dot:
		if wideEnabled {
			return dotWide(a, b), nil
		}
		return dotScalar(a, b), nil
	case Cosine:
		if wideEnabled {
			return cosineWide(a, b), nil
		}
		return cosineScalar(a, b), nil
	case Euclidean:
		if wideEnabled {
			return -euclideanWide(a, b), nil
		}
		return -euclideanScalar(a, b), nil
	default:
		return 0, fmt.Errorf("distance: unknown metric %d", m)
	}
}

// --- scalar reference implementations ---

func dotScalar(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func normScalar(a []float32) float32 {
	var sum float32
	for _, v := range a {
		sum += v * v
	}
	return float32(math.Sqrt(float64(sum)))
}

func cosineScalar(a, b []float32) float32 {
	dot := dotScalar(a, b)
	na, nb := normScalar(a), normScalar(b)
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (na * nb)
}

func euclideanScalar(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return float32(math.Sqrt(float64(sum)))
}

// --- 8-wide unrolled implementations with a scalar tail ---

func dotWide(a, b []float32) float32 {
	n := len(a)
	full := n - n%lanes
	var acc [lanes]float32
	for i := 0; i < full; i += lanes {
		for l := 0; l < lanes; l++ {
			acc[l] += a[i+l] * b[i+l]
		}
	}
	var sum float32
	for _, v := range acc {
		sum += v
	}
	for i := full; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

func normWide(a []float32) float32 {
	n := len(a)
	full := n - n%lanes
	var acc [lanes]float32
	for i := 0; i < full; i += lanes {
		for l := 0; l < lanes; l++ {
			acc[l] += a[i+l] * a[i+l]
		}
	}
	var sum float32
	for _, v := range acc {
		sum += v
	}
	for i := full; i < n; i++ {
		sum += a[i] * a[i]
	}
	return float32(math.Sqrt(float64(sum)))
}

func cosineWide(a, b []float32) float32 {
	dot := dotWide(a, b)
	na, nb := normWide(a), normWide(b)
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (na * nb)
}

func euclideanWide(a, b []float32) float32 {
	n := len(a)
	full := n - n%lanes
	var acc [lanes]float32
	for i := 0; i < full; i += lanes {
		for l := 0; l < lanes; l++ {
			d := a[i+l] - b[i+l]
			acc[l] += d * d
		}
	}
	var sum float32
	for _, v := range acc {
		sum += v
	}
	for i := full; i < n; i++ {
		d := a[i] - b[i]
		sum += d * d
	}
	return float32(math.Sqrt(float64(sum)))
}
