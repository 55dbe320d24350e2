package similarity

import (
	"fmt"
	"math"
)

// NormalizeL2 scales v to unit length in place and returns it.
// A zero vector is returned unchanged.
func NormalizeL2(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}

// UpdateCentroid folds v into a centroid that currently summarises count
// members and renormalizes: new[i] = (old[i]*count + v[i]) / (count+1).
// old is not modified.
func UpdateCentroid(old, v []float32, count int64) ([]float32, error) {
	if len(old) != len(v) {
		return nil, fmt.Errorf("%w: centroid %d, vector %d", ErrDimensionMismatch, len(old), len(v))
	}
	if count < 0 {
		count = 0
	}

	n := float64(count)
	out := make([]float32, len(old))
	for i := range old {
		out[i] = float32((float64(old[i])*n + float64(v[i])) / (n + 1))
	}
	return NormalizeL2(out), nil
}

// ComputeCentroid returns the normalized mean of vectors, or nil when
// vectors is empty.
func ComputeCentroid(vectors [][]float32) ([]float32, error) {
	if len(vectors) == 0 {
		return nil, nil
	}

	dim := len(vectors[0])
	sum := make([]float64, dim)
	for _, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, len(v), dim)
		}
		for i, x := range v {
			sum[i] += float64(x)
		}
	}

	n := float64(len(vectors))
	out := make([]float32, dim)
	for i := range sum {
		out[i] = float32(sum[i] / n)
	}
	return NormalizeL2(out), nil
}
