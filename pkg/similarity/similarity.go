// Package similarity provides vector similarity and centroid maths for
// question clustering.
package similarity

import (
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// ErrDimensionMismatch is returned when two vectors of different length are compared.
var ErrDimensionMismatch = errors.New("dimension mismatch")

// CosineSimilarity returns dot(a,b)/(|a||b|) clamped to [-1, 1].
// Zero vectors have similarity 0 with everything.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, len(a), len(b))
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return math.Max(-1, math.Min(1, sim)), nil
}

// Candidate is a cluster centroid offered to FindBestMatch.
type Candidate struct {
	ID       uuid.UUID
	Centroid []float32
}

// Match is the best candidate for a query vector.
type Match struct {
	Index      int
	ID         uuid.UUID
	Similarity float64
}

// FindBestMatch scans candidates linearly and returns the one with the
// highest similarity to query. ok is false when there is no candidate with
// a centroid. Among exactly equal scores the winner is unspecified.
func FindBestMatch(query []float32, candidates []Candidate) (best Match, ok bool, err error) {
	for i, c := range candidates {
		if c.Centroid == nil {
			continue
		}
		sim, err := CosineSimilarity(query, c.Centroid)
		if err != nil {
			return Match{}, false, fmt.Errorf("candidate %s: %w", c.ID, err)
		}
		if !ok || sim > best.Similarity {
			best = Match{Index: i, ID: c.ID, Similarity: sim}
			ok = true
		}
	}
	return best, ok, nil
}
