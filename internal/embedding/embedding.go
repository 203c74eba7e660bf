// Package embedding provides the Embedder collaborator used by the semantic
// detector (spec §2, §4.2): something that turns prompt text into a
// fixed-dimensional vector suitable for nearest-neighbor search.
package embedding

import (
	"context"
	"crypto/sha256"
	"math"
	"strings"
	"unicode"
)

// Dimensions is the fixed embedding width produced by Embedder
// implementations in this package.
const Dimensions = 64

// Embedder produces a fixed-dimensional vector for a given text. It must
// respect ctx's deadline — embedding may be slow (spec §4.2).
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// HashEmbedder is a deterministic, dependency-free embedder: a
// pattern/feature-based pseudo-embedding built from hashed token shingles
// plus a handful of structural features, requiring no external model
// service. Grounded on the "sophisticated pattern-based embedding, no ML
// model required" approach of a pattern-embedding reference implementation
// in the corpus (see DESIGN.md).
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder builds a HashEmbedder with the default dimensionality.
func NewHashEmbedder() *HashEmbedder {
	return &HashEmbedder{dims: Dimensions}
}

// Embed implements Embedder.
func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	vec := make([]float64, h.dims)

	// Layer 1: hashed word-shingle features, spread across most of the
	// vector so lexically similar strings land close in cosine space.
	addShingleFeatures(text, vec)

	// Layer 2: structural features in the last few slots.
	addStructuralFeatures(text, vec)

	normalize(vec)
	return vec, nil
}

func addShingleFeatures(text string, vec []float64) {
	lower := strings.ToLower(text)
	fields := strings.Fields(lower)
	structuralSlots := 8
	n := len(vec) - structuralSlots
	if n <= 0 {
		n = len(vec)
		structuralSlots = 0
	}

	shingle := func(s string) {
		sum := sha256.Sum256([]byte(s))
		for i := 0; i < 4; i++ {
			idx := int(sum[i]) % n
			sign := 1.0
			if sum[i+4]%2 == 1 {
				sign = -1.0
			}
			vec[idx] += sign
		}
	}

	for _, w := range fields {
		shingle(w)
	}
	for i := 0; i+1 < len(fields); i++ {
		shingle(fields[i] + " " + fields[i+1])
	}
	if len(fields) == 0 {
		shingle(lower)
	}
	_ = structuralSlots
}

func addStructuralFeatures(text string, vec []float64) {
	if len(vec) < 8 {
		return
	}
	base := len(vec) - 8

	var digits, letters, spaces, punct int
	for _, r := range text {
		switch {
		case unicode.IsDigit(r):
			digits++
		case unicode.IsLetter(r):
			letters++
		case unicode.IsSpace(r):
			spaces++
		default:
			punct++
		}
	}
	total := float64(len([]rune(text)))
	if total == 0 {
		total = 1
	}

	vec[base+0] = float64(digits) / total
	vec[base+1] = float64(letters) / total
	vec[base+2] = float64(spaces) / total
	vec[base+3] = float64(punct) / total
	vec[base+4] = math.Min(total/2048.0, 1.0)
	vec[base+5] = shannonEntropy(text)
	vec[base+6] = float64(strings.Count(text, ".")) / total
	vec[base+7] = float64(len(strings.Fields(text))) / (total + 1)
}

func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	counts := make(map[rune]int)
	for _, r := range s {
		counts[r]++
	}
	total := float64(len([]rune(s)))
	var entropy float64
	for _, c := range counts {
		p := float64(c) / total
		entropy -= p * math.Log2(p)
	}
	// Normalize to roughly [0,1] assuming a generous 8-bit alphabet ceiling.
	return entropy / 8.0
}

func normalize(vec []float64) {
	var sumSq float64
	for _, v := range vec {
		sumSq += v * v
	}
	if sumSq == 0 {
		return
	}
	norm := math.Sqrt(sumSq)
	for i := range vec {
		vec[i] /= norm
	}
}
