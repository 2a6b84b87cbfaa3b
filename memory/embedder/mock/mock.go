// Package mock provides a deterministic embedder for tests and offline use.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync/atomic"
	"unicode"

	"github.com/becomeliminal/nim-memory/memory"
)

// Embedder hashes character unigrams and bigrams into a fixed number of
// buckets. Texts sharing characters get similar vectors, so duplicate
// detection and ranking behave sensibly without a model.
type Embedder struct {
	dimensions int
}

var _ memory.Embedder = (*Embedder)(nil)

// New creates a mock embedder with 384 dimensions, matching all-MiniLM-L6-v2.
func New() *Embedder {
	return NewWithDimensions(384)
}

// NewWithDimensions creates a mock embedder of the given size. More
// dimensions mean fewer bucket collisions.
func NewWithDimensions(n int) *Embedder {
	if n < 1 {
		n = 1
	}
	return &Embedder{dimensions: n}
}

// Embed creates a deterministic unit vector from text.
func (m *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var runes []rune
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			runes = append(runes, r)
		}
	}

	vec := make([]float32, m.dimensions)
	for i, r := range runes {
		m.add(vec, string(r))
		if i > 0 {
			m.add(vec, string(runes[i-1:i+1]))
		}
	}
	// Texts without letters still get a valid direction.
	if len(runes) == 0 {
		vec[0] = 1
	}
	return normalize(vec), nil
}

// Dimensions returns the embedding size.
func (m *Embedder) Dimensions() int {
	return m.dimensions
}

func (m *Embedder) add(vec []float32, feature string) {
	h := fnv.New64a()
	h.Write([]byte(feature))
	sum := h.Sum64()
	sign := float32(1)
	if sum>>63 == 1 {
		sign = -1
	}
	vec[sum%uint64(m.dimensions)] += sign
}

func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec
}

// Failing is an embedder that always fails, for exercising error paths.
// It is safe for concurrent use.
type Failing struct {
	Err  error
	Dims int

	calls atomic.Int64
}

// Embed returns f.Err.
func (f *Failing) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls.Add(1)
	return nil, f.Err
}

// Calls returns how many times Embed ran.
func (f *Failing) Calls() int { return int(f.calls.Load()) }

// Dimensions returns f.Dims.
func (f *Failing) Dimensions() int { return f.Dims }
