// Package cache wraps an embedder with a ristretto cache so repeated texts
// are embedded once.
package cache

import (
	"context"
	"slices"

	"github.com/dgraph-io/ristretto"
	"github.com/m-mizutani/goerr/v2"

	"github.com/becomeliminal/nim-memory/memory"
)

// Config sizes the cache.
type Config struct {
	// MaxBytes bounds the cached vectors. Default: 64 MiB.
	MaxBytes int64 `yaml:"max_bytes" mapstructure:"max_bytes"`

	// Counters is the number of admission counters, roughly ten times the
	// expected number of cached texts. Default: 100000.
	Counters int64 `yaml:"counters" mapstructure:"counters"`
}

// Embedder caches the vectors of a wrapped embedder.
type Embedder struct {
	next  memory.Embedder
	cache *ristretto.Cache
}

var _ memory.Embedder = (*Embedder)(nil)

// New wraps next.
func New(next memory.Embedder, cfg Config) (*Embedder, error) {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 64 << 20
	}
	if cfg.Counters <= 0 {
		cfg.Counters = 100_000
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.Counters,
		MaxCost:     cfg.MaxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create embedding cache")
	}
	return &Embedder{next: next, cache: c}, nil
}

// Embed returns the cached vector for text or computes and caches it.
// Failures are not cached.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.cache.Get(text); ok {
		return slices.Clone(v.([]float32)), nil
	}
	vec, err := e.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.cache.Set(text, slices.Clone(vec), int64(4*len(vec)+len(text)))
	return vec, nil
}

// Dimensions returns the wrapped embedder's size.
func (e *Embedder) Dimensions() int { return e.next.Dimensions() }

// Wait blocks until pending cache writes are visible.
func (e *Embedder) Wait() { e.cache.Wait() }

// Close stops the cache.
func (e *Embedder) Close() { e.cache.Close() }
