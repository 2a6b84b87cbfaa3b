package memory

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"math"
	"slices"
	"time"
)

// Scored is a ranked retrieval hit.
type Scored struct {
	Record *Record

	Score      float64
	Similarity float64

	// Relation is the graph boost, 1/(1+hop), or 0 when unrelated to the
	// active context.
	Relation float64
	Recency  float64
}

// Retriever ranks records for a query by similarity, relation-graph
// proximity to the active context, importance and recency.
type Retriever struct {
	store    Store
	embedder Embedder
	cfg      RetrievalConfig
	retry    RetryConfig

	log     *slog.Logger
	now     Clock
	metrics *instruments
}

// NewRetriever creates a retriever.
func NewRetriever(store Store, embedder Embedder, cfg *Config, opts ...Option) *Retriever {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	o := buildOptions(opts)
	return &Retriever{
		store:    store,
		embedder: embedder,
		cfg:      cfg.Retrieval,
		retry:    cfg.Retry,
		log:      o.logger,
		now:      o.clock,
		metrics:  newInstruments(o.meter, o.logger),
	}
}

// Rank returns up to k records for query, highest score first, and records
// the access on every returned record.
func (r *Retriever) Rank(ctx context.Context, query string, k int, active []string) ([]Scored, error) {
	hits, err := r.Search(ctx, query, k, active)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.Record.ID
	}
	if err := r.Touch(ctx, ids); err != nil {
		r.log.Warn("failed to record memory access", "error", err)
	}
	return hits, nil
}

// Search is Rank without side effects.
func (r *Retriever) Search(ctx context.Context, query string, k int, active []string) (hits []Scored, err error) {
	if k <= 0 {
		return nil, nil
	}
	started := time.Now()
	defer func() { r.metrics.retrieved(ctx, started, err == nil) }()

	vec, err := retry(ctx, r.retry, func(ctx context.Context) ([]float32, error) {
		return r.embedder.Embed(ctx, query)
	})
	if err != nil {
		return nil, classify(ErrEmbedding, err, "failed to embed query")
	}

	neighbors, err := r.store.Nearest(ctx, vec, k*r.cfg.CandidateFactor)
	if err != nil {
		return nil, err
	}

	cands := make(map[string]*Scored, len(neighbors))
	for _, n := range neighbors {
		cands[n.Record.ID] = &Scored{Record: n.Record, Similarity: n.Similarity}
	}

	boosts, err := r.relationBoosts(ctx, active)
	if err != nil {
		return nil, err
	}
	for id, boost := range boosts {
		c, ok := cands[id]
		if !ok {
			rec, err := r.store.Get(ctx, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			c = &Scored{Record: rec, Similarity: Cosine(vec, rec.Embedding)}
			cands[id] = c
		}
		c.Relation = boost
	}

	now := r.now()
	hits = make([]Scored, 0, len(cands))
	for _, c := range cands {
		c.Recency = r.recency(now, c.Record.LastAccessedAt)
		c.Score = r.cfg.SimilarityWeight*c.Similarity +
			r.cfg.RelationWeight*c.Relation +
			r.cfg.ImportanceWeight*c.Record.Importance +
			r.cfg.RecencyWeight*c.Recency
		hits = append(hits, *c)
	}
	SortScored(hits)
	if len(hits) > k {
		hits = hits[:k]
	}

	r.log.Debug("memory search", "query", truncate(query, 50), "candidates", len(cands), "returned", len(hits))
	return hits, nil
}

// Touch bumps access counters of the given records.
func (r *Retriever) Touch(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	now := r.now()
	return r.store.Update(ctx, func(tx Tx) error {
		for _, id := range ids {
			rec, err := tx.Get(id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			rec.AccessCount++
			if now.After(rec.LastAccessedAt) {
				rec.LastAccessedAt = now
			}
			if err := tx.Put(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// relationBoosts returns the strongest boost per record reachable from the
// active records.
func (r *Retriever) relationBoosts(ctx context.Context, active []string) (map[string]float64, error) {
	boosts := map[string]float64{}
	if r.cfg.RelationDepth <= 0 {
		return boosts, nil
	}
	for _, id := range active {
		hops, err := r.store.RelatedTo(ctx, id, r.cfg.RelationDepth)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for rid, hop := range hops {
			boosts[rid] = max(boosts[rid], 1/float64(1+hop))
		}
	}
	return boosts, nil
}

func (r *Retriever) recency(now, last time.Time) float64 {
	age := now.Sub(last)
	if age <= 0 {
		return 1
	}
	return math.Pow(0.5, float64(age)/float64(r.cfg.RecencyHalfLife))
}

// SortScored orders hits by score, then by CompareRecords.
func SortScored(hits []Scored) {
	slices.SortFunc(hits, func(a, b Scored) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return CompareRecords(a.Record, b.Record)
	})
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
