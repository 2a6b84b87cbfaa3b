package memory

import (
	"context"
	"iter"
	"slices"
	"time"
)

// Store is the durable keyed collection of records and their relation index.
// It owns all persisted state. Implementations: chromem (embedded vector DB)
// and sqlite.
//
// Records returned by a Store are copies. Mutating them has no effect until
// they are written back.
type Store interface {
	// Put inserts or overwrites a record by id. The embedding is recomputed
	// when the content changed or no embedding is set.
	Put(ctx context.Context, rec *Record) error

	// Get returns the record or an ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)

	// Delete removes the record and every triple naming it. Deleting a
	// missing id is not an error.
	Delete(ctx context.Context, id string) error

	// Scan yields records matching the filter. Each range over the returned
	// sequence starts a fresh scan.
	Scan(ctx context.Context, filter Filter) iter.Seq2[*Record, error]

	// Nearest returns up to k records by cosine similarity, highest first.
	Nearest(ctx context.Context, embedding []float32, k int) ([]Neighbor, error)

	// RelatedTo walks the relation graph up to depth hops from id and
	// returns connected record ids with their hop distance.
	RelatedTo(ctx context.Context, id string, depth int) (map[string]int, error)

	// Update runs fn under the store's write lock and commits every staged
	// write atomically. Nothing is written if fn returns an error.
	Update(ctx context.Context, fn func(Tx) error) error

	// TryUpdate is Update but returns false without running fn when another
	// writer holds the lock.
	TryUpdate(ctx context.Context, fn func(Tx) error) (bool, error)

	// Len returns the number of records.
	Len(ctx context.Context) (int, error)

	// Close releases resources.
	Close() error
}

// Tx stages writes inside Store.Update. Reads observe the staged writes.
// Put requires the embedding to be set already, since no service call may
// happen while the write lock is held.
type Tx interface {
	Get(id string) (*Record, error)
	Put(rec *Record) error
	Delete(id string) error
}

// Embedder converts text to vector embeddings.
// Implementations: mock (testing), onnx (local MiniLM), cache (decorator).
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns embedding vector size.
	Dimensions() int
}

// Judge proposes memory operations for a conversation turn.
type Judge interface {
	// Propose returns free text containing zero or more operation tags.
	Propose(ctx context.Context, prompt Prompt) (string, error)
}

// Prompt is what the judge sees.
type Prompt struct {
	System string
	User   string
}

// Neighbor is a nearest-neighbour hit.
type Neighbor struct {
	Record     *Record
	Similarity float64
}

// Filter selects records in Scan. Zero fields match everything.
type Filter struct {
	Tiers        []Tier
	ExcludeTiers []Tier

	CreatedAfter  time.Time
	CreatedBefore time.Time

	MinImportance float64
	// MaxImportance of zero means no upper bound.
	MaxImportance float64
}

// Match reports whether rec passes the filter.
func (f Filter) Match(rec *Record) bool {
	if len(f.Tiers) > 0 && !slices.Contains(f.Tiers, rec.Tier) {
		return false
	}
	if slices.Contains(f.ExcludeTiers, rec.Tier) {
		return false
	}
	if !f.CreatedAfter.IsZero() && !rec.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !rec.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	if rec.Importance < f.MinImportance {
		return false
	}
	if f.MaxImportance > 0 && rec.Importance > f.MaxImportance {
		return false
	}
	return true
}

// EnsureEmbedding sets next.Embedding when it is missing or stale relative to
// prev, the currently stored version (nil if none). Stores call it from Put
// before taking the write lock.
func EnsureEmbedding(ctx context.Context, embedder Embedder, prev, next *Record) error {
	stale := len(next.Embedding) == 0
	if !stale && prev != nil && prev.Content != next.Content && slices.Equal(prev.Embedding, next.Embedding) {
		stale = true
	}
	if !stale {
		return nil
	}
	if embedder == nil {
		return invalid("record has no embedding and store has no embedder", withID(next.ID))
	}
	vec, err := embedder.Embed(ctx, next.Content)
	if err != nil {
		return classify(ErrEmbedding, err, "failed to embed record", withID(next.ID))
	}
	next.Embedding = vec
	return nil
}
