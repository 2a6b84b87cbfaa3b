// Package chromem implements memory.Store on chromem-go, a pure Go embedded
// vector database, optionally persisted to disk.
package chromem

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"slices"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	chromem "github.com/philippgille/chromem-go"

	"github.com/becomeliminal/nim-memory/logging"
	"github.com/becomeliminal/nim-memory/memory"
)

// tieTolerance absorbs the float32 rounding of chromem's own ranking when
// deciding whether records at the cut tie with the k-th.
const tieTolerance = 1e-6

// Config configures the chromem store.
type Config struct {
	// Path persists the database under this directory. Empty keeps it in
	// memory only.
	Path string

	// Collection names the chromem collection. Default: "memories".
	Collection string

	// Compress gzips persisted documents.
	Compress bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// Store keeps records in a chromem collection for nearest neighbour search
// and mirrors them in memory together with the relation index.
type Store struct {
	db       *chromem.DB
	col      *chromem.Collection
	embedder memory.Embedder
	log      *slog.Logger

	// wmu serializes writers. mu guards the fields below and keeps the
	// collection consistent with them for readers.
	wmu sync.Mutex
	mu  sync.RWMutex

	records map[string]*memory.Record
	// refsIn maps a record id to the subjects referencing it.
	refsIn map[string]map[string]struct{}
	// entities maps a free-text object key to the subjects naming it.
	entities map[string]map[string]struct{}
	closed   bool
}

var _ memory.Store = (*Store)(nil)

// New opens a store. The embedder computes embeddings for Put calls that
// bring none.
func New(embedder memory.Embedder, cfg Config, opts ...Option) (*Store, error) {
	if cfg.Collection == "" {
		cfg.Collection = "memories"
	}

	s := &Store{
		embedder: embedder,
		log:      logging.Default(),
		records:  make(map[string]*memory.Record),
		refsIn:   make(map[string]map[string]struct{}),
		entities: make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.Path == "" {
		s.db = chromem.NewDB()
	} else {
		db, err := chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to open chromem database", goerr.V("path", cfg.Path))
		}
		s.db = db
	}

	// We always provide embeddings, so no embedding func.
	col, err := s.db.GetOrCreateCollection(cfg.Collection, nil, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create collection", goerr.V("collection", cfg.Collection))
	}
	s.col = col

	if err := s.load(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// load reads persisted documents back into the in-memory mirror. chromem
// has no listing call, so it queries every document against a unit vector.
func (s *Store) load(ctx context.Context) error {
	n := s.col.Count()
	if n == 0 {
		return nil
	}
	if s.embedder == nil {
		return goerr.New("embedder required to load persisted memories")
	}

	unit := make([]float32, s.embedder.Dimensions())
	unit[0] = 1
	results, err := s.col.QueryEmbedding(ctx, unit, n, nil, nil)
	if err != nil {
		return goerr.Wrap(err, "failed to load persisted memories")
	}

	for _, res := range results {
		rec, err := decode(res.ID, res.Content, res.Embedding)
		if err != nil {
			s.log.Warn("skipping unreadable memory document", "id", res.ID, "error", err)
			continue
		}
		s.records[rec.ID] = rec
		s.index(rec)
	}
	s.log.Info("loaded memories", "count", len(s.records))
	return nil
}

// Put inserts or overwrites a record, embedding its content first when needed.
func (s *Store) Put(ctx context.Context, rec *memory.Record) error {
	next := rec.Clone()
	if err := next.Normalize(); err != nil {
		return err
	}

	s.mu.RLock()
	prev := s.records[next.ID]
	s.mu.RUnlock()

	if err := memory.EnsureEmbedding(ctx, s.embedder, prev, next); err != nil {
		return err
	}
	return s.Update(ctx, func(tx memory.Tx) error {
		return tx.Put(next)
	})
}

// Get returns a copy of the record.
func (s *Store) Get(ctx context.Context, id string) (*memory.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, memory.ErrClosed
	}
	rec, ok := s.records[id]
	if !ok {
		return nil, memory.NotFound(id)
	}
	return rec.Clone(), nil
}

// Delete removes a record and every triple naming it.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.Update(ctx, func(tx memory.Tx) error {
		return tx.Delete(id)
	})
}

// Scan yields matching records ordered by id. Records deleted during the
// scan are skipped.
func (s *Store) Scan(ctx context.Context, filter memory.Filter) iter.Seq2[*memory.Record, error] {
	return func(yield func(*memory.Record, error) bool) {
		s.mu.RLock()
		if s.closed {
			s.mu.RUnlock()
			yield(nil, memory.ErrClosed)
			return
		}
		ids := make([]string, 0, len(s.records))
		for id := range s.records {
			ids = append(ids, id)
		}
		s.mu.RUnlock()
		slices.Sort(ids)

		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			s.mu.RLock()
			rec, ok := s.records[id]
			if ok {
				rec = rec.Clone()
			}
			s.mu.RUnlock()
			if !ok || !filter.Match(rec) {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// Nearest returns up to k records by cosine similarity. chromem only
// returns the top n, so the pool is widened until the record at the cut is
// strictly less similar than the k-th; ties there are then resolved by
// memory.SortNeighbors rather than by collection order.
func (s *Store) Nearest(ctx context.Context, embedding []float32, k int) ([]memory.Neighbor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, memory.ErrClosed
	}
	if k <= 0 || len(s.records) == 0 {
		return nil, nil
	}

	var hits []memory.Neighbor
	for n := min(len(s.records), 2*k); ; n = min(len(s.records), 2*n) {
		results, err := s.col.QueryEmbedding(ctx, embedding, n, nil, nil)
		if err != nil {
			return nil, goerr.Wrap(err, "chromem query failed", goerr.V("n", n))
		}

		hits = make([]memory.Neighbor, 0, len(results))
		for _, res := range results {
			rec, ok := s.records[res.ID]
			if !ok {
				continue
			}
			hits = append(hits, memory.Neighbor{
				Record:     rec,
				Similarity: memory.Cosine(embedding, rec.Embedding),
			})
		}
		memory.SortNeighbors(hits)
		if n >= len(s.records) || len(hits) <= k ||
			hits[len(hits)-1].Similarity < hits[k-1].Similarity-tieTolerance {
			break
		}
	}

	if len(hits) > k {
		hits = hits[:k]
	}
	for i := range hits {
		hits[i].Record = hits[i].Record.Clone()
	}
	return hits, nil
}

// RelatedTo walks triples in both directions. A record reference is one hop,
// and records naming the same free-text entity are one hop apart.
func (s *Store) RelatedTo(ctx context.Context, id string, depth int) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, memory.ErrClosed
	}
	if _, ok := s.records[id]; !ok {
		return nil, memory.NotFound(id)
	}
	return memory.Traverse(id, depth, func(id string) ([]string, error) {
		return s.adjacent(id), nil
	})
}

// adjacent lists direct graph neighbours of id. Callers hold mu.
func (s *Store) adjacent(id string) []string {
	rec, ok := s.records[id]
	if !ok {
		return nil
	}
	var out []string
	for _, t := range rec.Relations {
		if t.ObjectRef {
			if _, ok := s.records[t.Object]; ok {
				out = append(out, t.Object)
			}
			continue
		}
		for sub := range s.entities[memory.EntityKey(t.Object)] {
			if sub != id {
				out = append(out, sub)
			}
		}
	}
	for sub := range s.refsIn[id] {
		out = append(out, sub)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Len returns the number of records.
func (s *Store) Len(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, memory.ErrClosed
	}
	return len(s.records), nil
}

// Update runs fn as a single-writer batch.
func (s *Store) Update(ctx context.Context, fn func(memory.Tx) error) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.run(ctx, fn)
}

// TryUpdate runs fn only if no other writer is active.
func (s *Store) TryUpdate(ctx context.Context, fn func(memory.Tx) error) (bool, error) {
	if !s.wmu.TryLock() {
		return false, nil
	}
	defer s.wmu.Unlock()
	return true, s.run(ctx, fn)
}

func (s *Store) run(ctx context.Context, fn func(memory.Tx) error) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return memory.ErrClosed
	}

	t := &tx{s: s, staged: make(map[string]*memory.Record)}
	if err := fn(t); err != nil {
		return err
	}
	return s.commit(ctx, t)
}

// Close marks the store closed. chromem writes through on every change,
// so there is nothing to flush.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// commit applies the staged writes. Callers hold wmu, so s.records only
// changes here.
func (s *Store) commit(ctx context.Context, t *tx) error {
	if len(t.staged) == 0 {
		return nil
	}

	// Cascade deletes into the records referencing them.
	for id, rec := range t.staged {
		if rec != nil {
			continue
		}
		for sub := range s.refsIn[id] {
			if _, staged := t.staged[sub]; !staged {
				t.staged[sub] = s.records[sub].Clone()
			}
		}
	}
	for _, rec := range t.staged {
		if rec == nil {
			continue
		}
		for _, tr := range slices.Clone(rec.Relations) {
			if tr.ObjectRef && !t.exists(tr.Object) {
				rec.Unlink(tr.Object)
			}
		}
	}

	ids := make([]string, 0, len(t.staged))
	for id := range t.staged {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	s.mu.Lock()
	defer s.mu.Unlock()

	var written []string
	for _, id := range ids {
		var err error
		if rec := t.staged[id]; rec != nil {
			err = s.write(ctx, rec)
		} else if _, ok := s.records[id]; ok {
			err = s.col.Delete(ctx, nil, nil, id)
		}
		if err != nil {
			s.rollback(ctx, written)
			return goerr.Wrap(err, "failed to commit memory batch", goerr.V("id", id))
		}
		written = append(written, id)
	}

	for _, id := range ids {
		if old, ok := s.records[id]; ok {
			s.unindex(old)
			delete(s.records, id)
		}
		if rec := t.staged[id]; rec != nil {
			s.records[id] = rec
			s.index(rec)
		} else {
			delete(s.refsIn, id)
		}
	}
	s.log.Debug("committed memory batch", "writes", len(ids))
	return nil
}

// rollback restores the committed version of ids in the collection.
func (s *Store) rollback(ctx context.Context, ids []string) {
	for _, id := range ids {
		var err error
		if old, ok := s.records[id]; ok {
			err = s.write(ctx, old)
		} else {
			err = s.col.Delete(ctx, nil, nil, id)
		}
		if err != nil {
			s.log.Error("failed to roll back memory document", "id", id, "error", err)
		}
	}
}

func (s *Store) write(ctx context.Context, rec *memory.Record) error {
	content, err := json.Marshal(rec)
	if err != nil {
		return goerr.Wrap(err, "failed to marshal memory")
	}
	return s.col.AddDocument(ctx, chromem.Document{
		ID:        rec.ID,
		Content:   string(content),
		Embedding: rec.Embedding,
		Metadata: map[string]string{
			"tier":   string(rec.Tier),
			"source": rec.Source,
		},
	})
}

func (s *Store) index(rec *memory.Record) {
	for _, t := range rec.Relations {
		m, key := s.refsIn, t.Object
		if !t.ObjectRef {
			m, key = s.entities, memory.EntityKey(t.Object)
		}
		if m[key] == nil {
			m[key] = make(map[string]struct{})
		}
		m[key][rec.ID] = struct{}{}
	}
}

func (s *Store) unindex(rec *memory.Record) {
	for _, t := range rec.Relations {
		m, key := s.refsIn, t.Object
		if !t.ObjectRef {
			m, key = s.entities, memory.EntityKey(t.Object)
		}
		delete(m[key], rec.ID)
		if len(m[key]) == 0 {
			delete(m, key)
		}
	}
}

func decode(id, content string, embedding []float32) (*memory.Record, error) {
	var rec memory.Record
	if err := json.Unmarshal([]byte(content), &rec); err != nil {
		return nil, goerr.Wrap(err, "failed to unmarshal memory", goerr.V("id", id))
	}
	if rec.ID != id {
		return nil, goerr.New("document id does not match record", goerr.V("id", id))
	}
	rec.Embedding = embedding
	return &rec, nil
}

// tx stages writes over the committed records. A nil entry is a delete.
type tx struct {
	s      *Store
	staged map[string]*memory.Record
}

func (t *tx) exists(id string) bool {
	if rec, ok := t.staged[id]; ok {
		return rec != nil
	}
	_, ok := t.s.records[id]
	return ok
}

func (t *tx) Get(id string) (*memory.Record, error) {
	if rec, ok := t.staged[id]; ok {
		if rec == nil {
			return nil, memory.NotFound(id)
		}
		return rec.Clone(), nil
	}
	rec, ok := t.s.records[id]
	if !ok {
		return nil, memory.NotFound(id)
	}
	return rec.Clone(), nil
}

func (t *tx) Put(rec *memory.Record) error {
	next := rec.Clone()
	if err := next.Normalize(); err != nil {
		return err
	}
	if err := checkEmbedding(next, t.s.embedder); err != nil {
		return err
	}
	for _, tr := range slices.Clone(next.Relations) {
		if tr.ObjectRef && !t.exists(tr.Object) {
			t.s.log.Debug("dropping relation to missing record", "id", next.ID, "object", tr.Object)
			next.Unlink(tr.Object)
		}
	}
	t.staged[next.ID] = next
	return nil
}

func (t *tx) Delete(id string) error {
	if !t.exists(id) {
		return nil
	}
	t.staged[id] = nil
	return nil
}

func checkEmbedding(rec *memory.Record, embedder memory.Embedder) error {
	if len(rec.Embedding) == 0 {
		return goerr.Wrap(memory.ErrValidation, "record has no embedding", goerr.V("id", rec.ID))
	}
	if embedder != nil && embedder.Dimensions() > 0 && len(rec.Embedding) != embedder.Dimensions() {
		return goerr.Wrap(memory.ErrValidation, "embedding has wrong dimensions",
			goerr.V("id", rec.ID), goerr.V("got", len(rec.Embedding)), goerr.V("want", embedder.Dimensions()))
	}
	var norm float32
	for _, v := range rec.Embedding {
		norm += v * v
	}
	if norm == 0 || norm != norm {
		return goerr.Wrap(memory.ErrValidation, "embedding is zero", goerr.V("id", rec.ID))
	}
	return nil
}
