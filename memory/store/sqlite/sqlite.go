// Package sqlite implements memory.Store on SQLite. Nearest neighbour search
// is a brute-force cosine scan, which suits the store sizes decay keeps.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"iter"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/m-mizutani/goerr/v2"

	"github.com/becomeliminal/nim-memory/logging"
	"github.com/becomeliminal/nim-memory/memory"
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// Store persists records and triples in two tables.
type Store struct {
	db       *sql.DB
	embedder memory.Embedder
	log      *slog.Logger

	// wmu serializes writers.
	wmu    sync.Mutex
	closed atomic.Bool
}

var _ memory.Store = (*Store)(nil)

// New opens (or creates) the database at path. ":memory:" keeps it in memory.
func New(path string, embedder memory.Embedder, opts ...Option) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, goerr.Wrap(err, "failed to create directory", goerr.V("path", path))
		}
		dsn = "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open memory database", goerr.V("path", path))
	}
	// One connection keeps ":memory:" a single database and makes every
	// reader observe whole batches.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, embedder: embedder, log: logging.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, goerr.Wrap(err, "failed to migrate memory database")
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		tier TEXT NOT NULL,
		embedding BLOB NOT NULL,
		importance REAL NOT NULL,
		created_at INTEGER NOT NULL,
		last_accessed_at INTEGER NOT NULL,
		access_count INTEGER NOT NULL DEFAULT 0,
		source TEXT NOT NULL DEFAULT '',
		decayed_at INTEGER NOT NULL DEFAULT 0,
		boosted_at INTEGER NOT NULL DEFAULT 0,
		daily_boost REAL NOT NULL DEFAULT 0,
		promotion_rejected INTEGER NOT NULL DEFAULT 0,
		spared_until INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_memories_tier ON memories(tier);

	CREATE TABLE IF NOT EXISTS triples (
		subject TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
		predicate TEXT NOT NULL,
		object TEXT NOT NULL,
		object_key TEXT NOT NULL,
		object_ref INTEGER NOT NULL DEFAULT 0,
		position INTEGER NOT NULL,
		PRIMARY KEY (subject, predicate, object_key, object_ref)
	);

	CREATE INDEX IF NOT EXISTS idx_triples_object ON triples(object_key, object_ref);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return s.addColumns(map[string]string{
		"daily_boost":        "REAL NOT NULL DEFAULT 0",
		"promotion_rejected": "INTEGER NOT NULL DEFAULT 0",
		"spared_until":       "INTEGER NOT NULL DEFAULT 0",
	})
}

// addColumns brings databases created before a column existed up to date.
func (s *Store) addColumns(cols map[string]string) error {
	rows, err := s.db.Query(`SELECT name FROM pragma_table_info('memories')`)
	if err != nil {
		return err
	}
	have := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		have[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	names := make([]string, 0, len(cols))
	for name := range cols {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if have[name] {
			continue
		}
		if _, err := s.db.Exec(`ALTER TABLE memories ADD COLUMN ` + name + ` ` + cols[name]); err != nil {
			return goerr.Wrap(err, "failed to add column", goerr.V("column", name))
		}
		s.log.Info("migrated memory database", "column", name)
	}
	return nil
}

// querier is what reads need from *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const selectRecord = `SELECT id, content, tier, embedding, importance, created_at, last_accessed_at,
	access_count, source, decayed_at, boosted_at, daily_boost, promotion_rejected, spared_until FROM memories`

// Put inserts or overwrites a record, embedding its content first when needed.
func (s *Store) Put(ctx context.Context, rec *memory.Record) error {
	next := rec.Clone()
	if err := next.Normalize(); err != nil {
		return err
	}
	prev, err := s.Get(ctx, next.ID)
	if err != nil && !errors.Is(err, memory.ErrNotFound) {
		return err
	}
	if err := memory.EnsureEmbedding(ctx, s.embedder, prev, next); err != nil {
		return err
	}
	return s.Update(ctx, func(tx memory.Tx) error {
		return tx.Put(next)
	})
}

// Get returns the record.
func (s *Store) Get(ctx context.Context, id string) (*memory.Record, error) {
	if s.closed.Load() {
		return nil, memory.ErrClosed
	}
	return getRecord(ctx, s.db, id)
}

// Delete removes the record and every triple naming it.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.Update(ctx, func(tx memory.Tx) error {
		return tx.Delete(id)
	})
}

// Scan yields matching records ordered by id, loading each record lazily.
func (s *Store) Scan(ctx context.Context, filter memory.Filter) iter.Seq2[*memory.Record, error] {
	return func(yield func(*memory.Record, error) bool) {
		if s.closed.Load() {
			yield(nil, memory.ErrClosed)
			return
		}
		ids, err := s.ids(ctx)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, id := range ids {
			rec, err := s.Get(ctx, id)
			if errors.Is(err, memory.ErrNotFound) {
				continue
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !filter.Match(rec) {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (s *Store) ids(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM memories ORDER BY id`)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list memories")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, goerr.Wrap(err, "failed to scan memory id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Nearest scores every record by cosine similarity.
func (s *Store) Nearest(ctx context.Context, embedding []float32, k int) ([]memory.Neighbor, error) {
	if s.closed.Load() {
		return nil, memory.ErrClosed
	}
	if k <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, selectRecord)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query memories")
	}
	var hits []memory.Neighbor
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		hits = append(hits, memory.Neighbor{Record: rec, Similarity: memory.Cosine(embedding, rec.Embedding)})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to read memories")
	}

	for i := range hits {
		rels, err := loadTriples(ctx, s.db, hits[i].Record.ID)
		if err != nil {
			return nil, err
		}
		hits[i].Record.Relations = rels
	}
	memory.SortNeighbors(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// RelatedTo walks triples in both directions. A record reference is one hop,
// and records naming the same free-text entity are one hop apart.
func (s *Store) RelatedTo(ctx context.Context, id string, depth int) (map[string]int, error) {
	if s.closed.Load() {
		return nil, memory.ErrClosed
	}
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM memories WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, memory.NotFound(id)
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to look up memory", goerr.V("id", id))
	}

	return memory.Traverse(id, depth, func(id string) ([]string, error) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT object FROM triples WHERE subject = ?1 AND object_ref = 1
				AND object IN (SELECT id FROM memories)
			UNION
			SELECT subject FROM triples WHERE object = ?1 AND object_ref = 1
			UNION
			SELECT b.subject FROM triples a JOIN triples b
				ON a.object_key = b.object_key AND b.object_ref = 0
				WHERE a.subject = ?1 AND a.object_ref = 0 AND b.subject <> ?1
			ORDER BY 1
		`, id)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to query relations", goerr.V("id", id))
		}
		defer rows.Close()

		var out []string
		for rows.Next() {
			var n string
			if err := rows.Scan(&n); err != nil {
				return nil, goerr.Wrap(err, "failed to scan relation")
			}
			out = append(out, n)
		}
		return out, rows.Err()
	})
}

// Len returns the number of records.
func (s *Store) Len(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, memory.ErrClosed
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&n); err != nil {
		return 0, goerr.Wrap(err, "failed to count memories")
	}
	return n, nil
}

// Update runs fn inside one SQL transaction.
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
	if s.closed.Load() {
		return memory.ErrClosed
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "failed to begin memory batch")
	}
	t := &tx{ctx: ctx, tx: sqlTx, embedder: s.embedder, log: s.log}
	if err := fn(t); err != nil {
		sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return goerr.Wrap(err, "failed to commit memory batch")
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.closed.Store(true)
	return s.db.Close()
}

type tx struct {
	ctx      context.Context
	tx       *sql.Tx
	embedder memory.Embedder
	log      *slog.Logger
}

func (t *tx) Get(id string) (*memory.Record, error) {
	return getRecord(t.ctx, t.tx, id)
}

func (t *tx) Put(rec *memory.Record) error {
	next := rec.Clone()
	if err := next.Normalize(); err != nil {
		return err
	}
	if len(next.Embedding) == 0 {
		return goerr.Wrap(memory.ErrValidation, "record has no embedding", goerr.V("id", next.ID))
	}
	if t.embedder != nil && t.embedder.Dimensions() > 0 && len(next.Embedding) != t.embedder.Dimensions() {
		return goerr.Wrap(memory.ErrValidation, "embedding has wrong dimensions",
			goerr.V("id", next.ID), goerr.V("got", len(next.Embedding)))
	}

	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO memories (id, content, tier, embedding, importance, created_at, last_accessed_at,
			access_count, source, decayed_at, boosted_at, daily_boost, promotion_rejected, spared_until)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			tier = excluded.tier,
			embedding = excluded.embedding,
			importance = excluded.importance,
			created_at = excluded.created_at,
			last_accessed_at = excluded.last_accessed_at,
			access_count = excluded.access_count,
			source = excluded.source,
			decayed_at = excluded.decayed_at,
			boosted_at = excluded.boosted_at,
			daily_boost = excluded.daily_boost,
			promotion_rejected = excluded.promotion_rejected,
			spared_until = excluded.spared_until
	`, next.ID, next.Content, string(next.Tier), encodeVector(next.Embedding), next.Importance,
		unixNano(next.CreatedAt), unixNano(next.LastAccessedAt), next.AccessCount, next.Source,
		unixNano(next.DecayedAt), unixNano(next.BoostedAt), next.DailyBoost, next.PromotionRejected,
		unixNano(next.SparedUntil))
	if err != nil {
		return goerr.Wrap(err, "failed to write memory", goerr.V("id", next.ID))
	}

	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM triples WHERE subject = ?`, next.ID); err != nil {
		return goerr.Wrap(err, "failed to clear relations", goerr.V("id", next.ID))
	}
	for i, tr := range next.Relations {
		if tr.ObjectRef {
			if _, err := t.Get(tr.Object); errors.Is(err, memory.ErrNotFound) {
				t.log.Debug("dropping relation to missing record", "id", next.ID, "object", tr.Object)
				continue
			} else if err != nil {
				return err
			}
		}
		_, err := t.tx.ExecContext(t.ctx, `
			INSERT OR IGNORE INTO triples (subject, predicate, object, object_key, object_ref, position)
			VALUES (?, ?, ?, ?, ?, ?)
		`, next.ID, tr.Predicate, tr.Object, memory.EntityKey(tr.Object), tr.ObjectRef, i)
		if err != nil {
			return goerr.Wrap(err, "failed to write relation", goerr.V("id", next.ID))
		}
	}
	return nil
}

func (t *tx) Delete(id string) error {
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM triples WHERE subject = ?1 OR (object = ?1 AND object_ref = 1)`, id); err != nil {
		return goerr.Wrap(err, "failed to delete relations", goerr.V("id", id))
	}
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM memories WHERE id = ?`, id); err != nil {
		return goerr.Wrap(err, "failed to delete memory", goerr.V("id", id))
	}
	return nil
}

func getRecord(ctx context.Context, q querier, id string) (*memory.Record, error) {
	rows, err := q.QueryContext(ctx, selectRecord+` WHERE id = ?`, id)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query memory", goerr.V("id", id))
	}
	if !rows.Next() {
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, goerr.Wrap(err, "failed to query memory", goerr.V("id", id))
		}
		return nil, memory.NotFound(id)
	}
	rec, err := scanRecord(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if rec.Relations, err = loadTriples(ctx, q, id); err != nil {
		return nil, err
	}
	return rec, nil
}

func loadTriples(ctx context.Context, q querier, id string) ([]memory.Triple, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT predicate, object, object_ref FROM triples WHERE subject = ? ORDER BY position
	`, id)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query relations", goerr.V("id", id))
	}
	defer rows.Close()

	var out []memory.Triple
	for rows.Next() {
		t := memory.Triple{Subject: id}
		if err := rows.Scan(&t.Predicate, &t.Object, &t.ObjectRef); err != nil {
			return nil, goerr.Wrap(err, "failed to scan relation")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanRecord(rows *sql.Rows) (*memory.Record, error) {
	var (
		rec                                         memory.Record
		tier                                        string
		blob                                        []byte
		created, accessed, decayed, boosted, spared int64
	)
	err := rows.Scan(&rec.ID, &rec.Content, &tier, &blob, &rec.Importance, &created, &accessed,
		&rec.AccessCount, &rec.Source, &decayed, &boosted, &rec.DailyBoost, &rec.PromotionRejected, &spared)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to scan memory")
	}
	rec.Tier = memory.Tier(tier)
	rec.Embedding = decodeVector(blob)
	rec.CreatedAt = fromUnixNano(created)
	rec.LastAccessedAt = fromUnixNano(accessed)
	rec.DecayedAt = fromUnixNano(decayed)
	rec.BoostedAt = fromUnixNano(boosted)
	rec.SparedUntil = fromUnixNano(spared)
	return &rec, nil
}

// Embeddings are stored as little-endian float32.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
