// Package storetest is a conformance suite for memory.Store implementations.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-memory/memory"
	"github.com/becomeliminal/nim-memory/memory/embedder/mock"
)

// Factory opens an empty store backed by embedder.
type Factory func(t *testing.T, embedder memory.Embedder) memory.Store

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Run exercises every Store contract against stores from factory.
func Run(t *testing.T, factory Factory) {
	tests := map[string]func(*testing.T, Factory){
		"PutGet":               testPutGet,
		"PutValidation":        testPutValidation,
		"PutReembeds":          testPutReembeds,
		"DeleteIdempotent":     testDeleteIdempotent,
		"DeleteCascades":       testDeleteCascades,
		"ScanFilter":           testScanFilter,
		"ScanRestartable":      testScanRestartable,
		"NearestOrdering":      testNearestOrdering,
		"NearestTies":          testNearestTies,
		"RelatedTo":            testRelatedTo,
		"UpdateAtomic":         testUpdateAtomic,
		"UpdateSeesStaged":     testUpdateSeesStaged,
		"TryUpdateBusy":        testTryUpdateBusy,
		"DanglingRefsDropped":  testDanglingRefsDropped,
		"ReturnedRecordsCopy":  testReturnedRecordsCopy,
		"ConcurrentReadWrite":  testConcurrentReadWrite,
		"UseAfterClose":        testUseAfterClose,
	}
	for name, fn := range tests {
		t.Run(name, func(t *testing.T) { fn(t, factory) })
	}
}

func newRecord(t *testing.T, e memory.Embedder, id, content string, tier memory.Tier, importance float64) *memory.Record {
	t.Helper()
	vec, err := e.Embed(context.Background(), content)
	require.NoError(t, err)
	return &memory.Record{
		ID:             id,
		Content:        content,
		Tier:           tier,
		Embedding:      vec,
		Importance:     importance,
		CreatedAt:      epoch,
		LastAccessedAt: epoch,
		Source:         "conversation",
	}
}

func testPutGet(t *testing.T, factory Factory) {
	ctx := context.Background()
	e := mock.New()
	s := factory(t, e)

	rec := newRecord(t, e, "mem_a", "主人叫小明", memory.TierCore, 1.7)
	rec.Relations = []memory.Triple{{Predicate: "name", Object: "小明"}}
	rec.BoostedAt, rec.DailyBoost = epoch, 0.2
	rec.PromotionRejected = true
	rec.SparedUntil = epoch.Add(24 * time.Hour)
	require.NoError(t, s.Put(ctx, rec))

	got, err := s.Get(ctx, "mem_a")
	require.NoError(t, err)
	assert.Equal(t, "主人叫小明", got.Content)
	assert.Equal(t, memory.TierCore, got.Tier)
	assert.Equal(t, 1.0, got.Importance, "importance is clamped")
	assert.True(t, got.CreatedAt.Equal(epoch))
	assert.Equal(t, "conversation", got.Source)
	require.Len(t, got.Relations, 1)
	assert.Equal(t, memory.Triple{Subject: "mem_a", Predicate: "name", Object: "小明"}, got.Relations[0])
	assert.Len(t, got.Embedding, e.Dimensions())
	assert.True(t, got.BoostedAt.Equal(epoch))
	assert.Equal(t, 0.2, got.DailyBoost)
	assert.True(t, got.PromotionRejected)
	assert.True(t, got.SparedUntil.Equal(epoch.Add(24*time.Hour)))

	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(ctx, "mem_missing")
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func testPutValidation(t *testing.T, factory Factory) {
	ctx := context.Background()
	e := mock.New()
	s := factory(t, e)

	empty := newRecord(t, e, "mem_a", "x", memory.TierSemantic, 0.5)
	empty.Content = "   "
	assert.ErrorIs(t, s.Put(ctx, empty), memory.ErrValidation)

	badTier := newRecord(t, e, "mem_b", "x", "Not A Tier", 0.5)
	assert.ErrorIs(t, s.Put(ctx, badTier), memory.ErrValidation)

	// New tiers need no migration.
	custom := newRecord(t, e, "mem_c", "在做一个项目", "project", 0.5)
	require.NoError(t, s.Put(ctx, custom))
	got, err := s.Get(ctx, "mem_c")
	require.NoError(t, err)
	assert.Equal(t, memory.Tier("project"), got.Tier)
}

func testPutReembeds(t *testing.T, factory Factory) {
	ctx := context.Background()
	e := mock.New()
	s := factory(t, e)

	rec := newRecord(t, e, "mem_a", "主人喜欢寿司", memory.TierSemantic, 0.5)
	rec.Embedding = nil
	require.NoError(t, s.Put(ctx, rec), "missing embedding is computed")

	got, err := s.Get(ctx, "mem_a")
	require.NoError(t, err)
	want, _ := e.Embed(ctx, "主人喜欢寿司")
	assert.InDelta(t, 1.0, memory.Cosine(want, got.Embedding), 1e-6)

	got.Content = "主人喜欢拉面"
	require.NoError(t, s.Put(ctx, got), "stale embedding is recomputed")

	again, err := s.Get(ctx, "mem_a")
	require.NoError(t, err)
	want, _ = e.Embed(ctx, "主人喜欢拉面")
	assert.InDelta(t, 1.0, memory.Cosine(want, again.Embedding), 1e-6)
}

func testDeleteIdempotent(t *testing.T, factory Factory) {
	ctx := context.Background()
	e := mock.New()
	s := factory(t, e)

	require.NoError(t, s.Put(ctx, newRecord(t, e, "mem_a", "x", memory.TierSemantic, 0.5)))
	require.NoError(t, s.Delete(ctx, "mem_a"))
	_, err := s.Get(ctx, "mem_a")
	assert.ErrorIs(t, err, memory.ErrNotFound)

	assert.NoError(t, s.Delete(ctx, "mem_a"))
	assert.NoError(t, s.Delete(ctx, "mem_never"))
}

func testDeleteCascades(t *testing.T, factory Factory) {
	ctx := context.Background()
	e := mock.New()
	s := factory(t, e)

	require.NoError(t, s.Put(ctx, newRecord(t, e, "mem_a", "主人的猫叫咪咪", memory.TierSemantic, 0.5)))
	b := newRecord(t, e, "mem_b", "咪咪喜欢鱼", memory.TierSemantic, 0.5)
	b.Relations = []memory.Triple{
		{Predicate: "about", Object: "mem_a", ObjectRef: true},
		{Predicate: "likes", Object: "鱼"},
	}
	require.NoError(t, s.Put(ctx, b))

	related, err := s.RelatedTo(ctx, "mem_a", 1)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"mem_b": 1}, related)

	require.NoError(t, s.Delete(ctx, "mem_a"))

	got, err := s.Get(ctx, "mem_b")
	require.NoError(t, err)
	assert.Equal(t, []memory.Triple{{Subject: "mem_b", Predicate: "likes", Object: "鱼"}}, got.Relations)

	related, err = s.RelatedTo(ctx, "mem_b", 2)
	require.NoError(t, err)
	assert.Empty(t, related)
}

func testScanFilter(t *testing.T, factory Factory) {
	ctx := context.Background()
	e := mock.New()
	s := factory(t, e)

	for _, r := range []*memory.Record{
		newRecord(t, e, "mem_1", "a", memory.TierCore, 0.9),
		newRecord(t, e, "mem_2", "b", memory.TierSemantic, 0.4),
		newRecord(t, e, "mem_3", "c", memory.TierEpisodic, 0.2),
	} {
		require.NoError(t, s.Put(ctx, r))
	}

	ids := func(f memory.Filter) []string {
		var out []string
		for rec, err := range s.Scan(ctx, f) {
			require.NoError(t, err)
			out = append(out, rec.ID)
		}
		return out
	}

	assert.Equal(t, []string{"mem_1", "mem_2", "mem_3"}, ids(memory.Filter{}))
	assert.Equal(t, []string{"mem_2", "mem_3"}, ids(memory.Filter{ExcludeTiers: []memory.Tier{memory.TierCore}}))
	assert.Equal(t, []string{"mem_1"}, ids(memory.Filter{Tiers: []memory.Tier{memory.TierCore}}))
	assert.Equal(t, []string{"mem_1", "mem_2"}, ids(memory.Filter{MinImportance: 0.3}))
	assert.Equal(t, []string{"mem_2", "mem_3"}, ids(memory.Filter{MaxImportance: 0.5}))
	assert.Empty(t, ids(memory.Filter{CreatedAfter: epoch}))
}

func testScanRestartable(t *testing.T, factory Factory) {
	ctx := context.Background()
	e := mock.New()
	s := factory(t, e)
	require.NoError(t, s.Put(ctx, newRecord(t, e, "mem_1", "a", memory.TierSemantic, 0.5)))
	require.NoError(t, s.Put(ctx, newRecord(t, e, "mem_2", "b", memory.TierSemantic, 0.5)))

	seq := s.Scan(ctx, memory.Filter{})
	count := func() int {
		n := 0
		for _, err := range seq {
			require.NoError(t, err)
			n++
		}
		return n
	}
	assert.Equal(t, 2, count())

	require.NoError(t, s.Put(ctx, newRecord(t, e, "mem_3", "c", memory.TierSemantic, 0.5)))
	assert.Equal(t, 3, count(), "each range starts a fresh scan")

	// Stopping early is fine.
	for range seq {
		break
	}
}

func testNearestOrdering(t *testing.T, factory Factory) {
	ctx := context.Background()
	e := mock.NewWithDimensions(1024)
	s := factory(t, e)

	require.NoError(t, s.Put(ctx, newRecord(t, e, "mem_1", "主人喜欢寿司", memory.TierSemantic, 0.5)))
	require.NoError(t, s.Put(ctx, newRecord(t, e, "mem_2", "今天下雨了", memory.TierEpisodic, 0.5)))
	require.NoError(t, s.Put(ctx, newRecord(t, e, "mem_3", "主人喜欢拉面", memory.TierSemantic, 0.5)))

	q, _ := e.Embed(ctx, "主人喜欢拉面")
	hits, err := s.Nearest(ctx, q, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "mem_3", hits[0].Record.ID)
	assert.Equal(t, "mem_1", hits[1].Record.ID)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-6)
	assert.Greater(t, hits[0].Similarity, hits[1].Similarity)

	all, err := s.Nearest(ctx, q, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3, "k beyond the store size returns everything")

	empty := factory(t, e)
	none, err := empty.Nearest(ctx, q, 3)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testNearestTies(t *testing.T, factory Factory) {
	ctx := context.Background()
	e := mock.New()
	s := factory(t, e)

	low := newRecord(t, e, "mem_c", "same text", memory.TierSemantic, 0.3)
	older := newRecord(t, e, "mem_b", "same text", memory.TierSemantic, 0.6)
	newer := newRecord(t, e, "mem_z", "same text", memory.TierSemantic, 0.6)
	newer.CreatedAt, newer.LastAccessedAt = epoch.Add(time.Hour), epoch.Add(time.Hour)
	twin := newRecord(t, e, "mem_a", "same text", memory.TierSemantic, 0.6)
	for _, r := range []*memory.Record{low, older, newer, twin} {
		require.NoError(t, s.Put(ctx, r))
	}

	q, _ := e.Embed(ctx, "same text")
	for range 3 {
		hits, err := s.Nearest(ctx, q, 4)
		require.NoError(t, err)
		var ids []string
		for _, h := range hits {
			ids = append(ids, h.Record.ID)
		}
		assert.Equal(t, []string{"mem_z", "mem_a", "mem_b", "mem_c"}, ids)
	}

	// Many more tied records than the query pool: the most important wins
	// every time, whatever order the backend keeps them in.
	for i := range 12 {
		r := newRecord(t, e, fmt.Sprintf("mem_t%02d", i), "same text", memory.TierSemantic, 0.62+0.03*float64(i))
		require.NoError(t, s.Put(ctx, r))
	}
	for range 20 {
		hits, err := s.Nearest(ctx, q, 1)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "mem_t11", hits[0].Record.ID)
	}
	var first []string
	for range 20 {
		hits, err := s.Nearest(ctx, q, 2)
		require.NoError(t, err)
		ids := []string{hits[0].Record.ID, hits[1].Record.ID}
		if first == nil {
			first = ids
		}
		assert.Equal(t, first, ids)
	}
	assert.Equal(t, []string{"mem_t11", "mem_t10"}, first)
}

func testRelatedTo(t *testing.T, factory Factory) {
	ctx := context.Background()
	e := mock.New()
	s := factory(t, e)

	// a -> b by reference, b and c share the entity "东京", c -> d by reference.
	require.NoError(t, s.Put(ctx, newRecord(t, e, "mem_b", "主人住在东京", memory.TierCore, 0.9)))
	a := newRecord(t, e, "mem_a", "主人的工作", memory.TierSemantic, 0.5)
	a.Relations = []memory.Triple{{Predicate: "near", Object: "mem_b", ObjectRef: true}}
	require.NoError(t, s.Put(ctx, a))
	b, err := s.Get(ctx, "mem_b")
	require.NoError(t, err)
	b.Relate("lives_in", "东京", false)
	require.NoError(t, s.Put(ctx, b))
	require.NoError(t, s.Put(ctx, newRecord(t, e, "mem_d", "新宿", memory.TierSemantic, 0.5)))
	c := newRecord(t, e, "mem_c", "东京塔很高", memory.TierEpisodic, 0.5)
	c.Relations = []memory.Triple{
		{Predicate: "located_in", Object: " 东京 "},
		{Predicate: "near", Object: "mem_d", ObjectRef: true},
	}
	require.NoError(t, s.Put(ctx, c))

	one, err := s.RelatedTo(ctx, "mem_a", 1)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"mem_b": 1}, one)

	three, err := s.RelatedTo(ctx, "mem_a", 3)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"mem_b": 1, "mem_c": 2, "mem_d": 3}, three)

	fromB, err := s.RelatedTo(ctx, "mem_b", 1)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"mem_a": 1, "mem_c": 1}, fromB)

	zero, err := s.RelatedTo(ctx, "mem_a", 0)
	require.NoError(t, err)
	assert.Empty(t, zero)

	_, err = s.RelatedTo(ctx, "mem_missing", 1)
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func testUpdateAtomic(t *testing.T, factory Factory) {
	ctx := context.Background()
	e := mock.New()
	s := factory(t, e)
	require.NoError(t, s.Put(ctx, newRecord(t, e, "mem_a", "a", memory.TierSemantic, 0.5)))

	boom := errors.New("boom")
	err := s.Update(ctx, func(tx memory.Tx) error {
		require.NoError(t, tx.Put(newRecord(t, e, "mem_b", "b", memory.TierSemantic, 0.5)))
		require.NoError(t, tx.Delete("mem_a"))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.Get(ctx, "mem_a")
	assert.NoError(t, err, "failed batch leaves the store untouched")
	_, err = s.Get(ctx, "mem_b")
	assert.ErrorIs(t, err, memory.ErrNotFound)

	missing := newRecord(t, e, "mem_c", "c", memory.TierSemantic, 0.5)
	missing.Embedding = nil
	err = s.Update(ctx, func(tx memory.Tx) error { return tx.Put(missing) })
	assert.ErrorIs(t, err, memory.ErrValidation, "no embedding calls under the write lock")
}

func testUpdateSeesStaged(t *testing.T, factory Factory) {
	ctx := context.Background()
	e := mock.New()
	s := factory(t, e)
	require.NoError(t, s.Put(ctx, newRecord(t, e, "mem_a", "a", memory.TierSemantic, 0.5)))

	err := s.Update(ctx, func(tx memory.Tx) error {
		rec, err := tx.Get("mem_a")
		require.NoError(t, err)
		rec.Importance = 0.9
		require.NoError(t, tx.Put(rec))

		again, err := tx.Get("mem_a")
		require.NoError(t, err)
		assert.Equal(t, 0.9, again.Importance)

		require.NoError(t, tx.Delete("mem_a"))
		_, err = tx.Get("mem_a")
		assert.ErrorIs(t, err, memory.ErrNotFound)
		return tx.Put(rec)
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, "mem_a")
	require.NoError(t, err)
	assert.Equal(t, 0.9, got.Importance)
}

func testTryUpdateBusy(t *testing.T, factory Factory) {
	ctx := context.Background()
	e := mock.New()
	s := factory(t, e)

	inside := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- s.Update(ctx, func(tx memory.Tx) error {
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside

	ran, err := s.TryUpdate(ctx, func(tx memory.Tx) error {
		t.Error("must not run while another writer holds the lock")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ran)

	close(release)
	require.NoError(t, <-done)

	ran, err = s.TryUpdate(ctx, func(tx memory.Tx) error { return nil })
	require.NoError(t, err)
	assert.True(t, ran)
}

func testDanglingRefsDropped(t *testing.T, factory Factory) {
	ctx := context.Background()
	e := mock.New()
	s := factory(t, e)

	rec := newRecord(t, e, "mem_a", "a", memory.TierSemantic, 0.5)
	rec.Relations = []memory.Triple{
		{Predicate: "rel", Object: "mem_ghost", ObjectRef: true},
		{Predicate: "rel", Object: "mem_a", ObjectRef: true},
		{Predicate: "likes", Object: "tea"},
	}
	require.NoError(t, s.Put(ctx, rec))

	got, err := s.Get(ctx, "mem_a")
	require.NoError(t, err)
	assert.Equal(t, []memory.Triple{{Subject: "mem_a", Predicate: "likes", Object: "tea"}}, got.Relations)
}

func testReturnedRecordsCopy(t *testing.T, factory Factory) {
	ctx := context.Background()
	e := mock.New()
	s := factory(t, e)
	require.NoError(t, s.Put(ctx, newRecord(t, e, "mem_a", "a", memory.TierSemantic, 0.5)))

	got, err := s.Get(ctx, "mem_a")
	require.NoError(t, err)
	got.Importance = 0.1
	got.Embedding[0] = 99

	again, err := s.Get(ctx, "mem_a")
	require.NoError(t, err)
	assert.Equal(t, 0.5, again.Importance)
	assert.NotEqual(t, float32(99), again.Embedding[0])
}

func testConcurrentReadWrite(t *testing.T, factory Factory) {
	ctx := context.Background()
	e := mock.New()
	s := factory(t, e)
	require.NoError(t, s.Put(ctx, newRecord(t, e, "mem_a", "a", memory.TierSemantic, 0.5)))
	require.NoError(t, s.Put(ctx, newRecord(t, e, "mem_b", "b", memory.TierSemantic, 0.5)))

	// Writers move importance between the two records. Readers must always
	// see the pair summing to one.
	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range 50 {
			err := s.Update(ctx, func(tx memory.Tx) error {
				a, _ := tx.Get("mem_a")
				b, _ := tx.Get("mem_b")
				a.Importance = float64(i%10) / 10
				b.Importance = 1 - a.Importance
				if err := tx.Put(a); err != nil {
					return err
				}
				return tx.Put(b)
			})
			assert.NoError(t, err)
		}
		close(stop)
	}()

	q, _ := e.Embed(ctx, "a")
	for reading := true; reading; {
		select {
		case <-stop:
			reading = false
		default:
		}
		hits, err := s.Nearest(ctx, q, 2)
		require.NoError(t, err)
		require.Len(t, hits, 2)
		assert.InDelta(t, 1.0, hits[0].Record.Importance+hits[1].Record.Importance, 1e-9)
	}
	wg.Wait()
}

func testUseAfterClose(t *testing.T, factory Factory) {
	ctx := context.Background()
	e := mock.New()
	s := factory(t, e)
	rec := newRecord(t, e, "mem_a", "主人叫小明", memory.TierCore, 0.9)
	require.NoError(t, s.Put(ctx, rec))
	require.NoError(t, s.Close())

	_, err := s.Get(ctx, "mem_a")
	assert.ErrorIs(t, err, memory.ErrClosed)
	assert.ErrorIs(t, s.Put(ctx, rec), memory.ErrClosed)
	assert.ErrorIs(t, s.Delete(ctx, "mem_a"), memory.ErrClosed)

	_, err = s.Nearest(ctx, rec.Embedding, 1)
	assert.ErrorIs(t, err, memory.ErrClosed)
	_, err = s.RelatedTo(ctx, "mem_a", 1)
	assert.ErrorIs(t, err, memory.ErrClosed)
	_, err = s.Len(ctx)
	assert.ErrorIs(t, err, memory.ErrClosed)

	scanned := 0
	for _, err := range s.Scan(ctx, memory.Filter{}) {
		assert.ErrorIs(t, err, memory.ErrClosed)
		scanned++
	}
	assert.Equal(t, 1, scanned)
}
