package memory_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-memory/memory"
)

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, memory.Cosine([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, memory.Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, memory.Cosine([]float32{1, 0}, []float32{-3, 0}), 1e-9)
	assert.Equal(t, 0.0, memory.Cosine([]float32{1}, []float32{1, 2}))
	assert.Equal(t, 0.0, memory.Cosine(nil, nil))
	assert.Equal(t, 0.0, memory.Cosine([]float32{0, 0}, []float32{1, 1}))
}

func TestSortNeighbors(t *testing.T) {
	rec := func(id string, importance float64, created time.Time) *memory.Record {
		return &memory.Record{ID: id, Importance: importance, CreatedAt: created}
	}
	ns := []memory.Neighbor{
		{Record: rec("d", 0.9, epoch), Similarity: 0.5},
		{Record: rec("c", 0.5, epoch), Similarity: 0.9},
		{Record: rec("b", 0.9, epoch), Similarity: 0.9},
		{Record: rec("a", 0.9, epoch.Add(-time.Hour)), Similarity: 0.9},
		{Record: rec("e", 0.9, epoch), Similarity: 0.9},
	}
	memory.SortNeighbors(ns)

	var ids []string
	for _, n := range ns {
		ids = append(ids, n.Record.ID)
	}
	assert.Equal(t, []string{"b", "e", "a", "c", "d"}, ids)
}

func TestTraverse(t *testing.T) {
	graph := map[string][]string{
		"a": {"b", "c"},
		"b": {"a", "d"},
		"c": {"a", "d"},
		"d": {"b", "c", "e"},
		"e": {"d"},
	}
	next := func(id string) ([]string, error) { return graph[id], nil }

	got, err := memory.Traverse("a", 1, next)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"b": 1, "c": 1}, got)

	got, err = memory.Traverse("a", 5, next)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"b": 1, "c": 1, "d": 2, "e": 3}, got)

	got, err = memory.Traverse("a", 0, next)
	require.NoError(t, err)
	assert.Empty(t, got)

	boom := errors.New("boom")
	_, err = memory.Traverse("a", 2, func(string) ([]string, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
}
