package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-memory/memory"
	"github.com/becomeliminal/nim-memory/memory/embedder/mock"
	"github.com/becomeliminal/nim-memory/memory/store/sqlite"
)

type fixture struct {
	path  string
	ramen string
	old   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{path: filepath.Join(t.TempDir(), "memory.db")}

	s, err := sqlite.New(f.path, mock.New())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	now := time.Now()
	put := func(content string, tier memory.Tier, importance float64, at time.Time) string {
		rec := memory.NewRecord(content, tier, importance, "conversation", at)
		require.NoError(t, s.Put(ctx, rec))
		return rec.ID
	}
	f.ramen = put("主人喜欢拉面", memory.TierSemantic, 0.7, now)
	put("主人叫小明", memory.TierCore, 0.9, now)
	f.old = put("上个月下了一场雨", memory.TierEpisodic, 0.05, now.Add(-40*24*time.Hour))
	return f
}

func (f *fixture) run(t *testing.T, args ...string) string {
	t.Helper()
	listTiers, listLimit, listMinImportance, listVerbose = nil, 0, 0, false
	searchK, searchActive, searchTouch = 5, nil, false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--store", "sqlite", "--path", f.path, "--log-level", "error"}, args...))
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	out := f.run(t, "stats")

	assert.Contains(t, out, "Memories: 3")
	assert.Contains(t, out, "core")
	assert.Contains(t, out, "episodic")
}

func TestList(t *testing.T) {
	f := newFixture(t)

	out := f.run(t, "list", "--tier", "core")
	assert.Contains(t, out, "主人叫小明")
	assert.NotContains(t, out, "拉面")

	out = f.run(t, "list", "--min-importance", "0.5")
	assert.Contains(t, out, "拉面")
	assert.NotContains(t, out, "下了一场雨")
}

func TestSearch(t *testing.T) {
	f := newFixture(t)
	out := f.run(t, "search", "主人喜欢什么", "--k", "1")

	assert.Contains(t, out, "1. ")
	assert.Contains(t, out, f.ramen)
	assert.NotContains(t, out, "2. ")
}

func TestDecayEvictsIdleEpisodes(t *testing.T) {
	f := newFixture(t)
	out := f.run(t, "decay")
	assert.Contains(t, out, "Scanned 2")
	assert.Contains(t, out, "evicted 1")

	out = f.run(t, "stats")
	assert.Contains(t, out, "Memories: 2")
}

func TestForget(t *testing.T) {
	f := newFixture(t)
	out := f.run(t, "forget", f.ramen, "missing")

	assert.Contains(t, out, f.ramen+": forgotten")
	assert.Contains(t, out, "missing: not found")
	assert.Contains(t, f.run(t, "stats"), "Memories: 2")
}

func TestConsolidateRequiresInput(t *testing.T) {
	f := newFixture(t)
	turnUser, turnAssistant = "", ""
	rootCmd.SetArgs([]string{"--store", "sqlite", "--path", f.path, "consolidate"})
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&bytes.Buffer{})
	assert.Error(t, rootCmd.Execute())
}
