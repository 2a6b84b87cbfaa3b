package memory_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-memory/memory"
)

func TestDefaultConfig(t *testing.T) {
	cfg := memory.DefaultConfig()
	require.NoError(t, cfg.Validate())

	r := cfg.Retrieval
	assert.Greater(t, r.SimilarityWeight, r.ImportanceWeight, "similarity dominates")
	assert.Greater(t, r.ImportanceWeight, r.RelationWeight)

	core := cfg.Policy(memory.TierCore)
	assert.False(t, core.Decays)
	assert.Equal(t, 0.8, core.Floor)
	assert.True(t, cfg.Policy(memory.TierEpisodic).Decays)
	assert.True(t, cfg.Policy(memory.TierSemantic).ReviewEviction)
	assert.False(t, cfg.Policy(memory.TierEpisodic).ReviewEviction, "episodes expire without review")
	assert.Less(t, cfg.Decay.Threshold, cfg.Review.ResetImportance)

	assert.Equal(t, cfg.Policy(memory.TierSemantic), cfg.Policy("unknown"), "unknown tiers behave like semantic")
	assert.False(t, cfg.HasTier("unknown"))

	// Each call returns an independent value.
	cfg.Tiers[memory.TierCore] = memory.TierPolicy{}
	assert.Equal(t, 0.8, memory.DefaultConfig().Policy(memory.TierCore).Floor)
}

func TestParseConfig(t *testing.T) {
	cfg, err := memory.ParseConfig([]byte(`
retrieval:
  similarity_weight: 0.7
  recency_half_life: 24h
decay:
  shape: linear
  grace_days: 3
consolidation:
  queue_size: 2
review:
  spare_for: 12h
  max_per_cycle: 4
tiers:
  project:
    decays: true
    decay_rate: 0.02
    initial: 0.7
    review_eviction: true
`))
	require.NoError(t, err)
	assert.Equal(t, 0.7, cfg.Retrieval.SimilarityWeight)
	assert.Equal(t, 0.25, cfg.Retrieval.ImportanceWeight, "unset fields keep defaults")
	assert.Equal(t, 24*time.Hour, cfg.Retrieval.RecencyHalfLife)
	assert.Equal(t, memory.DecayLinear, cfg.Decay.Shape)
	assert.Equal(t, 3.0, cfg.Decay.GraceDays)
	assert.Equal(t, 2, cfg.Consolidation.QueueSize)
	assert.True(t, cfg.HasTier("project"))
	assert.True(t, cfg.HasTier(memory.TierCore), "default tiers survive")
	assert.Equal(t, 0.7, cfg.Policy("project").Initial)
	assert.True(t, cfg.Policy("project").ReviewEviction)
	assert.Equal(t, 12*time.Hour, cfg.Review.SpareFor)
	assert.Equal(t, 4, cfg.Review.MaxPerCycle)
	assert.Equal(t, 0.85, cfg.Review.PromoteThreshold, "unset review fields keep defaults")
}

func TestParseConfigRejects(t *testing.T) {
	for name, doc := range map[string]string{
		"negative weight": "retrieval: {importance_weight: -1}",
		"zero weights":    "retrieval: {similarity_weight: 0, importance_weight: 0, relation_weight: 0, recency_weight: 0}",
		"shape":           "decay: {shape: cubic}",
		"threshold":       "decay: {threshold: 2}",
		"merge threshold": "consolidation: {merge_threshold: 0}",
		"queue":           "consolidation: {queue_size: 0}",
		"attempts":        "retry: {attempts: 0}",
		"tier name":       "tiers: {Bad: {decays: true}}",
		"tier floor":      "tiers: {core: {floor: 1.5}}",
		"boost cap":       "consolidation: {daily_boost_cap: -0.1}",
		"promote":         "review: {promote_threshold: 0}",
		"review rounds":   "review: {max_rounds: 0}",
	} {
		_, err := memory.ParseConfig([]byte(doc))
		assert.ErrorIs(t, err, memory.ErrValidation, name)
	}

	_, err := memory.ParseConfig([]byte("retrieval: [not, a, map]"))
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.yaml")
	require.NoError(t, os.WriteFile(path, []byte("decay:\n  enabled: false\n"), 0o600))

	cfg, err := memory.LoadConfig(path)
	require.NoError(t, err)
	assert.False(t, cfg.Decay.Enabled)

	_, err = memory.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestTierPolicyBound(t *testing.T) {
	p := memory.TierPolicy{Floor: 0.8}
	assert.Equal(t, 0.8, p.Bound(0.1))
	assert.Equal(t, 0.9, p.Bound(0.9))
	assert.Equal(t, 1.0, p.Bound(1.2))
}
