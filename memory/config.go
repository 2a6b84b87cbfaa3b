package memory

import (
	"os"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"
)

// DecayShape selects the decay falloff.
type DecayShape string

const (
	DecayExponential DecayShape = "exponential"
	DecayLinear      DecayShape = "linear"
)

// Config holds every tunable of the memory subsystem.
type Config struct {
	Retrieval     RetrievalConfig     `yaml:"retrieval" mapstructure:"retrieval"`
	Decay         DecayConfig         `yaml:"decay" mapstructure:"decay"`
	Consolidation ConsolidationConfig `yaml:"consolidation" mapstructure:"consolidation"`
	Review        ReviewConfig        `yaml:"review" mapstructure:"review"`
	Retry         RetryConfig         `yaml:"retry" mapstructure:"retry"`

	// Tiers maps tier names to their policies. An entry in a config file
	// replaces the default policy of that tier as a whole.
	Tiers map[Tier]TierPolicy `yaml:"tiers" mapstructure:"tiers"`
}

// RetrievalConfig tunes hybrid ranking.
type RetrievalConfig struct {
	// Score weights. Similarity dominates, importance comes second.
	SimilarityWeight float64 `yaml:"similarity_weight" mapstructure:"similarity_weight"`
	ImportanceWeight float64 `yaml:"importance_weight" mapstructure:"importance_weight"`
	RelationWeight   float64 `yaml:"relation_weight" mapstructure:"relation_weight"`
	RecencyWeight    float64 `yaml:"recency_weight" mapstructure:"recency_weight"`

	// RecencyHalfLife is the time since last access at which the recency
	// factor halves.
	RecencyHalfLife time.Duration `yaml:"recency_half_life" mapstructure:"recency_half_life"`

	// CandidateFactor multiplies k for the nearest-neighbour candidate pool.
	CandidateFactor int `yaml:"candidate_factor" mapstructure:"candidate_factor"`

	// RelationDepth is how many hops from active records are boosted.
	RelationDepth int `yaml:"relation_depth" mapstructure:"relation_depth"`

	// InjectCount caps each non-core tier in injected context.
	InjectCount int `yaml:"inject_count" mapstructure:"inject_count"`

	// MaxRelations caps relation lines shown under each injected memory.
	MaxRelations int `yaml:"max_relations" mapstructure:"max_relations"`
}

// DecayConfig tunes the decay scheduler.
type DecayConfig struct {
	Enabled  bool          `yaml:"enabled" mapstructure:"enabled"`
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`

	// GraceDays is how long after the last access importance stays put.
	GraceDays float64    `yaml:"grace_days" mapstructure:"grace_days"`
	Shape     DecayShape `yaml:"shape" mapstructure:"shape"`

	// Threshold evicts decaying records whose importance falls below it.
	Threshold float64 `yaml:"threshold" mapstructure:"threshold"`
}

// ConsolidationConfig tunes the consolidation worker.
type ConsolidationConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// MergeThreshold is the cosine similarity at or above which an ADD is
	// merged into the closest existing record.
	MergeThreshold float64 `yaml:"merge_threshold" mapstructure:"merge_threshold"`

	// QueueSize bounds pending turns per session. The oldest is dropped
	// when the queue is full.
	QueueSize int `yaml:"queue_size" mapstructure:"queue_size"`

	// PromptMemories is how many relevant memories the judge sees.
	PromptMemories int `yaml:"prompt_memories" mapstructure:"prompt_memories"`

	DefaultBoost  float64       `yaml:"default_boost" mapstructure:"default_boost"`
	MergeBoost    float64       `yaml:"merge_boost" mapstructure:"merge_boost"`
	BoostCooldown time.Duration `yaml:"boost_cooldown" mapstructure:"boost_cooldown"`

	// DailyBoostCap bounds the importance BOOSTs add to one record per UTC
	// day. Zero disables the cap.
	DailyBoostCap float64 `yaml:"daily_boost_cap" mapstructure:"daily_boost_cap"`

	// Timeout bounds a single judge call.
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// ReviewConfig tunes judge reviews of records at the edges of their life:
// promotion into core and eviction after decay. Reviews only run when a
// judge is available.
type ReviewConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// PromoteThreshold triggers a promotion review when a BOOST or merge
	// lifts a non-core record to it.
	PromoteThreshold float64 `yaml:"promote_threshold" mapstructure:"promote_threshold"`

	// ResetImportance is given to a record an eviction review keeps, and
	// SpareFor is how long it is then shielded from another review.
	ResetImportance float64       `yaml:"reset_importance" mapstructure:"reset_importance"`
	SpareFor        time.Duration `yaml:"spare_for" mapstructure:"spare_for"`

	// MaxPerCycle bounds eviction reviews per decay cycle. Records past it
	// wait for the next cycle. Zero means no bound.
	MaxPerCycle int `yaml:"max_per_cycle" mapstructure:"max_per_cycle"`

	// MaxRounds bounds judge calls per review, counting SEARCH follow-ups.
	MaxRounds int `yaml:"max_rounds" mapstructure:"max_rounds"`

	// RelatedMemories is how many related memories the judge sees.
	RelatedMemories int `yaml:"related_memories" mapstructure:"related_memories"`
}

// RetryConfig governs calls to the embedding and judge services.
type RetryConfig struct {
	// Attempts is the total number of tries. 2 means one retry.
	Attempts int           `yaml:"attempts" mapstructure:"attempts"`
	Backoff  time.Duration `yaml:"backoff" mapstructure:"backoff"`
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() *Config {
	return &Config{
		Retrieval: RetrievalConfig{
			SimilarityWeight: 0.55,
			ImportanceWeight: 0.25,
			RelationWeight:   0.10,
			RecencyWeight:    0.10,
			RecencyHalfLife:  72 * time.Hour,
			CandidateFactor:  2,
			RelationDepth:    1,
			InjectCount:      5,
			MaxRelations:     2,
		},
		Decay: DecayConfig{
			Enabled:   true,
			Interval:  time.Hour,
			GraceDays: 7,
			Shape:     DecayExponential,
			Threshold: 0.1,
		},
		Consolidation: ConsolidationConfig{
			Enabled:        true,
			MergeThreshold: 0.85,
			QueueSize:      8,
			PromptMemories: 10,
			DefaultBoost:   0.1,
			MergeBoost:     0.05,
			BoostCooldown:  2 * time.Hour,
			DailyBoostCap:  0.3,
			Timeout:        60 * time.Second,
		},
		Review: ReviewConfig{
			Enabled:          true,
			PromoteThreshold: 0.85,
			ResetImportance:  0.3,
			SpareFor:         24 * time.Hour,
			MaxPerCycle:      10,
			MaxRounds:        3,
			RelatedMemories:  5,
		},
		Retry: RetryConfig{
			Attempts: 2,
			Backoff:  500 * time.Millisecond,
		},
		Tiers: DefaultTiers(),
	}
}

// LoadConfig reads a YAML file over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read memory config", goerr.V("path", path))
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML over the defaults and validates the result.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, goerr.Wrap(err, "failed to decode memory config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the subsystem cannot run with.
func (c *Config) Validate() error {
	r := c.Retrieval
	for name, w := range map[string]float64{
		"similarity_weight": r.SimilarityWeight,
		"importance_weight": r.ImportanceWeight,
		"relation_weight":   r.RelationWeight,
		"recency_weight":    r.RecencyWeight,
	} {
		if w < 0 {
			return invalid("retrieval weight is negative", goerr.V("weight", name), goerr.V("value", w))
		}
	}
	if r.SimilarityWeight+r.ImportanceWeight+r.RelationWeight+r.RecencyWeight == 0 {
		return invalid("retrieval weights are all zero")
	}
	if r.RecencyHalfLife <= 0 {
		return invalid("recency_half_life must be positive")
	}
	if r.CandidateFactor < 1 || r.RelationDepth < 0 || r.InjectCount < 0 || r.MaxRelations < 0 {
		return invalid("retrieval limits out of range")
	}

	d := c.Decay
	if d.Shape != DecayExponential && d.Shape != DecayLinear {
		return invalid("unknown decay shape", goerr.V("shape", string(d.Shape)))
	}
	if d.GraceDays < 0 || d.Threshold < 0 || d.Threshold > 1 {
		return invalid("decay grace_days or threshold out of range")
	}
	if d.Enabled && d.Interval <= 0 {
		return invalid("decay interval must be positive")
	}

	s := c.Consolidation
	if s.MergeThreshold <= 0 || s.MergeThreshold > 1 {
		return invalid("merge_threshold must be in (0, 1]", goerr.V("value", s.MergeThreshold))
	}
	if s.QueueSize < 1 || s.PromptMemories < 0 {
		return invalid("consolidation limits out of range")
	}
	if s.Timeout <= 0 {
		return invalid("consolidation timeout must be positive")
	}
	if s.DailyBoostCap < 0 {
		return invalid("daily_boost_cap is negative")
	}

	v := c.Review
	if v.PromoteThreshold <= 0 || v.PromoteThreshold > 1 || v.ResetImportance < 0 || v.ResetImportance > 1 {
		return invalid("review thresholds must be in (0, 1]")
	}
	if v.SpareFor < 0 || v.MaxPerCycle < 0 || v.MaxRounds < 1 || v.RelatedMemories < 0 {
		return invalid("review limits out of range")
	}

	if c.Retry.Attempts < 1 || c.Retry.Backoff < 0 {
		return invalid("retry settings out of range")
	}

	for tier, p := range c.Tiers {
		if !tier.Valid() {
			return invalid("tier name is invalid", withTier(tier))
		}
		if p.DecayRate < 0 || p.Floor < 0 || p.Floor > 1 || p.Initial < 0 || p.Initial > 1 || p.MaxIdle < 0 {
			return invalid("tier policy out of range", withTier(tier))
		}
	}
	return nil
}

// Policy returns the policy of tier. Unknown tiers behave like semantic.
func (c *Config) Policy(tier Tier) TierPolicy {
	if p, ok := c.Tiers[tier]; ok {
		return p
	}
	if p, ok := c.Tiers[TierSemantic]; ok {
		return p
	}
	return DefaultTiers()[TierSemantic]
}

// HasTier reports whether tier is configured.
func (c *Config) HasTier(tier Tier) bool {
	_, ok := c.Tiers[tier]
	return ok
}
