package memory

import "time"

// TierPolicy carries the tier-specific behaviour of records.
type TierPolicy struct {
	// Decays reports whether the decayer ages this tier at all.
	Decays bool `yaml:"decays" mapstructure:"decays"`

	// DecayRate is the fraction of importance lost per day past the grace
	// period (exponential), or the absolute amount per day (linear).
	DecayRate float64 `yaml:"decay_rate" mapstructure:"decay_rate"`

	// Floor is the lowest importance a record of this tier can hold.
	Floor float64 `yaml:"floor" mapstructure:"floor"`

	// Initial is the importance given to records created by consolidation.
	Initial float64 `yaml:"initial" mapstructure:"initial"`

	// MaxIdle evicts records not accessed for this long. Zero disables it.
	MaxIdle time.Duration `yaml:"max_idle" mapstructure:"max_idle"`

	// ReviewEviction asks the judge before a record that decayed below the
	// threshold is evicted. Idle eviction is never reviewed.
	ReviewEviction bool `yaml:"review_eviction" mapstructure:"review_eviction"`
}

// Bound clamps v to [Floor, 1].
func (p TierPolicy) Bound(v float64) float64 {
	v = Clamp(v)
	if v < p.Floor {
		return Clamp(p.Floor)
	}
	return v
}

// DefaultTiers returns the stock tier policies.
func DefaultTiers() map[Tier]TierPolicy {
	return map[Tier]TierPolicy{
		TierCore: {
			Decays:  false,
			Floor:   0.8,
			Initial: 0.9,
		},
		TierSemantic: {
			Decays:         true,
			DecayRate:      0.05,
			Initial:        0.6,
			ReviewEviction: true,
		},
		TierEpisodic: {
			Decays:    true,
			DecayRate: 0.1,
			Initial:   0.5,
			MaxIdle:   30 * 24 * time.Hour,
		},
	}
}
