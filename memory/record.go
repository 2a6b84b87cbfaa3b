package memory

import (
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Tier classifies a record for decay and eviction. Tiers are stored as open
// strings so new ones can be configured without migrating records.
type Tier string

const (
	// TierCore holds permanent, user-fundamental facts.
	TierCore Tier = "core"
	// TierSemantic holds general durable facts.
	TierSemantic Tier = "semantic"
	// TierEpisodic holds time-stamped events.
	TierEpisodic Tier = "episodic"
)

var tierPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,31}$`)

// Valid reports whether t is a well-formed tier name.
func (t Tier) Valid() bool { return tierPattern.MatchString(string(t)) }

func (t Tier) String() string { return string(t) }

// Triple is a subject/predicate/object relation owned by its subject record.
type Triple struct {
	Subject   string `json:"subject"`
	Predicate string `json:"predicate"`
	Object    string `json:"object"`

	// ObjectRef reports whether Object is another record's id rather than
	// a free-text value.
	ObjectRef bool `json:"object_ref,omitempty"`
}

// Record is the unit of storage.
type Record struct {
	ID             string    `json:"id"`
	Content        string    `json:"content"`
	Tier           Tier      `json:"tier"`
	Embedding      []float32 `json:"-"`
	Importance     float64   `json:"importance"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	AccessCount    int       `json:"access_count"`
	Source         string    `json:"source,omitempty"`
	Relations      []Triple  `json:"relations,omitempty"`

	// DecayedAt is when decay last lowered Importance. Decay never charges
	// the same interval twice.
	DecayedAt time.Time `json:"decayed_at,omitempty"`

	// BoostedAt is when a judge BOOST last applied.
	BoostedAt time.Time `json:"boosted_at,omitempty"`
	// DailyBoost is the importance BOOSTs added on the UTC day of BoostedAt.
	DailyBoost float64 `json:"daily_boost,omitempty"`

	// PromotionRejected is set once a promotion review kept the record in
	// its tier. It is never reviewed for promotion again.
	PromotionRejected bool `json:"promotion_rejected,omitempty"`
	// SparedUntil shields a record an eviction review kept.
	SparedUntil time.Time `json:"spared_until,omitempty"`
}

// NewID returns a fresh record id.
func NewID() string {
	return "mem_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewRecord creates a record stamped at now.
func NewRecord(content string, tier Tier, importance float64, source string, now time.Time) *Record {
	return &Record{
		ID:             NewID(),
		Content:        strings.TrimSpace(content),
		Tier:           tier,
		Importance:     Clamp(importance),
		CreatedAt:      now,
		LastAccessedAt: now,
		Source:         source,
	}
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Embedding = slices.Clone(r.Embedding)
	c.Relations = slices.Clone(r.Relations)
	return &c
}

// Relate adds a triple with r as subject. Duplicates are ignored. It reports
// whether the triple was added.
func (r *Record) Relate(predicate, object string, ref bool) bool {
	t := Triple{Subject: r.ID, Predicate: strings.TrimSpace(predicate), Object: strings.TrimSpace(object), ObjectRef: ref}
	for _, have := range r.Relations {
		if have.Predicate == t.Predicate && have.ObjectRef == t.ObjectRef && EntityKey(have.Object) == EntityKey(t.Object) {
			return false
		}
	}
	r.Relations = append(r.Relations, t)
	return true
}

// RefersTo reports whether r holds a record reference to id.
func (r *Record) RefersTo(id string) bool {
	for _, t := range r.Relations {
		if t.ObjectRef && t.Object == id {
			return true
		}
	}
	return false
}

// Unlink drops every triple referencing id and reports whether any existed.
func (r *Record) Unlink(id string) bool {
	n := len(r.Relations)
	r.Relations = slices.DeleteFunc(r.Relations, func(t Triple) bool {
		return t.ObjectRef && t.Object == id
	})
	return len(r.Relations) != n
}

// Normalize clamps importance, trims content and stamps the subject of every
// triple. It returns ErrValidation for records that cannot be stored.
func (r *Record) Normalize() error {
	if r == nil {
		return invalid("nil record")
	}
	if r.ID == "" {
		return invalid("record id is empty")
	}
	r.Content = strings.TrimSpace(r.Content)
	if r.Content == "" {
		return invalid("record content is empty", withID(r.ID))
	}
	if !r.Tier.Valid() {
		return invalid("record tier is invalid", withID(r.ID), withTier(r.Tier))
	}
	r.Importance = Clamp(r.Importance)
	if r.LastAccessedAt.IsZero() {
		r.LastAccessedAt = r.CreatedAt
	}

	out := r.Relations[:0]
	for _, t := range r.Relations {
		if t.Subject != "" && t.Subject != r.ID {
			return invalid("triple subject does not match record", withID(r.ID))
		}
		t.Subject = r.ID
		t.Predicate = strings.TrimSpace(t.Predicate)
		t.Object = strings.TrimSpace(t.Object)
		if t.Predicate == "" || t.Object == "" {
			continue
		}
		if t.ObjectRef && t.Object == r.ID {
			continue
		}
		out = append(out, t)
	}
	r.Relations = out
	return nil
}

// Clamp bounds v to [0, 1].
func Clamp(v float64) float64 {
	switch {
	case v != v, v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// EntityKey normalizes a free-text triple object so equal entities written
// differently still link.
func EntityKey(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
