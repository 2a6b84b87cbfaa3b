package memory

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/becomeliminal/nim-memory/core"
	"github.com/becomeliminal/nim-memory/logging"
)

// BatchReport summarizes one consolidation batch.
type BatchReport struct {
	SessionID string

	// Proposed counts well-formed operations in the judge output and
	// Dropped counts malformed tags.
	Proposed int
	Dropped  int

	Added    int
	Updated  int
	Merged   int
	Boosted  int
	Deleted  int
	Promoted int
	Related  int
	Skipped  int

	// Created lists ids of records added by the batch.
	Created []string

	// Review covers promotion reviews run after the batch committed.
	Review ReviewReport

	raised []string
}

// Consolidator turns conversation turns into store mutations, using the
// judge as an oracle whose output is validated before anything is applied.
type Consolidator struct {
	store     Store
	embedder  Embedder
	judge     Judge
	retriever *Retriever
	reviewer  *Reviewer
	cfg       *Config

	log     *slog.Logger
	now     Clock
	metrics *instruments
}

// NewConsolidator creates a consolidator.
func NewConsolidator(store Store, embedder Embedder, judge Judge, cfg *Config, opts ...Option) *Consolidator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	o := buildOptions(opts)
	return &Consolidator{
		store:     store,
		embedder:  embedder,
		judge:     judge,
		retriever: NewRetriever(store, embedder, cfg, opts...),
		reviewer:  o.reviewer,
		cfg:       cfg,
		log:       o.logger,
		now:       o.clock,
		metrics:   newInstruments(o.meter, o.logger),
	}
}

// step is an operation after validation and planning, ready to apply.
type step struct {
	kind    string
	id      string
	content string
	tier    Tier
	vec     []float32
	delta   float64
	rel     RelateOp
}

// Consolidate runs one batch for turn. A judge or embedding failure aborts
// the batch before anything is written. Cancelling ctx before the apply
// step discards the batch. Records the batch lifted to the promotion
// threshold are then reviewed; review failures do not fail the batch.
func (c *Consolidator) Consolidate(ctx context.Context, turn core.Turn) (*BatchReport, error) {
	report := &BatchReport{SessionID: turn.SessionID}
	log := logging.FromContext(ctx, c.log.With("session", turn.SessionID))

	steps, err := c.plan(ctx, turn, report, log)
	if err != nil {
		c.metrics.batch(ctx, "aborted")
		return nil, err
	}
	if len(steps) == 0 {
		c.metrics.batch(ctx, "empty")
		log.Debug("consolidation proposed nothing")
		return report, nil
	}

	if err := ctx.Err(); err != nil {
		c.metrics.batch(ctx, "cancelled")
		return nil, goerr.Wrap(err, "consolidation cancelled before apply")
	}

	// Counters are reset inside apply in case the store retries fn.
	var applied BatchReport
	err = c.store.Update(ctx, func(tx Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		applied = BatchReport{}
		for _, s := range steps {
			if err := c.apply(tx, s, turn, &applied, log); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		c.metrics.batch(ctx, "failed")
		return nil, goerr.Wrap(err, "failed to apply consolidation batch")
	}

	report.Added, report.Updated = applied.Added, applied.Updated
	report.Merged += applied.Merged
	report.Boosted, report.Deleted, report.Promoted = applied.Boosted, applied.Deleted, applied.Promoted
	report.Related, report.Created = applied.Related, applied.Created
	report.Skipped += applied.Skipped

	c.metrics.batch(ctx, "applied")
	log.Info("consolidation applied",
		"added", report.Added, "updated", report.Updated, "merged", report.Merged,
		"boosted", report.Boosted, "deleted", report.Deleted, "promoted", report.Promoted,
		"related", report.Related, "skipped", report.Skipped, "dropped", report.Dropped)

	if c.reviewer != nil && c.cfg.Review.Enabled && len(applied.raised) > 0 {
		slices.Sort(applied.raised)
		rev, err := c.reviewer.ReviewPromotions(ctx, slices.Compact(applied.raised))
		report.Review = rev
		if err != nil {
			log.Warn("promotion review stopped", "error", err)
		}
	}
	return report, nil
}

// plan asks the judge for operations and does all service I/O for them.
func (c *Consolidator) plan(ctx context.Context, turn core.Turn, report *BatchReport, log *slog.Logger) ([]step, error) {
	relevant, err := c.retriever.Search(ctx, turn.User+"\n"+turn.Assistant, c.cfg.Consolidation.PromptMemories, turn.Active)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load relevant memories")
	}
	prompt := BuildPrompt(turn, relevant)

	resp, err := retry(ctx, c.cfg.Retry, func(ctx context.Context) (string, error) {
		jctx, cancel := context.WithTimeout(ctx, c.cfg.Consolidation.Timeout)
		defer cancel()
		return c.judge.Propose(jctx, prompt)
	})
	if err != nil {
		return nil, classify(ErrJudge, err, "judge call failed")
	}

	ops, perrs := ParseOps(resp)
	for _, perr := range perrs {
		log.Warn("dropped judge tag", "error", perr)
		c.metrics.op(ctx, "unknown", "dropped")
	}
	report.Proposed, report.Dropped = len(ops), len(perrs)

	var steps []step
	for _, op := range ops {
		switch op := op.(type) {
		case AddOp:
			s, err := c.planAdd(ctx, op, steps, report, log)
			if err != nil {
				return nil, err
			}
			if s != nil {
				steps = append(steps, *s)
			}

		case UpdateOp:
			cur, err := c.store.Get(ctx, op.ID)
			if errors.Is(err, ErrNotFound) {
				c.skip(ctx, report, log, "update", op.ID, "unknown id")
				continue
			}
			if err != nil {
				return nil, err
			}
			s := step{kind: "update", id: op.ID, content: op.Content}
			if cur.Content == strings.TrimSpace(op.Content) {
				s.vec = cur.Embedding
			} else if s.vec, err = c.embed(ctx, op.Content); err != nil {
				return nil, err
			}
			steps = append(steps, s)

		case BoostOp:
			delta := c.cfg.Consolidation.DefaultBoost
			if op.HasDelta {
				delta = op.Delta
			}
			steps = append(steps, step{kind: "boost", id: op.ID, delta: delta})

		case DeleteOp:
			steps = append(steps, step{kind: "delete", id: op.ID})

		case PromoteOp:
			steps = append(steps, step{kind: "promote", id: op.ID})

		case RelateOp:
			steps = append(steps, step{kind: "relate", id: op.ID, rel: op})
		}
	}
	return steps, nil
}

// planAdd embeds an ADD and turns it into a merge when a near-duplicate
// exists in the store or earlier in the same batch. It returns nil when the
// ADD was folded into an earlier step.
func (c *Consolidator) planAdd(ctx context.Context, op AddOp, planned []step, report *BatchReport, log *slog.Logger) (*step, error) {
	vec, err := c.embed(ctx, op.Content)
	if err != nil {
		return nil, err
	}
	threshold := c.cfg.Consolidation.MergeThreshold

	bestStep, bestSim := -1, threshold
	for i := range planned {
		if planned[i].kind != "add" {
			continue
		}
		if sim := Cosine(vec, planned[i].vec); sim >= bestSim {
			bestStep, bestSim = i, sim
		}
	}

	hits, err := c.store.Nearest(ctx, vec, 1)
	if err != nil {
		return nil, err
	}
	if len(hits) > 0 && hits[0].Similarity >= threshold && (bestStep < 0 || hits[0].Similarity > bestSim) {
		target := hits[0].Record
		log.Debug("merging duplicate add", "id", target.ID, "similarity", hits[0].Similarity)
		return &step{kind: "merge", id: target.ID, content: op.Content, vec: vec}, nil
	}

	if bestStep >= 0 {
		log.Debug("merging duplicate add within batch", "similarity", bestSim)
		planned[bestStep].content, planned[bestStep].vec = op.Content, vec
		report.Merged++
		return nil, nil
	}

	tier := op.Tier
	if !c.cfg.HasTier(tier) {
		log.Warn("judge proposed unconfigured tier, using semantic", "tier", tier)
		tier = TierSemantic
	}
	return &step{kind: "add", content: op.Content, tier: tier, vec: vec}, nil
}

func (c *Consolidator) embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := retry(ctx, c.cfg.Retry, func(ctx context.Context) ([]float32, error) {
		return c.embedder.Embed(ctx, text)
	})
	if err != nil {
		return nil, classify(ErrEmbedding, err, "failed to embed proposed memory")
	}
	return vec, nil
}

// apply performs one step inside the batch transaction. Unknown ids and
// refused operations are skipped, only store failures are returned.
func (c *Consolidator) apply(tx Tx, s step, turn core.Turn, r *BatchReport, log *slog.Logger) error {
	ctx := context.Background()
	now := c.now()

	if s.kind == "add" {
		rec := NewRecord(s.content, s.tier, c.cfg.Policy(s.tier).Initial, turn.Provenance(), now)
		rec.Embedding = s.vec
		if err := tx.Put(rec); err != nil {
			return err
		}
		r.Added++
		r.Created = append(r.Created, rec.ID)
		c.metrics.op(ctx, s.kind, "applied")
		return nil
	}

	rec, err := tx.Get(s.id)
	if errors.Is(err, ErrNotFound) {
		c.skip(ctx, r, log, s.kind, s.id, "unknown id")
		return nil
	}
	if err != nil {
		return err
	}
	policy := c.cfg.Policy(rec.Tier)

	switch s.kind {
	case "update", "merge":
		if rec.Content == strings.TrimSpace(s.content) && s.kind == "update" {
			c.skip(ctx, r, log, s.kind, s.id, "content unchanged")
			return nil
		}
		rec.Content, rec.Embedding = s.content, s.vec
		if s.kind == "merge" {
			rec.Importance = policy.Bound(rec.Importance + c.cfg.Consolidation.MergeBoost)
			r.Merged++
			r.raised = append(r.raised, rec.ID)
		} else {
			r.Updated++
		}

	case "boost":
		if !rec.BoostedAt.IsZero() && now.Sub(rec.BoostedAt) < c.cfg.Consolidation.BoostCooldown {
			c.skip(ctx, r, log, s.kind, s.id, "boost cooldown")
			return nil
		}
		delta := s.delta
		if !sameDay(rec.BoostedAt, now) {
			rec.DailyBoost = 0
		}
		if limit := c.cfg.Consolidation.DailyBoostCap; delta > 0 && limit > 0 {
			if rec.DailyBoost >= limit {
				c.skip(ctx, r, log, s.kind, s.id, "daily boost cap")
				return nil
			}
			if left := limit - rec.DailyBoost; delta >= left {
				delta, rec.DailyBoost = left, limit
			} else {
				rec.DailyBoost += delta
			}
		}
		rec.Importance = policy.Bound(rec.Importance + delta)
		rec.BoostedAt = now
		r.Boosted++
		r.raised = append(r.raised, rec.ID)

	case "delete":
		if rec.Tier == TierCore {
			c.skip(ctx, r, log, s.kind, s.id, "core memories cannot be deleted by consolidation")
			return nil
		}
		if err := tx.Delete(s.id); err != nil {
			return err
		}
		r.Deleted++
		c.metrics.op(ctx, s.kind, "applied")
		return nil

	case "promote":
		if rec.Tier == TierCore {
			c.skip(ctx, r, log, s.kind, s.id, "already core")
			return nil
		}
		rec.Tier = TierCore
		rec.Importance = c.cfg.Policy(TierCore).Bound(rec.Importance)
		r.Promoted++

	case "relate":
		if s.rel.ObjectRef {
			if _, err := tx.Get(s.rel.Object); errors.Is(err, ErrNotFound) {
				c.skip(ctx, r, log, s.kind, s.id, "unknown object id")
				return nil
			} else if err != nil {
				return err
			}
		}
		if !rec.Relate(s.rel.Predicate, s.rel.Object, s.rel.ObjectRef) {
			c.skip(ctx, r, log, s.kind, s.id, "relation exists")
			return nil
		}
		r.Related++
	}

	if err := tx.Put(rec); err != nil {
		return err
	}
	c.metrics.op(ctx, s.kind, "applied")
	return nil
}

// sameDay reports whether a and b fall on the same UTC day.
func sameDay(a, b time.Time) bool {
	if a.IsZero() {
		return false
	}
	return a.UTC().Truncate(day).Equal(b.UTC().Truncate(day))
}

func (c *Consolidator) skip(ctx context.Context, r *BatchReport, log *slog.Logger, kind, id, reason string) {
	r.Skipped++
	c.metrics.op(ctx, kind, "skipped")
	log.Warn("skipped judge operation", "op", kind, "id", id, "reason", reason)
}
