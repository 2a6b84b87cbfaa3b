package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

// ReviewKind says why a record is reviewed.
type ReviewKind string

const (
	// ReviewPromotion asks whether a frequently confirmed record belongs in
	// core.
	ReviewPromotion ReviewKind = "promotion"
	// ReviewEviction asks whether a record that decayed below the
	// threshold should be forgotten.
	ReviewEviction ReviewKind = "eviction"
)

// Verdict is a review decision.
type Verdict string

const (
	VerdictPromote Verdict = "promote"
	VerdictKeep    Verdict = "keep"
	VerdictDelete  Verdict = "delete"
)

// ReviewReport counts reviews and their outcomes.
type ReviewReport struct {
	Reviewed int
	Promoted int
	Kept     int
	Deleted  int

	// Failed counts reviews abandoned on judge errors. The record is left
	// as it was.
	Failed int
}

// Reviewer asks the judge to decide the fate of single records. The judge
// may ask for a memory search with [SEARCH:query] before it decides.
type Reviewer struct {
	store     Store
	judge     Judge
	retriever *Retriever
	cfg       *Config

	log     *slog.Logger
	now     Clock
	metrics *instruments
}

// NewReviewer creates a reviewer.
func NewReviewer(store Store, embedder Embedder, judge Judge, cfg *Config, opts ...Option) *Reviewer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	o := buildOptions(opts)
	return &Reviewer{
		store:     store,
		judge:     judge,
		retriever: NewRetriever(store, embedder, cfg, opts...),
		cfg:       cfg,
		log:       o.logger,
		now:       o.clock,
		metrics:   newInstruments(o.meter, o.logger),
	}
}

var (
	verdictPattern = regexp.MustCompile(`(?i)\[(PROMOTE|KEEP|DELETE)\]`)
	searchPattern  = regexp.MustCompile(`(?i)\[SEARCH:([^\]\n]+)\]`)
)

// ParseVerdict returns the last verdict tag in text. An eviction review
// cannot promote, so PROMOTE reads as KEEP there.
func ParseVerdict(kind ReviewKind, text string) (Verdict, bool) {
	m := verdictPattern.FindAllStringSubmatch(text, -1)
	if len(m) == 0 {
		return "", false
	}
	v := Verdict(strings.ToLower(m[len(m)-1][1]))
	if kind == ReviewEviction && v == VerdictPromote {
		v = VerdictKeep
	}
	return v, true
}

// Review returns the judge's verdict on rec. Without a clear verdict after
// cfg.Review.MaxRounds calls the record is kept.
func (r *Reviewer) Review(ctx context.Context, kind ReviewKind, rec *Record) (Verdict, error) {
	related, err := r.related(ctx, rec.Content, rec.ID)
	if err != nil {
		return "", err
	}
	prompt := BuildReviewPrompt(kind, rec, related, r.now())
	log := r.log.With("review", string(kind), "id", rec.ID)

	for round := 1; ; round++ {
		resp, err := retry(ctx, r.cfg.Retry, func(ctx context.Context) (string, error) {
			jctx, cancel := context.WithTimeout(ctx, r.cfg.Consolidation.Timeout)
			defer cancel()
			return r.judge.Propose(jctx, prompt)
		})
		if err != nil {
			return "", classify(ErrJudge, err, "review call failed", withID(rec.ID))
		}

		if v, ok := ParseVerdict(kind, resp); ok {
			log.Info("memory reviewed", "verdict", string(v), "rounds", round)
			return v, nil
		}
		if round >= r.cfg.Review.MaxRounds {
			log.Warn("review gave no verdict, keeping memory", "rounds", round)
			return VerdictKeep, nil
		}

		follow := "Give your decision as [PROMOTE], [KEEP] or [DELETE]."
		if kind == ReviewEviction {
			follow = "Give your decision as [KEEP] or [DELETE]."
		}
		if m := searchPattern.FindStringSubmatch(resp); m != nil {
			found, err := r.related(ctx, m[1], rec.ID)
			if err != nil {
				return "", err
			}
			log.Debug("review searched memories", "query", truncate(m[1], 50), "found", len(found))
			follow = "Search results:\n" + formatRelated(found) + "\nContinue and decide. " + follow
		}
		prompt.User += "\n\nYou said:\n" + strings.TrimSpace(resp) + "\n\n" + follow
	}
}

func (r *Reviewer) related(ctx context.Context, query, exclude string) ([]Scored, error) {
	n := r.cfg.Review.RelatedMemories
	if n <= 0 {
		return nil, nil
	}
	hits, err := r.retriever.Search(ctx, query, n+1, nil)
	if err != nil {
		return nil, err
	}
	out := hits[:0]
	for _, h := range hits {
		if h.Record.ID != exclude {
			out = append(out, h)
		}
	}
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// ReviewPromotions reviews every listed record still eligible for promotion
// and applies the verdicts. Ineligible or missing records are passed over.
func (r *Reviewer) ReviewPromotions(ctx context.Context, ids []string) (ReviewReport, error) {
	var report ReviewReport
	for _, id := range ids {
		rec, err := r.store.Get(ctx, id)
		if err != nil {
			continue
		}
		if !r.promotable(rec) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		report.Reviewed++
		v, err := r.Review(ctx, ReviewPromotion, rec)
		if err != nil {
			report.Failed++
			r.metrics.review(ctx, ReviewPromotion, "failed")
			r.log.Warn("promotion review failed", "id", id, "error", err)
			continue
		}
		if err := r.applyPromotion(ctx, id, v, &report); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (r *Reviewer) promotable(rec *Record) bool {
	return rec.Tier != TierCore && !rec.PromotionRejected && rec.Importance >= r.cfg.Review.PromoteThreshold
}

func (r *Reviewer) applyPromotion(ctx context.Context, id string, v Verdict, report *ReviewReport) error {
	var outcome Verdict
	err := r.store.Update(ctx, func(tx Tx) error {
		outcome = ""
		rec, err := tx.Get(id)
		if err != nil {
			return ignoreNotFound(err)
		}
		if rec.Tier == TierCore {
			return nil
		}
		switch v {
		case VerdictPromote:
			rec.Tier = TierCore
			rec.Importance = r.cfg.Policy(TierCore).Bound(rec.Importance)
		case VerdictDelete:
			outcome = v
			return tx.Delete(id)
		default:
			rec.PromotionRejected = true
		}
		outcome = v
		return tx.Put(rec)
	})
	if err != nil {
		return err
	}
	r.count(ctx, ReviewPromotion, outcome, report)
	return nil
}

// reviewEviction reviews rec, which decayed below the threshold, and
// applies the verdict. The verdict is dropped if the record was accessed
// or lifted above the threshold in between.
func (r *Reviewer) reviewEviction(ctx context.Context, rec *Record, report *ReviewReport) error {
	report.Reviewed++
	v, err := r.Review(ctx, ReviewEviction, rec)
	if err != nil {
		report.Failed++
		r.metrics.review(ctx, ReviewEviction, "failed")
		r.log.Warn("eviction review failed", "id", rec.ID, "error", err)
		return nil
	}

	now := r.now()
	var outcome Verdict
	err = r.store.Update(ctx, func(tx Tx) error {
		outcome = ""
		cur, err := tx.Get(rec.ID)
		if err != nil {
			return ignoreNotFound(err)
		}
		if !cur.LastAccessedAt.Equal(rec.LastAccessedAt) || cur.Importance >= r.cfg.Decay.Threshold {
			return nil
		}
		outcome = v
		if v == VerdictDelete {
			return tx.Delete(cur.ID)
		}
		cur.Importance = r.cfg.Policy(cur.Tier).Bound(max(r.cfg.Review.ResetImportance, cur.Importance))
		cur.LastAccessedAt = now
		cur.SparedUntil = now.Add(r.cfg.Review.SpareFor)
		return tx.Put(cur)
	})
	if err != nil {
		return err
	}
	r.count(ctx, ReviewEviction, outcome, report)
	return nil
}

func (r *Reviewer) count(ctx context.Context, kind ReviewKind, v Verdict, report *ReviewReport) {
	switch v {
	case VerdictPromote:
		report.Promoted++
	case VerdictDelete:
		report.Deleted++
	case VerdictKeep:
		report.Kept++
	default:
		r.metrics.review(ctx, kind, "stale")
		return
	}
	r.metrics.review(ctx, kind, string(v))
}

func ignoreNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

const reviewSystemPrompt = `You review single memories of a conversational agent's long-term memory.
Think briefly (one or two sentences), then end with exactly one decision tag.
If you need more context first, reply with [SEARCH:query] and nothing else.`

const promotionGuide = `This memory keeps being confirmed. Decide whether it becomes a core memory,
which is never forgotten.

Core is for lasting facts: the user's identity, long-held preferences, their
environment, agreements with the agent, anything they asked to be remembered.
Temporary states, short-term plans and recent topics are not core.

Decide with [PROMOTE] (make it core), [KEEP] (leave it as it is) or
[DELETE] (it is wrong or worthless).`

const evictionGuide = `This memory has not come up for a long time and its importance has faded.
Decide whether to forget it.

Consider whether it still has value, whether a newer memory replaces it, and
whether forgetting it would lose something the user cares about.

Decide with [KEEP] (remember it a while longer) or [DELETE] (forget it).`

// BuildReviewPrompt assembles the judge prompt reviewing rec.
func BuildReviewPrompt(kind ReviewKind, rec *Record, related []Scored, now time.Time) Prompt {
	var b strings.Builder
	if kind == ReviewPromotion {
		b.WriteString(promotionGuide)
	} else {
		b.WriteString(evictionGuide)
	}

	b.WriteString("\n\nMemory under review:\n")
	fmt.Fprintf(&b, "ID: %s\n", rec.ID)
	fmt.Fprintf(&b, "Content: %s\n", oneLine(rec.Content))
	fmt.Fprintf(&b, "Tier: %s\n", rec.Tier)
	fmt.Fprintf(&b, "Importance: %.2f\n", rec.Importance)
	fmt.Fprintf(&b, "Created: %s\n", rec.CreatedAt.Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, "Last accessed: %s (%s ago, %d accesses)\n",
		rec.LastAccessedAt.Format("2006-01-02 15:04"), now.Sub(rec.LastAccessedAt).Round(time.Hour), rec.AccessCount)
	if rec.Source != "" {
		fmt.Fprintf(&b, "Source: %s\n", rec.Source)
	}

	b.WriteString("\nRelated memories:\n")
	b.WriteString(formatRelated(related))
	return Prompt{System: reviewSystemPrompt, User: b.String()}
}

func formatRelated(hits []Scored) string {
	if len(hits) == 0 {
		return "(none)\n"
	}
	var b strings.Builder
	for _, h := range hits {
		fmt.Fprintf(&b, "- [%s] (%s, importance %.2f) %s\n",
			h.Record.ID, h.Record.Tier, h.Record.Importance, truncate(oneLine(h.Record.Content), 80))
	}
	return b.String()
}
