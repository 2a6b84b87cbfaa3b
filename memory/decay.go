package memory

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"
)

const day = 24 * time.Hour

// DecayReport summarizes one decay cycle.
type DecayReport struct {
	Scanned int
	Decayed int
	Evicted int

	// Review covers below-threshold records the judge was asked about.
	// Records it deleted are also counted in Evicted.
	Review ReviewReport

	// Skipped is set when the cycle yielded to a writer in progress.
	Skipped bool
}

// Decayer ages the importance of decaying tiers and evicts what falls below
// the threshold. It never touches content or embeddings, and never touches
// tiers whose policy does not decay.
type Decayer struct {
	store    Store
	cfg      *Config
	reviewer *Reviewer

	log     *slog.Logger
	now     Clock
	metrics *instruments

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDecayer creates a decayer.
func NewDecayer(store Store, cfg *Config, opts ...Option) *Decayer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	o := buildOptions(opts)
	return &Decayer{
		store:    store,
		cfg:      cfg,
		reviewer: o.reviewer,
		log:      o.logger,
		now:      o.clock,
		metrics:  newInstruments(o.meter, o.logger),
	}
}

// Start runs a cycle every cfg.Decay.Interval until Stop or ctx is done.
// Periodic cycles are skipped while another writer holds the store.
func (d *Decayer) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopCh != nil {
		return
	}
	d.stopCh = make(chan struct{})
	stopCh := d.stopCh

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.cfg.Decay.Interval)
		defer ticker.Stop()

		d.log.Info("decay scheduler started", "interval", d.cfg.Decay.Interval)
		for {
			select {
			case <-ticker.C:
				if _, err := d.cycle(ctx, false); err != nil {
					d.log.Error("decay cycle failed", "error", err)
				}
			case <-stopCh:
				d.log.Info("decay scheduler stopped")
				return
			case <-ctx.Done():
				d.log.Info("decay scheduler stopped", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Stop halts the scheduler and waits for a running cycle to finish.
func (d *Decayer) Stop() {
	d.mu.Lock()
	if d.stopCh != nil {
		close(d.stopCh)
		d.stopCh = nil
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// RunCycle runs one cycle now, waiting for the write lock if needed.
func (d *Decayer) RunCycle(ctx context.Context) (*DecayReport, error) {
	return d.cycle(ctx, true)
}

func (d *Decayer) cycle(ctx context.Context, wait bool) (*DecayReport, error) {
	report := &DecayReport{}

	var ids []string
	for rec, err := range d.store.Scan(ctx, Filter{}) {
		if err != nil {
			return nil, err
		}
		if d.cfg.Policy(rec.Tier).Decays {
			ids = append(ids, rec.ID)
		}
	}
	report.Scanned = len(ids)
	if len(ids) == 0 {
		return report, nil
	}

	now := d.now()
	var review []*Record
	apply := func(tx Tx) error {
		report.Decayed, report.Evicted = 0, 0
		review = review[:0]
		for _, id := range ids {
			rec, err := tx.Get(id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			policy := d.cfg.Policy(rec.Tier)
			if !policy.Decays {
				continue
			}

			changed := d.Apply(rec, policy, now)
			switch d.evictable(rec, policy, now) {
			case evictNow:
				if err := tx.Delete(id); err != nil {
					return err
				}
				report.Evicted++
				d.log.Debug("evicted memory", "id", id, "tier", rec.Tier, "importance", rec.Importance)
				continue
			case evictReview:
				if limit := d.cfg.Review.MaxPerCycle; limit <= 0 || len(review) < limit {
					review = append(review, rec.Clone())
				}
			}
			if changed {
				if err := tx.Put(rec); err != nil {
					return err
				}
				report.Decayed++
			}
		}
		return nil
	}

	if wait {
		if err := d.store.Update(ctx, apply); err != nil {
			return nil, err
		}
	} else {
		ran, err := d.store.TryUpdate(ctx, apply)
		if err != nil {
			return nil, err
		}
		if !ran {
			report.Skipped = true
			d.log.Debug("decay cycle skipped, store busy")
			return report, nil
		}
	}

	// Reviews call the judge, so they run outside the write lock. Records
	// past the per-cycle cap wait for the next cycle.
	for _, rec := range review {
		before := report.Review.Deleted
		if err := d.reviewer.reviewEviction(ctx, rec, &report.Review); err != nil {
			return nil, err
		}
		report.Evicted += report.Review.Deleted - before
	}

	d.metrics.decay(ctx, "decayed", report.Decayed)
	d.metrics.decay(ctx, "evicted", report.Evicted)
	d.log.Info("decay cycle complete", "scanned", report.Scanned, "decayed", report.Decayed, "evicted", report.Evicted, "reviewed", report.Review.Reviewed)
	return report, nil
}

// Apply lowers rec's importance for the time elapsed since it was last
// charged, and reports whether anything changed. The falloff starts
// cfg.Decay.GraceDays after the last access and never charges an interval
// twice, so repeated cycles compose to a single one over the same span.
func (d *Decayer) Apply(rec *Record, policy TierPolicy, now time.Time) bool {
	if !policy.Decays || policy.DecayRate <= 0 {
		return false
	}
	grace := time.Duration(d.cfg.Decay.GraceDays * float64(day))
	from := rec.LastAccessedAt.Add(grace)
	if rec.DecayedAt.After(from) {
		from = rec.DecayedAt
	}
	if !now.After(from) {
		return false
	}
	days := float64(now.Sub(from)) / float64(day)

	next := rec.Importance
	switch d.cfg.Decay.Shape {
	case DecayLinear:
		next -= policy.DecayRate * days
	default:
		next *= math.Pow(1-min(policy.DecayRate, 1), days)
	}
	next = policy.Bound(next)
	if next > rec.Importance {
		next = rec.Importance
	}

	rec.DecayedAt = now
	changed := next != rec.Importance
	rec.Importance = next
	return changed
}

type eviction int

const (
	evictNone eviction = iota
	evictNow
	evictReview
)

// evictable says whether rec goes. Idle records past MaxIdle always go.
// Faded records go once their grace period is over, or are held for review
// in tiers that ask for it. Records spared by a review stay until
// SparedUntil.
func (d *Decayer) evictable(rec *Record, policy TierPolicy, now time.Time) eviction {
	if policy.MaxIdle > 0 && now.Sub(rec.LastAccessedAt) > policy.MaxIdle {
		return evictNow
	}
	if rec.Importance >= d.cfg.Decay.Threshold {
		return evictNone
	}
	grace := time.Duration(d.cfg.Decay.GraceDays * float64(day))
	if !now.After(rec.LastAccessedAt.Add(grace)) || now.Before(rec.SparedUntil) {
		return evictNone
	}
	if d.reviewer != nil && policy.ReviewEviction && d.cfg.Review.Enabled {
		return evictReview
	}
	return evictNow
}
