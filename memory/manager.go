package memory

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/becomeliminal/nim-memory/core"
	"github.com/becomeliminal/nim-memory/logging"
)

// Injection is context rendered for one turn.
type Injection struct {
	// Text is the block to place in the prompt. Empty when nothing is known.
	Text string

	// IDs lists the injected records. Pass them back as core.Turn.Active.
	IDs []string
}

// Manager is the entry point the agent uses. It reads through the
// retriever, hands turns to per-session consolidation queues and owns the
// decay scheduler. It does not own the store.
type Manager struct {
	store        Store
	retriever    *Retriever
	consolidator *Consolidator
	decayer      *Decayer
	cfg          *Config

	log     *slog.Logger
	metrics *instruments

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	queues map[string]*sessionQueue
	busy   int
	idle   chan struct{}
	closed bool
}

// NewManager wires a manager over store. A nil judge disables consolidation
// and reviews. With a judge and cfg.Review.Enabled, one reviewer serves both
// promotion and eviction reviews unless WithReviewer supplies one.
func NewManager(store Store, embedder Embedder, judge Judge, cfg *Config, opts ...Option) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	o := buildOptions(opts)
	if judge != nil && cfg.Review.Enabled && o.reviewer == nil {
		opts = append(slices.Clip(opts), WithReviewer(NewReviewer(store, embedder, judge, cfg, opts...)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)

	m := &Manager{
		store:     store,
		retriever: NewRetriever(store, embedder, cfg, opts...),
		decayer:   NewDecayer(store, cfg, opts...),
		cfg:       cfg,
		log:       o.logger,
		metrics:   newInstruments(o.meter, o.logger),
		ctx:       ctx,
		cancel:    cancel,
		queues:    make(map[string]*sessionQueue),
		idle:      idle,
	}
	if judge != nil {
		m.consolidator = NewConsolidator(store, embedder, judge, cfg, opts...)
	}
	return m
}

// Start launches the decay scheduler when enabled.
func (m *Manager) Start(ctx context.Context) {
	if m.cfg.Decay.Enabled {
		m.decayer.Start(ctx)
	}
}

// InjectContext returns the memory block for query. It never fails: any
// retrieval error yields an empty string.
func (m *Manager) InjectContext(ctx context.Context, query string) string {
	inj, err := m.Context(ctx, query, nil)
	if err != nil {
		m.log.Warn("memory retrieval failed, injecting nothing", "error", err)
		return ""
	}
	return inj.Text
}

// Context renders core memories in full, then the best ranked memories of
// every other tier, each tier capped at cfg.Retrieval.InjectCount. active
// lists records already in the conversation, for the relation boost.
func (m *Manager) Context(ctx context.Context, query string, active []string) (*Injection, error) {
	sections := map[Tier]*Section{}
	section := func(t Tier) *Section {
		s, ok := sections[t]
		if !ok {
			s = &Section{Tier: t}
			sections[t] = s
		}
		return s
	}

	var ids []string
	for rec, err := range m.store.Scan(ctx, Filter{Tiers: []Tier{TierCore}}) {
		if err != nil {
			return nil, err
		}
		section(TierCore).Records = append(section(TierCore).Records, rec)
	}
	if s, ok := sections[TierCore]; ok {
		slices.SortFunc(s.Records, CompareRecords)
		for _, rec := range s.Records {
			ids = append(ids, rec.ID)
		}
	}

	limit := m.cfg.Retrieval.InjectCount
	var touched []string
	if limit > 0 {
		others := len(m.cfg.Tiers)
		if m.cfg.HasTier(TierCore) {
			others--
		}
		// Core hits are skipped below, so they must not eat the budget.
		budget := limit*max(others, 1) + len(ids)
		hits, err := m.retriever.Search(ctx, query, budget, active)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			if h.Record.Tier == TierCore {
				continue
			}
			s := section(h.Record.Tier)
			if len(s.Records) >= limit {
				continue
			}
			s.Records = append(s.Records, h.Record)
			touched = append(touched, h.Record.ID)
		}
	}
	ids = append(ids, touched...)

	if err := m.retriever.Touch(ctx, touched); err != nil {
		m.log.Warn("failed to record memory access", "error", err)
	}

	ordered := make([]Section, 0, len(sections))
	for _, t := range []Tier{TierCore, TierSemantic, TierEpisodic} {
		if s, ok := sections[t]; ok {
			ordered = append(ordered, *s)
			delete(sections, t)
		}
	}
	rest := make([]Tier, 0, len(sections))
	for t := range sections {
		rest = append(rest, t)
	}
	slices.Sort(rest)
	for _, t := range rest {
		ordered = append(ordered, *sections[t])
	}

	byID := make(map[string]*Record, len(ids))
	for _, s := range ordered {
		for _, rec := range s.Records {
			byID[rec.ID] = rec
		}
	}
	resolve := func(id string) (string, bool) {
		if rec, ok := byID[id]; ok {
			return rec.Content, true
		}
		rec, err := m.store.Get(ctx, id)
		if err != nil {
			return "", false
		}
		return rec.Content, true
	}

	text := FormatContext(ordered, m.cfg.Retrieval.MaxRelations, resolve)
	m.log.Debug("injected memory context", "records", len(ids), "query", truncate(query, 50))
	return &Injection{Text: text, IDs: ids}, nil
}

// RecordTurn queues turn for consolidation and returns at once. Turns of a
// session are consolidated one at a time in order. When the session queue
// is full the oldest pending turn is dropped.
func (m *Manager) RecordTurn(turn core.Turn) {
	if m.consolidator == nil || !m.cfg.Consolidation.Enabled {
		return
	}
	if turn.SessionID == "" {
		turn.SessionID = "default"
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	q, ok := m.queues[turn.SessionID]
	if !ok {
		ctx, cancel := context.WithCancel(m.ctx)
		q = &sessionQueue{id: turn.SessionID, ctx: ctx, cancel: cancel}
		m.queues[turn.SessionID] = q
	}
	if q.push(turn, m.cfg.Consolidation.QueueSize) {
		m.metrics.drop(m.ctx)
		m.log.Warn("consolidation queue full, dropped oldest turn", "session", turn.SessionID)
	}
	if !q.running {
		q.running = true
		m.acquire()
		go m.drain(q)
	}
}

func (m *Manager) drain(q *sessionQueue) {
	defer m.release()
	ctx := logging.WithSession(q.ctx, m.log, q.id)
	log := logging.FromContext(ctx, m.log)
	for {
		m.mu.Lock()
		turn, ok := q.pop()
		if !ok || q.ctx.Err() != nil {
			q.running = false
			if m.queues[q.id] == q {
				delete(m.queues, q.id)
				q.cancel()
			}
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		if _, err := m.consolidator.Consolidate(ctx, turn); err != nil {
			if errors.Is(err, context.Canceled) {
				log.Info("consolidation cancelled")
				continue
			}
			log.Error("consolidation failed", "error", err)
		}
	}
}

// EndSession discards pending turns of the session and cancels its running
// batch. A batch already applying completes.
func (m *Manager) EndSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[sessionID]
	if !ok {
		return
	}
	q.pending = nil
	q.cancel()
	delete(m.queues, sessionID)
}

// Wait blocks until every queued turn has been consolidated or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.Lock()
	idle := m.idle
	m.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunDecay runs one decay cycle now.
func (m *Manager) RunDecay(ctx context.Context) (*DecayReport, error) {
	return m.decayer.RunCycle(ctx)
}

// Forget deletes a record outright, core tier included.
func (m *Manager) Forget(ctx context.Context, id string) error {
	return m.store.Delete(ctx, id)
}

// Close stops the decay scheduler, cancels pending consolidation and waits
// for running batches to stop. The store stays open.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for id, q := range m.queues {
		q.pending = nil
		delete(m.queues, id)
	}
	m.mu.Unlock()

	m.cancel()
	m.decayer.Stop()
	return m.Wait(context.Background())
}

// acquire and release count running drain goroutines. Callers of acquire
// hold m.mu.
func (m *Manager) acquire() {
	if m.busy == 0 {
		m.idle = make(chan struct{})
	}
	m.busy++
}

func (m *Manager) release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.busy--
	if m.busy == 0 {
		close(m.idle)
	}
}
