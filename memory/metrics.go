package memory

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// instruments holds the metric instruments shared by the memory components.
// Creation failures leave an instrument nil and it is skipped.
type instruments struct {
	batches   metric.Int64Counter
	ops       metric.Int64Counter
	decayed   metric.Int64Counter
	drops     metric.Int64Counter
	reviews   metric.Int64Counter
	retrieval metric.Float64Histogram
}

func newInstruments(m metric.Meter, log *slog.Logger) *instruments {
	ins := &instruments{}
	var err error

	ins.batches, err = m.Int64Counter(
		"memory.consolidation.batches",
		metric.WithDescription("Consolidation batches by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		log.Warn("create metric", "name", "memory.consolidation.batches", "error", err)
	}

	ins.ops, err = m.Int64Counter(
		"memory.consolidation.ops",
		metric.WithDescription("Judge operations by kind and outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		log.Warn("create metric", "name", "memory.consolidation.ops", "error", err)
	}

	ins.decayed, err = m.Int64Counter(
		"memory.decay.records",
		metric.WithDescription("Records touched by decay by action"),
		metric.WithUnit("1"),
	)
	if err != nil {
		log.Warn("create metric", "name", "memory.decay.records", "error", err)
	}

	ins.drops, err = m.Int64Counter(
		"memory.queue.drops",
		metric.WithDescription("Pending turns dropped from full session queues"),
		metric.WithUnit("1"),
	)
	if err != nil {
		log.Warn("create metric", "name", "memory.queue.drops", "error", err)
	}

	ins.reviews, err = m.Int64Counter(
		"memory.reviews",
		metric.WithDescription("Judge reviews by kind and outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		log.Warn("create metric", "name", "memory.reviews", "error", err)
	}

	ins.retrieval, err = m.Float64Histogram(
		"memory.retrieval.duration",
		metric.WithDescription("Retrieval duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		log.Warn("create metric", "name", "memory.retrieval.duration", "error", err)
	}

	return ins
}

func (i *instruments) batch(ctx context.Context, outcome string) {
	if i.batches != nil {
		i.batches.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func (i *instruments) op(ctx context.Context, kind, outcome string) {
	if i.ops != nil {
		i.ops.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("outcome", outcome),
		))
	}
}

func (i *instruments) decay(ctx context.Context, action string, n int) {
	if i.decayed != nil && n > 0 {
		i.decayed.Add(ctx, int64(n), metric.WithAttributes(attribute.String("action", action)))
	}
}

func (i *instruments) drop(ctx context.Context) {
	if i.drops != nil {
		i.drops.Add(ctx, 1)
	}
}

func (i *instruments) review(ctx context.Context, kind ReviewKind, outcome string) {
	if i.reviews != nil {
		i.reviews.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", string(kind)),
			attribute.String("outcome", outcome),
		))
	}
}

func (i *instruments) retrieved(ctx context.Context, started time.Time, ok bool) {
	if i.retrieval != nil {
		i.retrieval.Record(ctx, float64(time.Since(started).Microseconds())/1000,
			metric.WithAttributes(attribute.Bool("ok", ok)))
	}
}
