package memory

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/becomeliminal/nim-memory/logging"
)

// Clock returns the current time.
type Clock func() time.Time

type options struct {
	logger *slog.Logger
	clock  Clock
	meter  metric.Meter

	reviewer *Reviewer
}

// Option configures memory components.
type Option func(*options)

// WithLogger sets the logger. The default is logging.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithMeter sets the OpenTelemetry meter. The default is the global meter.
func WithMeter(m metric.Meter) Option {
	return func(o *options) { o.meter = m }
}

// WithReviewer makes the decayer and consolidator ask r before evicting
// or promoting. Nil disables review.
func WithReviewer(r *Reviewer) Option {
	return func(o *options) { o.reviewer = r }
}

func buildOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logging.Default()
	}
	if o.clock == nil {
		o.clock = time.Now
	}
	if o.meter == nil {
		o.meter = otel.Meter("github.com/becomeliminal/nim-memory")
	}
	return o
}
