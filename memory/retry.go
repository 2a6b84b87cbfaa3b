package memory

import (
	"context"
	"errors"
	"time"
)

// retry calls fn up to cfg.Attempts times, sleeping cfg.Backoff between
// tries. Validation errors and context cancellation are not retried.
func retry[T any](ctx context.Context, cfg RetryConfig, fn func(context.Context) (T, error)) (T, error) {
	attempts := max(cfg.Attempts, 1)
	var (
		out T
		err error
	)
	for i := 0; i < attempts; i++ {
		if i > 0 {
			t := time.NewTimer(cfg.Backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return out, errors.Join(err, ctx.Err())
			case <-t.C:
			}
		}
		out, err = fn(ctx)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil || errors.Is(err, ErrValidation) {
			return out, err
		}
	}
	return out, err
}
