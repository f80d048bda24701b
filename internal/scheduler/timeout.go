package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"media-reconciler/internal/telemetry"
)

// WithTimeout runs fn with a bounded deadline. A timeout or an error yields the zero value
// and ok=false; both are logged and neither is returned to the caller, so one slow
// dependency degrades to "no result" instead of stalling the cycle.
func WithTimeout[T any](ctx context.Context, logger *slog.Logger, step string, d time.Duration, fn func(context.Context) (T, error)) (T, bool) {
	var zero T
	if d <= 0 {
		v, err := fn(ctx)
		if err != nil {
			logger.Warn("step failed", "step", step, "error", err)
			return zero, false
		}
		return v, true
	}

	stepCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(stepCtx)
		done <- result{v: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
				telemetry.StepTimeouts.WithLabelValues(step).Inc()
				logger.Warn("step timed out", "step", step, "timeout", d)
				return zero, false
			}
			logger.Warn("step failed", "step", step, "error", r.err)
			return zero, false
		}
		return r.v, true
	case <-stepCtx.Done():
		if ctx.Err() != nil {
			return zero, false
		}
		telemetry.StepTimeouts.WithLabelValues(step).Inc()
		logger.Warn("step timed out", "step", step, "timeout", d)
		return zero, false
	}
}
