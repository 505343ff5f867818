package autopilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Runner drives the machine from a ticker while the autopilot is enabled.
// Failures are logged and never stop the loop.
type Runner struct {
	Machine  *Machine
	Interval time.Duration
	Logger   *slog.Logger
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Run ticks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	r.logger().Info("autopilot runner started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			r.logger().Info("autopilot runner stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := r.Tick(ctx); err != nil {
				r.logger().Warn("autopilot tick failed", "error", err)
			}
		}
	}
}

// Tick performs one step: Advance, or Rollover from analytics. It does
// nothing while the autopilot is disabled.
func (r *Runner) Tick(ctx context.Context) error {
	st, err := r.Machine.State(ctx)
	if err != nil {
		return err
	}
	if !st.Enabled {
		return nil
	}
	if st.Stage == StageAnalytics {
		_, err = r.Machine.Rollover(ctx, RolloverOptions{})
	} else {
		_, err = r.Machine.Advance(ctx)
	}
	if err == nil {
		return nil
	}
	// Generation failures are already in the cycle log.
	if !errors.Is(err, ErrUpstreamGeneration) && ctx.Err() == nil {
		if lerr := r.Machine.note(ctx, fmt.Sprintf("Autopilot step failed: %v", err)); lerr != nil {
			r.logger().Error("record autopilot failure", "error", lerr)
		}
	}
	return err
}
