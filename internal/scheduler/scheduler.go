// Package scheduler runs the daily reflection trigger.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/recall/internal/reflection"
)

const tickInterval = time.Minute

// Daily fires the reflection controller once per day when the cron
// expression matches. The last-reflection marker is the dedupe guard, so a
// restart inside the matching minute does not trigger a second run.
type Daily struct {
	staging *reflection.Staging
	run     func(ctx context.Context) (*reflection.Result, error)
	gron    *gronx.Gronx

	mu   sync.Mutex
	expr string

	interval time.Duration
	now      func() time.Time
}

func NewDaily(expr string, staging *reflection.Staging, run func(ctx context.Context) (*reflection.Result, error)) *Daily {
	return &Daily{
		expr:     expr,
		staging:  staging,
		run:      run,
		gron:     gronx.New(),
		interval: tickInterval,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetExpression swaps the cron expression at runtime. The next tick uses it.
func (d *Daily) SetExpression(expr string) {
	d.mu.Lock()
	d.expr = expr
	d.mu.Unlock()
}

func (d *Daily) expression() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.expr
}

// Run ticks once a minute until the context is cancelled.
func (d *Daily) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Daily) tick(ctx context.Context) {
	now := d.now()
	due, err := d.gron.IsDue(d.expression(), now)
	if err != nil || !due {
		return
	}

	last, err := d.staging.LastReflectionDate(ctx)
	if err != nil {
		slog.Warn("scheduler.marker_read_failed", "error", err)
		return
	}
	today := now.Format("2006-01-02")
	if last == today {
		return
	}

	slog.Info("scheduler.reflection_due", "date", today)
	result, err := d.run(ctx)
	if err != nil {
		slog.Error("scheduler.reflection_failed", "error", err)
		return
	}
	slog.Info("scheduler.reflection_done",
		"success", result.Success,
		"proposed", len(result.ProposedEdits),
		"auto_applied", len(result.AutoAppliedFixes))
}
