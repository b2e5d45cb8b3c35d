// Package cronrunner runs periodic jobs on robfig/cron schedules with a shared
// base context.
package cronrunner

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Runner schedules jobs. Schedules take a leading seconds field.
type Runner struct {
	cron    *cron.Cron
	logger  *zap.Logger
	baseCtx context.Context
}

// New creates a runner. Jobs receive baseCtx, so cancelling it asks running
// jobs to stop. A job still running when its next tick fires is skipped.
func New(logger *zap.Logger, baseCtx context.Context) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		logger:  logger,
		baseCtx: baseCtx,
	}
}

// Add registers job under name on a cron schedule (with seconds).
func (r *Runner) Add(name, schedule string, job func(context.Context)) (cron.EntryID, error) {
	return r.cron.AddFunc(schedule, func() {
		if err := r.baseCtx.Err(); err != nil {
			return
		}
		r.logger.Debug("cron job started", zap.String("job", name))
		job(r.baseCtx)
	})
}

// Len returns the number of scheduled jobs.
func (r *Runner) Len() int {
	return len(r.cron.Entries())
}

func (r *Runner) Start() {
	r.logger.Info("cron started", zap.Int("jobs", r.Len()))
	r.cron.Start()
}

// Stop stops scheduling and waits for running jobs to finish.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info("cron stopped")
}
