package app

import (
	"context"
	"fmt"
	"time"

	"github.com/specialistvlad/seqflow/internal/lock"
	"github.com/specialistvlad/seqflow/internal/loop"
	"github.com/specialistvlad/seqflow/internal/scheduler"
)

// CycleOptions controls one scheduler pass.
type CycleOptions struct {
	// DryRun logs decisions without creating job records.
	DryRun bool
	// AllowList and SkipList override the configured id list files.
	AllowList string
	SkipList  string
}

func (o CycleOptions) lists(a *App) (allow, skip []string, err error) {
	allowPath, skipPath := o.AllowList, o.SkipList
	if allowPath == "" {
		allowPath = a.config.Scheduler.AllowList
	}
	if skipPath == "" {
		skipPath = a.config.Scheduler.SkipList
	}
	if allow, err = readIDList(allowPath); err != nil {
		return nil, nil, err
	}
	if skip, err = readIDList(skipPath); err != nil {
		return nil, nil, err
	}
	return allow, skip, nil
}

// Cycle runs one scheduler pass and, unless DryRun is set, persists the
// decided jobs. Lists are re-read on every call.
func (a *App) Cycle(ctx context.Context, opts CycleOptions) ([]*scheduler.JobRequest, error) {
	ctx = a.Context(ctx)
	allow, skip, err := opts.lists(a)
	if err != nil {
		return nil, err
	}

	unlock, err := a.locker().Lock(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduler cycle already running elsewhere: %w", err)
	}
	defer unlock()

	start := time.Now()
	reqs, err := a.sched().Cycle(ctx, skip, allow)
	if err != nil {
		return nil, fmt.Errorf("scheduler cycle failed: %w", err)
	}
	if opts.DryRun {
		for _, r := range reqs {
			a.logger.Info("Would create job.", "workflow", r.Job.Workflow.ID, "trigger", r.Job.Config.TriggerActivity, "execution", r.Job.Config.ActivityID)
		}
	} else if _, err := a.sched().Persist(ctx, reqs); err != nil {
		return nil, fmt.Errorf("failed to persist jobs: %w", err)
	}
	a.logger.Info("🏁 Scheduler cycle finished.", "jobs", len(reqs), "dry_run", opts.DryRun, "duration", time.Since(start))
	return reqs, nil
}

// Schedule runs Cycle every scheduler.interval until ctx is done. A failed
// cycle is logged and retried on the next tick.
func (a *App) Schedule(ctx context.Context, opts CycleOptions) error {
	ctx = a.Context(ctx)
	return loop.Every(ctx, a.config.Scheduler.Interval, "scheduler", func(ctx context.Context) {
		if _, err := a.Cycle(ctx, opts); err != nil && ctx.Err() == nil {
			a.logger.Error("Scheduler cycle failed.", "error", err)
		}
	})
}

// sched keeps one Scheduler per App so decision logs stay deduplicated
// across cycles.
func (a *App) sched() *scheduler.Scheduler {
	if a.scheduler == nil {
		a.scheduler = scheduler.New(a.catalog, a.types, a.config.Scheduler.Force, scheduler.WithMetrics(a.metrics))
	}
	return a.scheduler
}

func (a *App) locker() lock.Locker {
	if !a.config.Scheduler.Lock {
		return lock.Noop{}
	}
	// Expiry well past any reasonable cycle.
	return lock.NewRedis(a.redisClient(), lock.DefaultName, 2*a.config.Scheduler.Interval)
}
