package app

import (
	"context"

	"github.com/specialistvlad/seqflow/internal/checkpoint"
	"github.com/specialistvlad/seqflow/internal/config"
	"github.com/specialistvlad/seqflow/internal/job"
	"github.com/specialistvlad/seqflow/internal/runner"
	"github.com/specialistvlad/seqflow/internal/watcher"
)

// Watcher builds the job engine from the configuration.
func (a *App) Watcher() (*watcher.Watcher, error) {
	cfg := a.config
	rcfg := runner.Config{Backend: cfg.Watcher.Runner, URL: cfg.Cromwell.URL}
	if cfg.Watcher.Runner == runner.BackendJaws {
		rcfg.URL, rcfg.Token, rcfg.Site = cfg.Jaws.URL, cfg.Jaws.Token, cfg.Jaws.Site
	}
	r, err := runner.New(rcfg)
	if err != nil {
		return nil, err
	}

	mat := &job.Materializer{URLRoot: cfg.Site.URLRoot, DataDir: cfg.Site.DataDir, Resource: cfg.Site.Resource}
	return watcher.New(a.catalog, a.checkpointStore(), r, runner.NewReleases(0, nil), mat, a.metrics, watcher.Config{
		Site:       cfg.Site.ID,
		Resource:   cfg.Site.Resource,
		Workers:    cfg.Watcher.Workers,
		MaxRetries: cfg.Watcher.MaxRetries,
		Workflows:  a.types,
	}), nil
}

// Watch runs the job engine until ctx is done.
func (a *App) Watch(ctx context.Context) error {
	ctx = a.Context(ctx)
	w, err := a.Watcher()
	if err != nil {
		return err
	}
	a.logger.Info("🚀 Starting job engine.", "site", a.config.Site.ID, "runner", a.config.Watcher.Runner)
	return w.Run(ctx, a.config.Watcher.Interval)
}

func (a *App) checkpointStore() checkpoint.Store {
	if a.config.State.Backend == config.StateRedis {
		return checkpoint.NewRedisStore(a.redisClient(), a.config.State.RedisKey)
	}
	return checkpoint.NewFileStore(a.config.State.Path)
}
