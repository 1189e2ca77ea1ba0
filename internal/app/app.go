package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-redis/redis/v8"
	"github.com/specialistvlad/seqflow/internal/catalog"
	"github.com/specialistvlad/seqflow/internal/config"
	"github.com/specialistvlad/seqflow/internal/ctxlog"
	"github.com/specialistvlad/seqflow/internal/metrics"
	"github.com/specialistvlad/seqflow/internal/scheduler"
	"github.com/specialistvlad/seqflow/internal/workflow"
)

// App owns the long-lived dependencies of one process: logger, catalog
// connection, metrics and the health-check server.
type App struct {
	outW    io.Writer
	ctx     context.Context
	logger  *slog.Logger
	config  *config.Config
	metrics *metrics.Metrics

	catalog    catalog.Runtime
	redis      *redis.Client
	types      []*workflow.Type
	scheduler  *scheduler.Scheduler
	httpServer *http.Server
	closers    []func(context.Context) error
}

// Option configures an App.
type Option func(*App)

// WithCatalog uses rt instead of the configured catalog backend.
func WithCatalog(rt catalog.Runtime) Option {
	return func(a *App) { a.catalog = rt }
}

// WithRedis uses client instead of dialing redis.addr.
func WithRedis(client *redis.Client) Option {
	return func(a *App) { a.redis = client }
}

// NewApp builds an App with its own logger. Nothing is opened until Start.
func NewApp(outW io.Writer, cfg *config.Config, opts ...Option) *App {
	logger := newLogger(cfg.Log.Level, cfg.Log.Format, outW)
	a := &App{
		outW:    outW,
		ctx:     ctxlog.WithLogger(context.Background(), logger),
		logger:  logger,
		config:  cfg,
		metrics: metrics.New(cfg.Server.RuntimeMetrics),
	}
	for _, opt := range opts {
		opt(a)
	}
	logger.Debug("Logger configured successfully.")
	return a
}

// Context returns ctx carrying the App logger.
func (a *App) Context(ctx context.Context) context.Context {
	return ctxlog.WithLogger(ctx, a.logger)
}

// Metrics is exposed for tests.
func (a *App) Metrics() *metrics.Metrics { return a.metrics }

// Start opens the catalog, loads the workflow catalog and starts the
// health-check server.
func (a *App) Start(ctx context.Context) error {
	ctx = a.Context(ctx)
	if a.catalog == nil {
		rt, closer, err := openCatalog(ctx, a.config.Catalog)
		if err != nil {
			return err
		}
		a.catalog = rt
		if closer != nil {
			a.closers = append(a.closers, closer)
		}
	}

	types, err := workflow.Load(ctx, a.config.Workflows.Path)
	if err != nil {
		return fmt.Errorf("failed to load workflows: %w", err)
	}
	a.types = types
	a.logger.Info("Workflow catalog loaded.", "path", a.config.Workflows.Path, "workflows", len(types))

	a.healthCheckServer()
	return nil
}

// Close stops the health-check server and releases connections.
func (a *App) Close() error {
	var errList []error
	if err := a.closeHealthCheckServer(); err != nil {
		errList = append(errList, err)
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](a.ctx); err != nil {
			errList = append(errList, err)
		}
	}
	a.closers = nil
	return errors.Join(errList...)
}

func (a *App) redisClient() *redis.Client {
	if a.redis == nil {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     a.config.Redis.Addr,
			Password: a.config.Redis.Password,
			DB:       a.config.Redis.DB,
		})
		client := a.redis
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
	}
	return a.redis
}
