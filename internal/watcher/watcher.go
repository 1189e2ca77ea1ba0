// Package watcher drives claimed jobs through the job engine: it claims new
// jobs, polls them in parallel, checkpoints every change and writes the
// results back to the catalog.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/specialistvlad/seqflow/internal/catalog"
	"github.com/specialistvlad/seqflow/internal/checkpoint"
	"github.com/specialistvlad/seqflow/internal/ctxlog"
	"github.com/specialistvlad/seqflow/internal/job"
	"github.com/specialistvlad/seqflow/internal/loop"
	"github.com/specialistvlad/seqflow/internal/metrics"
	"github.com/specialistvlad/seqflow/internal/runner"
	"github.com/specialistvlad/seqflow/internal/workflow"
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/sync/errgroup"
)

// DefaultWorkers bounds how many jobs are polled at once.
const DefaultWorkers = 4

// Config holds the site-level settings of a Watcher.
type Config struct {
	// Site is the id used to claim jobs.
	Site string
	// Resource replaces the {resource} input placeholder.
	Resource   string
	Workers    int
	MaxRetries int
	// Workflows restricts claiming to enabled types. Empty claims any job.
	Workflows []*workflow.Type
}

// Watcher owns the in-flight jobs of one site.
type Watcher struct {
	catalog      catalog.Runtime
	store        checkpoint.Store
	runner       runner.Runner
	releases     job.ReleaseFetcher
	materializer *job.Materializer
	metrics      *metrics.Metrics
	cfg          Config

	mu   sync.Mutex
	jobs map[string]*job.Job
}

// New builds a Watcher. m may be nil.
func New(rt catalog.Runtime, store checkpoint.Store, r runner.Runner, releases job.ReleaseFetcher, mat *job.Materializer, m *metrics.Metrics, cfg Config) *Watcher {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	return &Watcher{
		catalog:      rt,
		store:        store,
		runner:       r,
		releases:     releases,
		materializer: mat,
		metrics:      m,
		cfg:          cfg,
		jobs:         make(map[string]*job.Job),
	}
}

// Restore reloads checkpointed jobs that are not done yet.
func (w *Watcher) Restore(ctx context.Context) error {
	states, err := w.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore jobs: %w", err)
	}
	w.mu.Lock()
	for _, s := range states {
		if s.Done {
			continue
		}
		w.jobs[s.OpID] = w.newJob(s)
	}
	n := len(w.jobs)
	w.mu.Unlock()
	w.metrics.SetInFlight(n)
	w.logger(ctx).Info("Restored jobs from checkpoint.", "in_flight", n, "checkpointed", len(states))
	return nil
}

// ClaimNew claims every unclaimed job for the enabled workflows and starts
// tracking it. It returns the number of jobs claimed.
func (w *Watcher) ClaimNew(ctx context.Context) (int, error) {
	logger := w.logger(ctx)
	filter := bson.M{"claims": bson.M{"$size": 0}, "cancelled": bson.M{"$ne": true}}
	if ids := w.workflowIDs(); len(ids) > 0 {
		filter["workflow.id"] = bson.M{"$in": ids}
	}
	jobs, err := w.catalog.ListJobs(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to list unclaimed jobs: %w", err)
	}

	claimed := 0
	for _, j := range jobs {
		if w.tracking(j.ID) {
			continue
		}
		op, err := w.catalog.ClaimJob(ctx, j.ID, w.cfg.Site)
		if errors.Is(err, catalog.ErrAlreadyClaimed) {
			logger.Debug("Job already claimed.", "job", j.ID)
			continue
		}
		if err != nil {
			return claimed, fmt.Errorf("failed to claim job %s: %w", j.ID, err)
		}
		s := job.NewState(op.ID, j)
		if err := w.store.Save(ctx, s); err != nil {
			return claimed, err
		}
		w.mu.Lock()
		w.jobs[s.OpID] = w.newJob(s)
		w.mu.Unlock()
		claimed++
		logger.Info("Claimed job.", "job", j.ID, "opid", op.ID, "workflow", j.Workflow.ID)
	}
	w.metrics.SetInFlight(w.InFlight())
	return claimed, nil
}

// Poll advances every in-flight job once, at most Workers at a time. A job
// whose step fails is logged and retried on the next poll; only context
// cancellation aborts the poll.
func (w *Watcher) Poll(ctx context.Context) error {
	ctx, _ = ctxlog.With(ctx, "component", "watcher", "site", w.cfg.Site)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Workers)
	for _, j := range w.snapshot() {
		j := j
		g.Go(func() error {
			jctx, logger := ctxlog.With(gctx, "job", j.State.NMDCJobID)
			if err := w.step(jctx, j); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				logger.Error("Job step failed.", "opid", j.State.OpID, "error", err)
			}
			return nil
		})
	}
	err := g.Wait()
	w.metrics.SetInFlight(w.InFlight())
	return err
}

// InFlight is the number of jobs not done yet.
func (w *Watcher) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.jobs)
}

// Run claims and polls on every tick until ctx is done.
func (w *Watcher) Run(ctx context.Context, interval time.Duration) error {
	if err := w.Restore(ctx); err != nil {
		return err
	}
	return loop.Every(ctx, interval, "watcher", func(ctx context.Context) {
		if _, err := w.ClaimNew(ctx); err != nil {
			w.logger(ctx).Error("Failed to claim jobs.", "error", err)
		}
		if err := w.Poll(ctx); err != nil && ctx.Err() == nil {
			w.logger(ctx).Error("Poll failed.", "error", err)
		}
	})
}

func (w *Watcher) step(ctx context.Context, j *job.Job) error {
	before := *j.State
	tr, err := j.Step(ctx)
	if err != nil {
		return err
	}

	switch tr {
	case job.Submitted, job.Resubmitted:
		w.metrics.Submitted(j.Backend())
	case job.Succeeded:
		if err := w.store.Save(ctx, j.State); err != nil {
			return err
		}
		if err := w.Finalize(ctx, j); err != nil {
			return err
		}
	case job.Failed:
		if err := w.finalizeFailure(ctx, j); err != nil {
			return err
		}
	}

	if tr != job.NoChange || before.LastStatus != j.State.LastStatus {
		if err := w.store.Save(ctx, j.State); err != nil {
			return err
		}
	}
	if j.State.Done {
		w.mu.Lock()
		delete(w.jobs, j.State.OpID)
		w.mu.Unlock()
	}
	return nil
}

// Finalize writes the records of a succeeded job to the catalog and marks
// its operation done. Records are posted once: the job is checkpointed as
// posted before the operation update, so a failed update is retried alone
// on the next poll.
func (w *Watcher) Finalize(ctx context.Context, j *job.Job) error {
	if !j.State.Posted {
		records, err := w.materializer.Materialize(ctx, j)
		if err != nil {
			return fmt.Errorf("failed to materialize outputs: %w", err)
		}
		if records == nil {
			return nil
		}
		if err := w.catalog.PostWorkflowRecords(ctx, records); err != nil {
			return fmt.Errorf("failed to post workflow records: %w", err)
		}
		j.State.Posted = true
		if err := w.store.Save(ctx, j.State); err != nil {
			return err
		}
	}

	ids := make([]string, 0, len(j.State.Outputs))
	for _, a := range j.State.Outputs {
		ids = append(ids, a.ID)
	}
	update := catalog.OperationUpdate{
		Done:   true,
		Result: bson.M{"status": job.StatusSucceeded, "execution_id": j.State.ExecutionID(), "data_objects": ids},
	}
	if err := w.catalog.UpdateOperation(ctx, j.State.OpID, update); err != nil {
		return fmt.Errorf("failed to update operation: %w", err)
	}
	j.State.Done = true
	w.metrics.Finished(job.StatusSucceeded)
	ctxlog.FromContext(ctx).Info("🏁 Job finalized.", "data_objects", len(ids))
	return nil
}

// finalizeFailure closes the operation of a job out of retries. On error the
// job is reopened so the next poll tries again.
func (w *Watcher) finalizeFailure(ctx context.Context, j *job.Job) error {
	update := catalog.OperationUpdate{
		Done:   true,
		Result: bson.M{"status": job.StatusFailed, "failed_count": j.State.FailedCount},
	}
	if err := w.catalog.UpdateOperation(ctx, j.State.OpID, update); err != nil {
		j.State.Done = false
		return fmt.Errorf("failed to update operation: %w", err)
	}
	w.metrics.Finished(job.StatusFailed)
	return nil
}

func (w *Watcher) newJob(s *job.State) *job.Job {
	return job.New(s, w.runner, w.releases, w.cfg.Resource, w.cfg.MaxRetries)
}

func (w *Watcher) tracking(jobID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, j := range w.jobs {
		if j.State.NMDCJobID == jobID {
			return true
		}
	}
	return false
}

func (w *Watcher) snapshot() []*job.Job {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*job.Job, 0, len(w.jobs))
	for _, j := range w.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].State.OpID < out[b].State.OpID })
	return out
}

func (w *Watcher) workflowIDs() []string {
	var ids []string
	for _, t := range w.cfg.Workflows {
		if t.Enabled && !t.IsRawInput() {
			ids = append(ids, catalog.WorkflowID(t.Name, t.Version))
		}
	}
	return ids
}

func (w *Watcher) logger(ctx context.Context) *slog.Logger {
	return ctxlog.FromContext(ctx).With("component", "watcher", "site", w.cfg.Site)
}
