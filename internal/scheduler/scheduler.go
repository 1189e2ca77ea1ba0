// Package scheduler decides which workflow jobs to launch. Each Cycle
// rebuilds the instance graph from the catalog, walks every node's child
// workflow types, and emits fully resolved job records for the work that
// is neither done nor already requested.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/specialistvlad/seqflow/internal/catalog"
	"github.com/specialistvlad/seqflow/internal/ctxlog"
	"github.com/specialistvlad/seqflow/internal/errs"
	"github.com/specialistvlad/seqflow/internal/graph"
	"github.com/specialistvlad/seqflow/internal/metrics"
	"github.com/specialistvlad/seqflow/internal/node"
	"github.com/specialistvlad/seqflow/internal/version"
	"github.com/specialistvlad/seqflow/internal/workflow"
	"go.mongodb.org/mongo-driver/bson"
)

// Skip reasons reported to metrics.
const (
	reasonDisabled     = "disabled"
	reasonExistingJob  = "existing_job"
	reasonManifest     = "manifest"
	reasonExistingWork = "existing_child"
	reasonMissing      = "missing_artifact"
)

// JobRequest is one decided job: the child workflow to run, the node that
// triggered it, and the resolved job record ready to persist.
type JobRequest struct {
	Workflow   *workflow.Type
	Trigger    *node.Node
	InformedBy []string
	Manifest   string
	Job        *catalog.Job
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMetrics records decisions into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// Scheduler is not safe for concurrent use. Callers serialize cycles.
type Scheduler struct {
	client  catalog.Client
	builder *graph.Builder
	types   []*workflow.Type
	force   bool
	metrics *metrics.Metrics
	// logged holds decision lines already emitted by this instance.
	logged map[string]struct{}
}

// New returns a scheduler over the given catalog of workflow types. With
// force set, versions must match exactly instead of by major and minor.
func New(client catalog.Client, types []*workflow.Type, force bool, opts ...Option) *Scheduler {
	s := &Scheduler{
		client:  client,
		builder: graph.NewBuilder(client, force),
		types:   types,
		force:   force,
		logged:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// cycle holds the state scoped to one Cycle call.
type cycle struct {
	manifests *graph.ManifestIndex
	// jobs caches existing job records per workflow type.
	jobs map[*workflow.Type][]*catalog.Job
	// decided records "<manifest>|<workflow>" pairs emitted this cycle.
	decided map[string]struct{}
}

// Cycle runs one scheduling pass. Nodes whose id is in skip are ignored;
// a non-empty allow restricts the pass to those raw inputs. Catalog errors
// abort the pass; a job whose inputs cannot be resolved is logged and
// left out.
func (s *Scheduler) Cycle(ctx context.Context, skip, allow []string) ([]*JobRequest, error) {
	start := time.Now()
	defer func() { s.metrics.ObserveCycle(time.Since(start)) }()
	logger := s.logger(ctx)
	logger.Info("🔎 Scheduling cycle started.", "workflows", len(s.types), "allow", len(allow), "skip", len(skip))

	nodes, manifests, err := s.builder.Build(ctx, s.types, allow)
	if err != nil {
		return nil, fmt.Errorf("failed to build instance graph: %w", err)
	}

	c := &cycle{
		manifests: manifests,
		jobs:      make(map[*workflow.Type][]*catalog.Job),
		decided:   make(map[string]struct{}),
	}

	var reqs []*JobRequest
	for _, n := range nodes {
		if slices.Contains(skip, n.ID()) || !n.Workflow.Enabled {
			continue
		}
		found, err := s.findNewJobs(ctx, c, n)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, found...)
	}

	var resolved []*JobRequest
	for _, req := range reqs {
		job, err := s.resolve(ctx, c, req)
		var missing *errs.MissingArtifactError
		switch {
		case errors.As(err, &missing):
			s.metrics.JobSkipped(reasonMissing)
			s.logOnce(ctx, slog.LevelWarn, "Skipping job with missing inputs.", "workflow", req.Workflow.Name, "trigger", req.Trigger.ID(), "error", err)
			continue
		case err != nil:
			return nil, err
		}
		req.Job = job
		resolved = append(resolved, req)
	}

	logger.Info("✅ Scheduling cycle finished.", "nodes", len(nodes), "jobs", len(resolved), "duration", time.Since(start))
	return resolved, nil
}

// Persist writes every request's job record through the catalog and
// returns the stored records.
func (s *Scheduler) Persist(ctx context.Context, reqs []*JobRequest) ([]*catalog.Job, error) {
	logger := s.logger(ctx)
	created := make([]*catalog.Job, 0, len(reqs))
	for _, req := range reqs {
		job, err := s.client.CreateJob(ctx, req.Job)
		if err != nil {
			return created, ioError("create job", err)
		}
		s.metrics.JobCreated(req.Workflow.Name)
		logger.Info("Job created.", "job", job.ID, "workflow", job.Workflow.ID, "execution", job.Config.ActivityID, "trigger", job.Config.TriggerActivity)
		created = append(created, job)
	}
	return created, nil
}

// findNewJobs returns the child jobs n still needs.
func (s *Scheduler) findNewJobs(ctx context.Context, c *cycle, n *node.Node) ([]*JobRequest, error) {
	var reqs []*JobRequest
	for _, child := range n.Workflow.Children {
		if !child.Enabled {
			s.metrics.JobSkipped(reasonDisabled)
			s.logOnce(ctx, slog.LevelDebug, "Skipping disabled workflow.", "workflow", child.Name)
			continue
		}

		existing, err := s.existingJobs(ctx, c, child)
		if err != nil {
			return nil, err
		}
		if slices.ContainsFunc(existing, func(j *catalog.Job) bool { return j.Config.TriggerActivity == n.ID() }) {
			s.metrics.JobSkipped(reasonExistingJob)
			s.logOnce(ctx, slog.LevelDebug, "Skipping trigger with existing job.", "workflow", child.String(), "trigger", n.ID())
			continue
		}

		if n.Manifest != "" && s.manifestServiced(c, n, child, existing) {
			s.metrics.JobSkipped(reasonManifest)
			s.logOnce(ctx, slog.LevelDebug, "Skipping pooled trigger with existing manifest job.", "workflow", child.Name, "trigger", n.ID(), "manifest", n.Manifest)
			continue
		}

		if s.alreadyDone(n, child) {
			s.metrics.JobSkipped(reasonExistingWork)
			continue
		}

		req := &JobRequest{Workflow: child, Trigger: n, InformedBy: n.InformedBy()}
		if n.Manifest != "" {
			req.Manifest = n.Manifest
			c.decided[n.Manifest+"|"+child.Name] = struct{}{}
			if group := c.manifests.Get(n.Manifest); group != nil && group.Contains(n.ID()) {
				req.InformedBy = slices.Clone(group.RawInputIDs)
				slices.Sort(req.InformedBy)
			}
		}
		s.logOnce(ctx, slog.LevelInfo, "Found new job.", "workflow", child.String(), "trigger", n.ID())
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// existingJobs lists job records for wf, cancelled ones included, once per
// cycle.
func (s *Scheduler) existingJobs(ctx context.Context, c *cycle, wf *workflow.Type) ([]*catalog.Job, error) {
	if jobs, ok := c.jobs[wf]; ok {
		return jobs, nil
	}
	jobs, err := s.client.ListJobs(ctx, bson.M{"config.git_repo": wf.GitRepo, "config.release": wf.Version})
	if err != nil {
		return nil, ioError("list jobs for "+wf.Name, err)
	}
	c.jobs[wf] = jobs
	return jobs, nil
}

// manifestServiced reports whether another member of n's manifest already
// has a job for child, either persisted or decided earlier this cycle.
func (s *Scheduler) manifestServiced(c *cycle, n *node.Node, child *workflow.Type, existing []*catalog.Job) bool {
	if _, ok := c.decided[n.Manifest+"|"+child.Name]; ok {
		return true
	}
	group := c.manifests.Get(n.Manifest)
	for _, j := range existing {
		if j.Config.Manifest == n.Manifest {
			return true
		}
		if group == nil || j.Config.TriggerActivity == n.ID() {
			continue
		}
		if group.Contains(j.Config.TriggerActivity) {
			return true
		}
	}
	return false
}

// alreadyDone reports whether n has a child execution of child's workflow
// at a compatible version.
func (s *Scheduler) alreadyDone(n *node.Node, child *workflow.Type) bool {
	for _, c := range n.Children {
		if c.Workflow.Name != child.Name {
			continue
		}
		if version.WithinRange(c.Version(), child.Version, s.force) {
			return true
		}
	}
	return false
}

func (s *Scheduler) logOnce(ctx context.Context, level slog.Level, msg string, args ...any) {
	key := msg + fmt.Sprint(args...)
	if _, ok := s.logged[key]; ok {
		return
	}
	s.logged[key] = struct{}{}
	s.logger(ctx).Log(ctx, level, msg, args...)
}

func (s *Scheduler) logger(ctx context.Context) *slog.Logger {
	return ctxlog.FromContext(ctx).With("component", "scheduler")
}

func ioError(op string, err error) error {
	var ioErr *errs.CatalogIOError
	if errors.As(err, &ioErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &errs.CatalogIOError{Op: op, Err: err}
}

// executionRoot strips the trailing ".N" iteration suffix.
func executionRoot(id string) string {
	if i := strings.LastIndex(id, "."); i > 0 {
		return id[:i]
	}
	return id
}
