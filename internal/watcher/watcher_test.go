package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/specialistvlad/seqflow/internal/catalog"
	"github.com/specialistvlad/seqflow/internal/catalog/memory"
	"github.com/specialistvlad/seqflow/internal/checkpoint"
	"github.com/specialistvlad/seqflow/internal/job"
	"github.com/specialistvlad/seqflow/internal/metrics"
	"github.com/specialistvlad/seqflow/internal/runner"
	tu "github.com/specialistvlad/seqflow/internal/testutil"
	"github.com/specialistvlad/seqflow/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedRunner answers Status from a per-run script. The last entry
// repeats. Safe for the parallel poll.
type scriptedRunner struct {
	mu        sync.Mutex
	script    []string
	outputs   map[string]string
	runs      map[string]int
	submitted int
}

func (r *scriptedRunner) Backend() string { return runner.BackendCromwell }

func (r *scriptedRunner) Submit(_ context.Context, _ *runner.Submission) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submitted++
	if r.runs == nil {
		r.runs = map[string]int{}
	}
	id := fmt.Sprintf("cw-%d", r.submitted)
	r.runs[id] = 0
	return id, nil
}

func (r *scriptedRunner) Status(_ context.Context, id string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.runs[id]
	if i < len(r.script)-1 {
		r.runs[id] = i + 1
	}
	return r.script[i], nil
}

func (r *scriptedRunner) Metadata(_ context.Context, id string) (*runner.Metadata, error) {
	return &runner.Metadata{ID: id, Status: "Succeeded", Outputs: r.outputs, Raw: map[string]any{"id": id}}, nil
}

func (r *scriptedRunner) Resubmittable(status string) bool {
	return runner.NewCromwell(runner.Config{}).Resubmittable(status)
}

type releases struct{}

func (releases) Fetch(_ context.Context, _, _, file string) ([]byte, error) {
	return []byte(file), nil
}

type fixture struct {
	store   *memory.Store
	ckpt    *checkpoint.FileStore
	runner  *scriptedRunner
	metrics *metrics.Metrics
	dataDir string
}

func newFixture(t *testing.T, script ...string) *fixture {
	t.Helper()
	src := tu.WriteFiles(t, map[string]string{
		"filtered.fastq.gz": "ACGT",
		"stats.json":        `{"reads": 10}`,
	})
	return &fixture{
		store: memory.New(),
		ckpt:  checkpoint.NewFileStore(filepath.Join(t.TempDir(), "jobs.json")),
		runner: &scriptedRunner{
			script: script,
			outputs: map[string]string{
				"nmdc_rqcfilter.filtered_final": filepath.Join(src, "filtered.fastq.gz"),
				"nmdc_rqcfilter.filtered_stats": filepath.Join(src, "stats.json"),
			},
		},
		metrics: metrics.New(false),
		dataDir: t.TempDir(),
	}
}

func (f *fixture) watcher(cfg Config) *Watcher {
	if cfg.Site == "" {
		cfg.Site = "test-site"
	}
	mat := &job.Materializer{URLRoot: "https://data.example.org", DataDir: f.dataDir, Resource: "test-site"}
	return New(f.store, f.ckpt, f.runner, releases{}, mat, f.metrics, cfg)
}

func (f *fixture) createJob(t *testing.T, workflowID, execID string) *catalog.Job {
	t.Helper()
	created, err := f.store.CreateJob(context.Background(), &catalog.Job{
		Workflow: catalog.JobWorkflow{ID: workflowID},
		Config: catalog.JobConfig{
			GitRepo:       tu.RepoReadsQC,
			Release:       "v1.0.8",
			WDL:           "rqcfilter.wdl",
			ActivityID:    execID,
			WasInformedBy: []string{"dg-1"},
			InputPrefix:   "nmdc_rqcfilter",
			Inputs:        map[string]any{"proj": execID},
			Activity:      map[string]string{"type": "nmdc:ReadQcAnalysis", "name": "Read QC for {id}"},
			Outputs: []catalog.JobOutput{
				{Output: "filtered_final", DataObjectType: tu.TypeFilteredReads, ID: execID + "-1"},
				{Output: "filtered_stats", DataObjectType: tu.TypeQCStats, ID: execID + "-2"},
			},
		},
	})
	require.NoError(t, err)
	return created
}

const readsQC = "Reads QC: v1.0.8"

func TestWatcher_Lifecycle(t *testing.T) {
	ctx, logs := tu.LogContext(t)
	f := newFixture(t, "Running", "Succeeded")
	f.createJob(t, readsQC, "nmdc:wfrqc-1.1")
	w := f.watcher(Config{MaxRetries: 1})

	n, err := w.ClaimNew(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = w.ClaimNew(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a claimed job is not claimed twice")

	// submit, running, succeeded
	for i := 0; i < 3; i++ {
		require.NoError(t, w.Poll(ctx))
	}

	assert.Zero(t, w.InFlight())
	assert.Equal(t, 1, f.runner.submitted)
	assert.Equal(t, 2, f.store.Count(catalog.CollectionDataObjects))
	assert.Equal(t, 1, f.store.Count(catalog.CollectionWorkflowExecutions))
	assert.FileExists(t, filepath.Join(f.dataDir, "dg-1", "nmdc:wfrqc-1.1", job.MetadataFile))

	states, err := f.ckpt.Load(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	s := states[0]
	assert.True(t, s.Done)
	assert.Equal(t, job.StatusSucceeded, s.LastStatus)
	assert.Len(t, s.Outputs, 2)

	op, ok := f.store.Operation(s.OpID)
	require.True(t, ok)
	assert.True(t, op.Done)
	assert.Equal(t, job.StatusSucceeded, op.Result["status"])

	require.NoError(t, testutil.GatherAndCompare(f.metrics.Registry(), strings.NewReader(`
# HELP seqflow_engine_jobs_finished_total Jobs reaching a terminal state, by status.
# TYPE seqflow_engine_jobs_finished_total counter
seqflow_engine_jobs_finished_total{status="Succeeded"} 1
`), "seqflow_engine_jobs_finished_total"))
	assert.Contains(t, logs.String(), "Job finalized.")

	// Nothing left to do.
	require.NoError(t, w.Poll(ctx))
	assert.Equal(t, 1, f.runner.submitted)
}

// flakyCatalog fails the first UpdateOperation call.
type flakyCatalog struct {
	*memory.Store
	mu      sync.Mutex
	updates int
}

func (c *flakyCatalog) UpdateOperation(ctx context.Context, id string, u catalog.OperationUpdate) error {
	c.mu.Lock()
	c.updates++
	n := c.updates
	c.mu.Unlock()
	if n == 1 {
		return fmt.Errorf("operation %s: service unavailable", id)
	}
	return c.Store.UpdateOperation(ctx, id, u)
}

func TestWatcher_OperationUpdateRetriedWithoutRepost(t *testing.T) {
	ctx, logs := tu.LogContext(t)
	f := newFixture(t, "Succeeded")
	f.createJob(t, readsQC, "nmdc:wfrqc-1.1")
	flaky := &flakyCatalog{Store: f.store}
	mat := &job.Materializer{URLRoot: "https://data.example.org", DataDir: f.dataDir}
	w := New(flaky, f.ckpt, f.runner, releases{}, mat, f.metrics, Config{Site: "test-site", MaxRetries: 1})

	_, err := w.ClaimNew(ctx)
	require.NoError(t, err)
	require.NoError(t, w.Poll(ctx)) // submit
	require.NoError(t, w.Poll(ctx)) // succeeded, update fails

	assert.Equal(t, 1, w.InFlight())
	assert.Contains(t, logs.String(), "failed to update operation")
	states, err := f.ckpt.Load(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, job.StatusSucceeded, states[0].LastStatus)
	assert.True(t, states[0].Posted)
	assert.False(t, states[0].Done)

	// A restarted watcher resumes from the checkpoint.
	w = New(flaky, f.ckpt, f.runner, releases{}, mat, f.metrics, Config{Site: "test-site", MaxRetries: 1})
	require.NoError(t, w.Restore(ctx))
	require.NoError(t, w.Poll(ctx))
	require.NoError(t, w.Poll(ctx))

	assert.Zero(t, w.InFlight())
	assert.Equal(t, 1, f.runner.submitted)
	assert.Equal(t, 1, f.store.Count(catalog.CollectionWorkflowExecutions), "records are posted once")
	assert.Equal(t, 2, f.store.Count(catalog.CollectionDataObjects))
	op, ok := f.store.Operation(states[0].OpID)
	require.True(t, ok)
	assert.True(t, op.Done)
	assert.Len(t, op.Result["data_objects"], 2)
}

func TestWatcher_FailureExhaustsRetries(t *testing.T) {
	ctx, _ := tu.LogContext(t)
	f := newFixture(t, "Failed")
	f.createJob(t, readsQC, "nmdc:wfrqc-1.1")
	w := f.watcher(Config{MaxRetries: 1})

	_, err := w.ClaimNew(ctx)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.NoError(t, w.Poll(ctx))
	}

	assert.Zero(t, w.InFlight())
	assert.Equal(t, 2, f.runner.submitted, "one submission plus one retry")
	assert.Zero(t, f.store.Count(catalog.CollectionDataObjects))

	states, err := f.ckpt.Load(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.True(t, states[0].Done)
	assert.Equal(t, 1, states[0].FailedCount)

	op, ok := f.store.Operation(states[0].OpID)
	require.True(t, ok)
	assert.True(t, op.Done)
	assert.Equal(t, job.StatusFailed, op.Result["status"])
}

func TestWatcher_RestoreResumesInFlight(t *testing.T) {
	ctx, _ := tu.LogContext(t)
	f := newFixture(t, "Running")

	running := job.NewState("nmdc:op-1", &catalog.Job{ID: "nmdc:job-1", Config: catalog.JobConfig{ActivityID: "nmdc:wfrqc-1.1"}})
	running.CromwellJobID = "cw-9"
	running.LastStatus = "Running"
	done := job.NewState("nmdc:op-2", &catalog.Job{ID: "nmdc:job-2"})
	done.Done = true
	require.NoError(t, f.ckpt.Save(ctx, running, done))

	w := f.watcher(Config{})
	require.NoError(t, w.Restore(ctx))
	assert.Equal(t, 1, w.InFlight())

	require.NoError(t, w.Poll(ctx))
	assert.Equal(t, 1, w.InFlight())
	assert.Zero(t, f.runner.submitted, "a running job is not resubmitted after restore")
}

func TestWatcher_ClaimFilters(t *testing.T) {
	types := []*workflow.Type{
		{Name: "Reads QC", Version: "v1.0.8", Enabled: true, Collection: workflow.CollectionWorkflowExecution},
		{Name: "Metagenome Assembly", Version: "v1.0.9", Enabled: false, Collection: workflow.CollectionWorkflowExecution},
	}

	tests := []struct {
		name      string
		workflows []*workflow.Type
		want      int
	}{
		{name: "enabled workflows only", workflows: types, want: 1},
		{name: "no restriction", workflows: nil, want: 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx, _ := tu.LogContext(t)
			f := newFixture(t, "Running")
			f.createJob(t, readsQC, "nmdc:wfrqc-1.1")
			f.createJob(t, "Metagenome Assembly: v1.0.9", "nmdc:wfmgas-1.1")

			n, err := f.watcher(Config{Workflows: tc.workflows}).ClaimNew(ctx)
			require.NoError(t, err)
			assert.Equal(t, tc.want, n)
		})
	}
}

func TestWatcher_SitesDoNotShareJobs(t *testing.T) {
	ctx, _ := tu.LogContext(t)
	f := newFixture(t, "Running")
	f.createJob(t, readsQC, "nmdc:wfrqc-1.1")

	a := f.watcher(Config{Site: "site-a"})
	b := New(f.store, checkpoint.NewFileStore(filepath.Join(t.TempDir(), "b.json")), f.runner, releases{}, &job.Materializer{}, nil, Config{Site: "site-b"})

	n, err := a.ClaimNew(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = b.ClaimNew(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, b.InFlight())
}

func TestWatcher_ParallelPoll(t *testing.T) {
	ctx, _ := tu.LogContext(t)
	f := newFixture(t, "Running")
	for i := 0; i < 10; i++ {
		f.createJob(t, readsQC, fmt.Sprintf("nmdc:wfrqc-%d.1", i))
	}
	w := f.watcher(Config{Workers: 3})

	_, err := w.ClaimNew(ctx)
	require.NoError(t, err)
	require.NoError(t, w.Poll(ctx))

	assert.Equal(t, 10, f.runner.submitted)
	states, err := f.ckpt.Load(ctx)
	require.NoError(t, err)
	require.Len(t, states, 10)
	for _, s := range states {
		assert.Equal(t, job.StatusSubmitted, s.LastStatus, s.OpID)
	}
}
