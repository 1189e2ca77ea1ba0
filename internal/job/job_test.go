package job

import (
	"context"
	"errors"
	"testing"

	"github.com/specialistvlad/seqflow/internal/catalog"
	"github.com/specialistvlad/seqflow/internal/errs"
	"github.com/specialistvlad/seqflow/internal/runner"
	"github.com/specialistvlad/seqflow/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner replays scripted statuses.
type fakeRunner struct {
	backend   string
	statuses  []string
	statusErr error
	metadata  *runner.Metadata
	submitted []*runner.Submission
	submitErr error
}

func (f *fakeRunner) Backend() string { return f.backend }

func (f *fakeRunner) Submit(_ context.Context, sub *runner.Submission) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, sub)
	return "run-" + string(rune('0'+len(f.submitted))), nil
}

func (f *fakeRunner) Status(_ context.Context, _ string) (string, error) {
	if f.statusErr != nil {
		err := f.statusErr
		f.statusErr = nil
		return "", err
	}
	s := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return s, nil
}

func (f *fakeRunner) Metadata(_ context.Context, id string) (*runner.Metadata, error) {
	if f.metadata == nil {
		return &runner.Metadata{ID: id}, nil
	}
	return f.metadata, nil
}

func (f *fakeRunner) Resubmittable(status string) bool {
	return runner.NewCromwell(runner.Config{}).Resubmittable(status)
}

type fakeReleases struct{ fetched []string }

func (f *fakeReleases) Fetch(_ context.Context, repo, release, file string) ([]byte, error) {
	f.fetched = append(f.fetched, runner.ReleaseURL(repo, release, file))
	return []byte(file), nil
}

func testState() *State {
	return NewState("nmdc:op-1", &catalog.Job{
		ID: "nmdc:job-1",
		Config: catalog.JobConfig{
			GitRepo:       testutil.RepoReadsQC,
			Release:       "v1.0.8",
			WDL:           "rqcfilter.wdl",
			ActivityID:    "nmdc:wfrqc-1.1",
			WasInformedBy: []string{"dg-1"},
			InputPrefix:   "nmdc_rqcfilter",
			Inputs: map[string]any{
				"input_files": []string{"https://data.example.org/dg-1-reads.fastq.gz"},
				"resource":    "{resource}",
				"shortread":   true,
			},
			Activity: map[string]string{"name": "Read QC for {id}", "type": "nmdc:ReadQcAnalysis"},
		},
	})
}

func TestJob_InputsAndLabels(t *testing.T) {
	j := New(testState(), &fakeRunner{backend: runner.BackendCromwell}, &fakeReleases{}, "NERSC-Perlmutter", DefaultMaxRetries)
	assert.Equal(t, map[string]any{
		"nmdc_rqcfilter.input_files": []string{"https://data.example.org/dg-1-reads.fastq.gz"},
		"nmdc_rqcfilter.resource":    "NERSC-Perlmutter",
		"nmdc_rqcfilter.shortread":   true,
	}, j.Inputs())
	assert.Equal(t, map[string]string{
		"release":          "v1.0.8",
		"wdl":              "rqcfilter.wdl",
		"git_repo":         testutil.RepoReadsQC,
		"submitter":        "nmdcda",
		"pipeline_version": "v1.0.8",
		"pipeline":         "rqcfilter.wdl",
		"activity_id":      "nmdc:wfrqc-1.1",
		"opid":             "nmdc:op-1",
	}, j.Labels())
}

func TestJob_Submit(t *testing.T) {
	ctx, _ := testutil.LogContext(t)
	r := &fakeRunner{backend: runner.BackendJaws}
	releases := &fakeReleases{}
	j := New(testState(), r, releases, "NERSC", DefaultMaxRetries)

	id, err := j.Submit(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "run-1", id)
	assert.Equal(t, "run-1", j.State.JawsJobID)
	assert.Empty(t, j.State.CromwellJobID)
	assert.Equal(t, StatusSubmitted, j.State.LastStatus)
	assert.NotEmpty(t, j.State.Start)
	assert.Equal(t, []string{
		testutil.RepoReadsQC + "/releases/download/v1.0.8/rqcfilter.wdl",
		testutil.RepoReadsQC + "/releases/download/v1.0.8/bundle.zip",
	}, releases.fetched)
	require.Len(t, r.submitted, 1)
	assert.Equal(t, "dg-1/nmdc:wfrqc-1.1", r.submitted[0].Tag)

	// Submitted jobs are not sent again unless forced.
	id, err = j.Submit(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Len(t, r.submitted, 1)

	_, err = j.Submit(ctx, true)
	require.NoError(t, err)
	assert.Len(t, r.submitted, 2)
}

func TestJob_Status(t *testing.T) {
	testCases := []struct {
		name     string
		setup    func(s *State)
		backend  string
		want     string
		queryRan bool
	}{
		{"unsubmitted", func(s *State) {}, "Running", StatusUnsubmitted, false},
		{"recorded success", func(s *State) { s.CromwellJobID = "cw"; s.LastStatus = StatusSucceeded }, "Running", StatusSucceeded, false},
		{"failed past budget", func(s *State) { s.CromwellJobID = "cw"; s.LastStatus = StatusFailed; s.FailedCount = 1 }, "Running", StatusFailed, false},
		{"failed within budget", func(s *State) { s.CromwellJobID = "cw"; s.LastStatus = StatusFailed }, "Running", "Running", true},
		{"in flight", func(s *State) { s.CromwellJobID = "cw"; s.LastStatus = StatusSubmitted }, "Running", "Running", true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := testState()
			tc.setup(s)
			r := &fakeRunner{backend: runner.BackendCromwell, statuses: []string{tc.backend}}
			status, err := New(s, r, &fakeReleases{}, "", DefaultMaxRetries).Status(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tc.want, status)
			if tc.queryRan {
				assert.Equal(t, tc.backend, s.LastStatus)
			}
		})
	}
}

func TestJob_StepLifecycle(t *testing.T) {
	ctx, _ := testutil.LogContext(t)
	r := &fakeRunner{
		backend:  runner.BackendCromwell,
		statuses: []string{"Running", "Failed", "Running", "Succeeded"},
		metadata: &runner.Metadata{ID: "run-2", Outputs: map[string]string{"nmdc_rqcfilter.filtered_final": "/x"}},
	}
	j := New(testState(), r, &fakeReleases{}, "", DefaultMaxRetries)

	want := []Transition{Submitted, NoChange, Resubmitted, NoChange, Succeeded}
	for i, w := range want {
		got, err := j.Step(ctx)
		require.NoError(t, err, "step %d", i)
		assert.Equal(t, w, got, "step %d", i)
	}
	assert.Equal(t, StatusSucceeded, j.State.LastStatus)
	assert.Equal(t, 1, j.State.FailedCount)
	assert.Equal(t, "run-2", j.State.CromwellJobID)
	assert.Equal(t, "/x", j.Outputs()["nmdc_rqcfilter.filtered_final"])
}

func TestJob_StepExhaustsRetries(t *testing.T) {
	ctx, _ := testutil.LogContext(t)
	r := &fakeRunner{backend: runner.BackendCromwell, statuses: []string{"Failed"}}
	j := New(testState(), r, &fakeReleases{}, "", DefaultMaxRetries)

	want := []Transition{Submitted, Resubmitted, Failed, NoChange}
	for i, w := range want {
		got, err := j.Step(ctx)
		require.NoError(t, err, "step %d", i)
		assert.Equal(t, w, got, "step %d", i)
	}
	assert.True(t, j.State.Done)
	assert.Equal(t, StatusFailed, j.State.LastStatus)
	assert.Len(t, r.submitted, 2)
}

func TestJob_StepNullResultCountsAsFailure(t *testing.T) {
	ctx, logs := testutil.LogContext(t)
	r := &fakeRunner{backend: runner.BackendJaws, statuses: []string{"running"}}
	j := New(testState(), r, &fakeReleases{}, "", DefaultMaxRetries)

	got, err := j.Step(ctx)
	require.NoError(t, err)
	require.Equal(t, Submitted, got)

	r.statusErr = &errs.NullResultError{JobID: "run-1"}
	got, err = j.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, Resubmitted, got)
	assert.Equal(t, 1, j.State.FailedCount)
	assert.Contains(t, logs.String(), "Backend finished without a result.")

	r.statusErr = &errs.NullResultError{JobID: "run-2"}
	got, err = j.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, Failed, got)
	assert.True(t, j.State.Done)
}

func TestJob_StepBackendError(t *testing.T) {
	ctx, _ := testutil.LogContext(t)
	boom := errors.New("connection refused")
	r := &fakeRunner{backend: runner.BackendCromwell, submitErr: boom}
	j := New(testState(), r, &fakeReleases{}, "", DefaultMaxRetries)

	got, err := j.Step(ctx)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, NoChange, got)
	assert.Equal(t, StatusUnsubmitted, j.State.LastStatus)
}

func TestJob_StepResubmitErrorKeepsRetryBudget(t *testing.T) {
	ctx, _ := testutil.LogContext(t)
	r := &fakeRunner{backend: runner.BackendCromwell, statuses: []string{"Failed"}}
	j := New(testState(), r, &fakeReleases{}, "", DefaultMaxRetries)

	got, err := j.Step(ctx)
	require.NoError(t, err)
	require.Equal(t, Submitted, got)

	boom := errors.New("connection reset")
	r.submitErr = boom
	got, err = j.Step(ctx)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, NoChange, got)
	assert.Equal(t, 0, j.State.FailedCount)
	assert.False(t, j.State.Done)

	r.submitErr = nil
	got, err = j.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, Resubmitted, got)
	assert.Equal(t, 1, j.State.FailedCount)
	assert.Len(t, r.submitted, 2)

	got, err = j.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, Failed, got)
	assert.True(t, j.State.Done)
}
