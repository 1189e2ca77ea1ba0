package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/specialistvlad/seqflow/internal/ctxlog"
	"github.com/specialistvlad/seqflow/internal/errs"
	"github.com/specialistvlad/seqflow/internal/runner"
	"github.com/specialistvlad/seqflow/internal/workflow"
)

// Submitter is the value of the submitter label.
const Submitter = "nmdcda"

// ReleaseFetcher downloads release files for submission.
type ReleaseFetcher interface {
	Fetch(ctx context.Context, repo, release, file string) ([]byte, error)
}

// Transition is what one Step did.
type Transition int

const (
	NoChange Transition = iota
	Submitted
	Resubmitted
	Succeeded
	Failed
)

func (t Transition) String() string {
	switch t {
	case Submitted:
		return "submitted"
	case Resubmitted:
		return "resubmitted"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "no change"
	}
}

// Job couples a State with the backend running it. A Job is driven by one
// goroutine at a time.
type Job struct {
	State      *State
	runner     runner.Runner
	releases   ReleaseFetcher
	resource   string
	maxRetries int
}

// New wraps state. resource replaces the {resource} input placeholder.
func New(state *State, r runner.Runner, releases ReleaseFetcher, resource string, maxRetries int) *Job {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Job{State: state, runner: r, releases: releases, resource: resource, maxRetries: maxRetries}
}

func (j *Job) MaxRetries() int { return j.maxRetries }

// Backend returns the runner's backend name.
func (j *Job) Backend() string { return j.runner.Backend() }

// Inputs returns the backend input document: every configured input keyed
// "<prefix>.<name>".
func (j *Job) Inputs() map[string]any {
	inputs := make(map[string]any, len(j.State.Config.Inputs))
	for k, v := range j.State.Config.Inputs {
		if s, ok := v.(string); ok && s == workflow.PlaceholderResource {
			v = j.resource
		}
		inputs[j.State.Config.InputPrefix+"."+k] = v
	}
	return inputs
}

// Labels returns the label document sent with submissions.
func (j *Job) Labels() map[string]string {
	c := j.State.Config
	return map[string]string{
		"release":          c.Release,
		"wdl":              c.WDL,
		"git_repo":         c.GitRepo,
		"submitter":        Submitter,
		"pipeline_version": c.Release,
		"pipeline":         c.WDL,
		"activity_id":      c.ActivityID,
		"opid":             j.State.OpID,
	}
}

// Submit sends the job to the backend. Unless force is set, a job whose
// last status shows it active or finished is left alone and "" is
// returned.
func (j *Job) Submit(ctx context.Context, force bool) (string, error) {
	logger := j.logger(ctx)
	if !force && !j.runner.Resubmittable(j.State.LastStatus) {
		logger.Info("Skipping submission.", "status", j.State.LastStatus)
		return "", nil
	}

	c := j.State.Config
	wdl, err := j.releases.Fetch(ctx, c.GitRepo, c.Release, c.WDL)
	if err != nil {
		return "", fmt.Errorf("failed to fetch workflow source: %w", err)
	}
	bundle, err := j.releases.Fetch(ctx, c.GitRepo, c.Release, runner.BundleFile)
	if err != nil {
		return "", fmt.Errorf("failed to fetch dependency bundle: %w", err)
	}

	sub := &runner.Submission{
		WDLName: path.Base(c.WDL),
		WDL:     wdl,
		Bundle:  bundle,
		Inputs:  j.Inputs(),
		Labels:  j.Labels(),
		Tag:     j.State.InformingKey() + "/" + j.State.ExecutionID(),
	}
	logger.Debug("Submitting job.", "inputs", sub.Inputs, "labels", sub.Labels)

	id, err := j.runner.Submit(ctx, sub)
	if err != nil {
		return "", err
	}
	j.State.setRunnerID(j.runner.Backend(), id)
	j.State.Start = time.Now().UTC().Format(time.RFC3339)
	j.State.LastStatus = StatusSubmitted
	j.State.Done = false
	j.State.Metadata = nil
	logger.Info("🚀 Job submitted.", "runner_id", id)
	return id, nil
}

// Status returns the job status. Unsubmitted jobs, recorded successes and
// failures past the retry budget are answered from the state; everything
// else asks the backend and records the answer.
func (j *Job) Status(ctx context.Context) (string, error) {
	s := j.State
	switch {
	case s.RunnerID() == "":
		s.LastStatus = StatusUnsubmitted
		return StatusUnsubmitted, nil
	case s.LastStatus == StatusSucceeded:
		return StatusSucceeded, nil
	case s.LastStatus == StatusFailed && s.FailedCount >= j.maxRetries:
		return StatusFailed, nil
	}
	status, err := j.runner.Status(ctx, s.RunnerID())
	if err != nil {
		return "", err
	}
	s.LastStatus = status
	return status, nil
}

// Metadata fetches and caches the backend metadata.
func (j *Job) Metadata(ctx context.Context) (*runner.Metadata, error) {
	md, err := j.runner.Metadata(ctx, j.State.RunnerID())
	if err != nil {
		return nil, err
	}
	j.State.Metadata = md
	return md, nil
}

// Outputs returns output paths from the cached metadata.
func (j *Job) Outputs() map[string]string {
	if j.State.Metadata == nil {
		return nil
	}
	return j.State.Metadata.Outputs
}

// StartedAt and EndedAt come from the cached metadata.
func (j *Job) StartedAt() string {
	if j.State.Metadata == nil || j.State.Metadata.Start == "" {
		return j.State.Start
	}
	return j.State.Metadata.Start
}

func (j *Job) EndedAt() string {
	if j.State.Metadata == nil {
		return ""
	}
	return j.State.Metadata.End
}

// Step advances the state machine once: submit when unsubmitted, fetch
// metadata on success, resubmit a failure while the retry budget lasts and
// mark it done once the budget is spent. A backend reporting completion
// without a result counts as a failure.
func (j *Job) Step(ctx context.Context) (Transition, error) {
	if j.State.Done {
		return NoChange, nil
	}
	logger := j.logger(ctx)

	status, err := j.Status(ctx)
	if errors.Is(err, errs.ErrNullResult) {
		logger.Warn("Backend finished without a result.", "error", err)
		status, err = StatusFailed, nil
	}
	if err != nil {
		return NoChange, err
	}

	switch strings.ToLower(status) {
	case "unsubmitted":
		id, err := j.Submit(ctx, false)
		if err != nil || id == "" {
			return NoChange, err
		}
		return Submitted, nil

	case "succeeded":
		if j.State.Metadata == nil {
			if _, err := j.Metadata(ctx); err != nil {
				return NoChange, err
			}
		}
		j.State.LastStatus = StatusSucceeded
		logger.Info("✅ Job succeeded.")
		return Succeeded, nil

	case "failed", "aborted":
		j.State.LastStatus = StatusFailed
		if j.State.FailedCount < j.maxRetries {
			logger.Warn("Job failed, resubmitting.", "failed_count", j.State.FailedCount+1, "max_retries", j.maxRetries)
			// Counted only once the backend accepted the resubmission, so a
			// failed submit call does not spend the retry budget.
			if _, err := j.Submit(ctx, true); err != nil {
				return NoChange, err
			}
			j.State.FailedCount++
			return Resubmitted, nil
		}
		j.State.Done = true
		logger.Error("Job failed, retries exhausted.", "failed_count", j.State.FailedCount)
		return Failed, nil
	}
	return NoChange, nil
}

func (j *Job) logger(ctx context.Context) *slog.Logger {
	return ctxlog.FromContext(ctx).With(
		"opid", j.State.OpID,
		"execution", j.State.ExecutionID(),
		"backend", j.runner.Backend(),
	)
}
