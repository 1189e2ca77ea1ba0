// Package errs defines the error taxonomy shared by the catalog loader, the
// graph builder, the scheduler and the job engine.
//
// Callers match on these with errors.As; every type wraps an optional cause
// so the original failure stays reachable through errors.Is/errors.Unwrap.
package errs

import (
	"errors"
	"fmt"
)

// ConfigError reports a malformed or inconsistent workflow catalog. It is
// fatal at startup.
type ConfigError struct {
	Source string
	Msg    string
	Err    error
}

func (e *ConfigError) Error() string {
	var s string
	if e.Source != "" {
		s = fmt.Sprintf("config error in %s: %s", e.Source, e.Msg)
	} else {
		s = "config error: " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *ConfigError) Unwrap() error { return e.Err }

// CatalogIOError reports that the external catalog could not be reached or
// returned a malformed response. It aborts the current scheduler cycle.
type CatalogIOError struct {
	Op  string
	Err error
}

func (e *CatalogIOError) Error() string {
	return fmt.Sprintf("catalog %s: %v", e.Op, e.Err)
}

func (e *CatalogIOError) Unwrap() error { return e.Err }

// MissingArtifactError reports that a required input artifact type has no
// candidate for one job. Only that job is skipped.
type MissingArtifactError struct {
	Workflow     string
	Input        string
	ArtifactType string
	Trigger      string
}

func (e *MissingArtifactError) Error() string {
	return fmt.Sprintf("missing artifact of type %q for input %q of %s (trigger %s)",
		e.ArtifactType, e.Input, e.Workflow, e.Trigger)
}

// DuplicateVersionError reports two execution records of the same workflow
// and identical version sharing one informing key.
type DuplicateVersionError struct {
	Key      string
	Workflow string
	Version  string
	IDs      [2]string
}

func (e *DuplicateVersionError) Error() string {
	return fmt.Sprintf("duplicate %s executions at version %s for %s: %s and %s",
		e.Workflow, e.Version, e.Key, e.IDs[0], e.IDs[1])
}

// BackendSubmissionError wraps a failure reported by an execution backend
// after the runner exhausted its own retries.
type BackendSubmissionError struct {
	Backend string
	Op      string
	Err     error
}

func (e *BackendSubmissionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendSubmissionError) Unwrap() error { return e.Err }

// ErrNullResult is returned when a backend reports completion without a
// result. The job engine counts it as a failure.
var ErrNullResult = errors.New("backend reported completion with a null result")

// NullResultError carries the backend job id for ErrNullResult.
type NullResultError struct {
	JobID string
}

func (e *NullResultError) Error() string {
	return fmt.Sprintf("job %s: %v", e.JobID, ErrNullResult)
}

func (e *NullResultError) Is(target error) bool { return target == ErrNullResult }
