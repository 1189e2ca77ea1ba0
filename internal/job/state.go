// Package job tracks one claimed workflow job from submission to its
// terminal state and turns a successful run into catalog records.
package job

import (
	"github.com/specialistvlad/seqflow/internal/catalog"
	"github.com/specialistvlad/seqflow/internal/runner"
)

// Job statuses set by the engine. Other values come from the backend.
const (
	StatusUnsubmitted = "Unsubmitted"
	StatusSubmitted   = "Submitted"
	StatusSucceeded   = "Succeeded"
	StatusFailed      = "Failed"
)

// DefaultMaxRetries is how many times a failed job is resubmitted.
const DefaultMaxRetries = 1

// State is the checkpointed view of one job. At most one of CromwellJobID
// and JawsJobID is set.
type State struct {
	OpID          string            `json:"opid"`
	NMDCJobID     string            `json:"nmdc_jobid,omitempty"`
	Done          bool              `json:"done"`
	LastStatus    string            `json:"last_status,omitempty"`
	FailedCount   int               `json:"failed_count"`
	CromwellJobID string            `json:"cromwell_jobid,omitempty"`
	JawsJobID     string            `json:"jaws_jobid,omitempty"`
	Start         string            `json:"start,omitempty"`
	Config        catalog.JobConfig `json:"config"`
	// Metadata caches the last backend metadata fetched.
	Metadata *runner.Metadata `json:"metadata,omitempty"`
	// Outputs holds the artifacts built once the job succeeded.
	Outputs []catalog.Artifact `json:"outputs,omitempty"`
	// Posted is set once the execution and artifact records are in the
	// catalog; they are never posted twice.
	Posted bool `json:"posted,omitempty"`
}

// NewState starts tracking a job claimed under opID.
func NewState(opID string, j *catalog.Job) *State {
	return &State{
		OpID:       opID,
		NMDCJobID:  j.ID,
		LastStatus: StatusUnsubmitted,
		Config:     j.Config,
	}
}

// RunnerID returns the backend id, or "" before submission.
func (s *State) RunnerID() string {
	if s.CromwellJobID != "" {
		return s.CromwellJobID
	}
	return s.JawsJobID
}

func (s *State) setRunnerID(backend, id string) {
	s.CromwellJobID, s.JawsJobID = "", ""
	if backend == runner.BackendJaws {
		s.JawsJobID = id
		return
	}
	s.CromwellJobID = id
}

// ExecutionID is the workflow execution id the job will produce.
func (s *State) ExecutionID() string { return s.Config.ActivityID }

// InformingKey joins the informing raw input ids for paths and tags.
func (s *State) InformingKey() string {
	return catalog.InformingKey(s.Config.WasInformedBy)
}
