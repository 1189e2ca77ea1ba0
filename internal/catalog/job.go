package catalog

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// ErrAlreadyClaimed is returned by Runtime.ClaimJob when the job is owned by
// another operation.
var ErrAlreadyClaimed = errors.New("job already claimed")

// Job is a persisted job record: a fully resolved request to run one
// workflow release against one trigger.
type Job struct {
	ID        string      `bson:"id,omitempty" json:"id,omitempty"`
	Workflow  JobWorkflow `bson:"workflow" json:"workflow"`
	Config    JobConfig   `bson:"config" json:"config"`
	Claims    []Claim     `bson:"claims" json:"claims"`
	Cancelled bool        `bson:"cancelled,omitempty" json:"cancelled,omitempty"`
}

// JobWorkflow identifies the workflow release as "<name>: <version>".
type JobWorkflow struct {
	ID string `bson:"id" json:"id"`
}

// WorkflowID formats the workflow id of a job record.
func WorkflowID(name, version string) string {
	return fmt.Sprintf("%s: %s", name, version)
}

// JobConfig is everything a runner needs to submit the job and everything
// the engine needs to build the resulting records.
type JobConfig struct {
	GitRepo          string            `bson:"git_repo" json:"git_repo"`
	Release          string            `bson:"release" json:"release"`
	WDL              string            `bson:"wdl" json:"wdl"`
	ActivityID       string            `bson:"activity_id" json:"activity_id"`
	ActivitySet      string            `bson:"activity_set" json:"activity_set"`
	WasInformedBy    []string          `bson:"was_informed_by" json:"was_informed_by"`
	TriggerActivity  string            `bson:"trigger_activity" json:"trigger_activity"`
	Iteration        int               `bson:"iteration" json:"iteration"`
	InputPrefix      string            `bson:"input_prefix" json:"input_prefix"`
	Inputs           map[string]any    `bson:"inputs" json:"inputs"`
	InputDataObjects []Artifact        `bson:"input_data_objects" json:"input_data_objects"`
	Activity         map[string]string `bson:"activity,omitempty" json:"activity,omitempty"`
	Outputs          []JobOutput       `bson:"outputs,omitempty" json:"outputs,omitempty"`
	Manifest         string            `bson:"manifest,omitempty" json:"manifest,omitempty"`
}

// JobOutput is a declared output with the artifact id minted for it.
type JobOutput struct {
	Output         string `bson:"output" json:"output"`
	DataObjectType string `bson:"data_object_type" json:"data_object_type"`
	Description    string `bson:"description,omitempty" json:"description,omitempty"`
	Name           string `bson:"name,omitempty" json:"name,omitempty"`
	Optional       bool   `bson:"optional,omitempty" json:"optional,omitempty"`
	ID             string `bson:"id" json:"id"`
}

// Claim records which operation took a job.
type Claim struct {
	OpID   string `bson:"op_id" json:"op_id"`
	SiteID string `bson:"site_id" json:"site_id"`
}

// Operation tracks a claimed job through the external service.
type Operation struct {
	ID       string `bson:"id" json:"id"`
	Done     bool   `bson:"done" json:"done"`
	Metadata bson.M `bson:"metadata,omitempty" json:"metadata,omitempty"`
	Result   bson.M `bson:"result,omitempty" json:"result,omitempty"`
}

// OperationUpdate is a partial update of an operation.
type OperationUpdate struct {
	Done     bool   `bson:"done" json:"done"`
	Metadata bson.M `bson:"metadata,omitempty" json:"metadata,omitempty"`
	Result   bson.M `bson:"result,omitempty" json:"result,omitempty"`
}

// WorkflowRecords is the batch written back after a job succeeds.
type WorkflowRecords struct {
	WorkflowExecutions []bson.M   `bson:"workflow_execution_set" json:"workflow_execution_set"`
	DataObjects        []Artifact `bson:"data_object_set" json:"data_object_set"`
}
