// Package catalog is the boundary to the external metadata service that
// stores data generations, workflow executions, data objects and job
// records.
//
// Records travel as bson.M documents so the same filters and aggregation
// pipelines work against the REST service, a MongoDB database and the
// in-memory implementation used by tests. Typed views (Artifact,
// DataGeneration, WorkflowExecution) are decoded on demand with Decode.
//
// Implementations:
//   - rest:       the metadata service HTTP API.
//   - mongostore: a MongoDB database with the same collection layout.
//   - memory:     an in-process store, for tests and dry runs.
package catalog

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
)

// Collection names used by the scheduler and the job engine.
const (
	CollectionDataObjects        = "data_object_set"
	CollectionDataGenerations    = "data_generation_set"
	CollectionWorkflowExecutions = "workflow_execution_set"
	CollectionManifests          = "manifest_set"
	CollectionJobs               = "jobs"
)

// Pipeline is an aggregation pipeline run against one collection.
type Pipeline struct {
	Collection string
	Stages     []bson.M
}

// Client is the contract the graph builder and the scheduler depend on.
//
// Implementations must be safe for concurrent use. Every method that talks
// to a remote service honours ctx cancellation and reports transport or
// decoding failures as *errs.CatalogIOError.
type Client interface {
	// ListRecords returns every record of the collection matching filter.
	// Pagination is handled by the implementation. When projection is not
	// empty only those fields are guaranteed to be populated.
	ListRecords(ctx context.Context, collection string, filter bson.M, projection ...string) ([]bson.M, error)

	// RunAggregation runs an aggregation pipeline and returns its output
	// documents.
	RunAggregation(ctx context.Context, p Pipeline) ([]bson.M, error)

	// Mint returns a new globally unique identifier for typeTag. The scope
	// ids, when given, group the minted id with the records that informed
	// it.
	Mint(ctx context.Context, typeTag string, scope ...string) (string, error)

	// ListJobs returns job records matching filter.
	ListJobs(ctx context.Context, filter bson.M) ([]*Job, error)

	// CreateJob persists a job record and returns it with its id set.
	CreateJob(ctx context.Context, job *Job) (*Job, error)
}

// Runtime is the contract the job engine depends on, in addition to Client.
type Runtime interface {
	Client

	// ClaimJob claims a job for this site and returns the operation that
	// tracks it. It returns ErrAlreadyClaimed if another site owns the job.
	ClaimJob(ctx context.Context, jobID, siteID string) (*Operation, error)

	// UpdateOperation records progress or completion of an operation.
	UpdateOperation(ctx context.Context, opID string, update OperationUpdate) error

	// PostWorkflowRecords persists the execution record and data objects
	// produced by a finished job.
	PostWorkflowRecords(ctx context.Context, records *WorkflowRecords) error
}
