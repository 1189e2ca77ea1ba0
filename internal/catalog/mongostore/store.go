// Package mongostore implements catalog.Runtime directly on a MongoDB
// database that uses the metadata service collection layout.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/specialistvlad/seqflow/internal/catalog"
	"github.com/specialistvlad/seqflow/internal/errs"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	collectionOperations = "operations"
	collectionMinted     = "minted_ids"
)

// Store wraps a mongo.Database.
type Store struct {
	DB *mongo.Database
}

var _ catalog.Runtime = (*Store)(nil)

// Connect opens a client, verifies it with a ping and returns a Store for
// the named database.
func Connect(ctx context.Context, uri, database string) (*Store, func(context.Context) error, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("connect mongo: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &Store{DB: client.Database(database)}, client.Disconnect, nil
}

// ListRecords implements catalog.Client.
func (s *Store) ListRecords(ctx context.Context, collection string, filter bson.M, projection ...string) ([]bson.M, error) {
	opts := options.Find()
	if proj := projectionDoc(projection); proj != nil {
		opts.SetProjection(proj)
	}
	if filter == nil {
		filter = bson.M{}
	}
	cur, err := s.DB.Collection(collection).Find(ctx, filter, opts)
	if err != nil {
		return nil, &errs.CatalogIOError{Op: "list " + collection, Err: err}
	}
	var out []bson.M
	if err := cur.All(ctx, &out); err != nil {
		return nil, &errs.CatalogIOError{Op: "list " + collection, Err: err}
	}
	return out, nil
}

// projectionDoc builds an inclusion projection; _id is excluded unless
// asked for.
func projectionDoc(fields []string) bson.M {
	if len(fields) == 0 {
		return nil
	}
	proj := bson.M{"_id": 0}
	for _, f := range fields {
		proj[f] = 1
	}
	return proj
}

// RunAggregation implements catalog.Client.
func (s *Store) RunAggregation(ctx context.Context, p catalog.Pipeline) ([]bson.M, error) {
	stages := make(mongo.Pipeline, 0, len(p.Stages))
	for _, st := range p.Stages {
		doc := bson.D{}
		for k, v := range st {
			doc = append(doc, bson.E{Key: k, Value: v})
		}
		stages = append(stages, doc)
	}
	cur, err := s.DB.Collection(p.Collection).Aggregate(ctx, stages)
	if err != nil {
		return nil, &errs.CatalogIOError{Op: "aggregate " + p.Collection, Err: err}
	}
	var out []bson.M
	if err := cur.All(ctx, &out); err != nil {
		return nil, &errs.CatalogIOError{Op: "aggregate " + p.Collection, Err: err}
	}
	return out, nil
}

// Mint implements catalog.Client. Minted ids are recorded with their scope
// so provenance can be traced later.
func (s *Store) Mint(ctx context.Context, typeTag string, scope ...string) (string, error) {
	id := catalog.NewID(typeTag)
	_, err := s.DB.Collection(collectionMinted).InsertOne(ctx, bson.M{
		"id":         id,
		"type":       typeTag,
		"scope":      scope,
		"created_at": time.Now().UTC(),
	})
	if err != nil {
		return "", &errs.CatalogIOError{Op: "mint " + typeTag, Err: err}
	}
	return id, nil
}

// ListJobs implements catalog.Client.
func (s *Store) ListJobs(ctx context.Context, filter bson.M) ([]*catalog.Job, error) {
	recs, err := s.ListRecords(ctx, catalog.CollectionJobs, filter)
	if err != nil {
		return nil, err
	}
	return catalog.DecodeAll[catalog.Job](recs)
}

// CreateJob implements catalog.Client.
func (s *Store) CreateJob(ctx context.Context, job *catalog.Job) (*catalog.Job, error) {
	created := *job
	if created.ID == "" {
		created.ID = "nmdc:" + uuid.NewString()
	}
	if created.Claims == nil {
		created.Claims = []catalog.Claim{}
	}
	if _, err := s.DB.Collection(catalog.CollectionJobs).InsertOne(ctx, &created); err != nil {
		return nil, &errs.CatalogIOError{Op: "create job", Err: err}
	}
	return &created, nil
}

// ClaimJob implements catalog.Runtime. The claim is a single conditional
// update so two sites can never both own a job.
func (s *Store) ClaimJob(ctx context.Context, jobID, siteID string) (*catalog.Operation, error) {
	op := catalog.Operation{ID: "nmdc:op-" + uuid.NewString()}
	res := s.DB.Collection(catalog.CollectionJobs).FindOneAndUpdate(ctx,
		bson.M{"id": jobID, "claims": bson.M{"$size": 0}},
		bson.M{"$push": bson.M{"claims": catalog.Claim{OpID: op.ID, SiteID: siteID}}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	)
	var job bson.M
	if err := res.Decode(&job); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("job %s: %w", jobID, catalog.ErrAlreadyClaimed)
		}
		return nil, &errs.CatalogIOError{Op: "claim " + jobID, Err: err}
	}
	op.Metadata = bson.M{"job": job}
	if _, err := s.DB.Collection(collectionOperations).InsertOne(ctx, &op); err != nil {
		return nil, &errs.CatalogIOError{Op: "claim " + jobID, Err: err}
	}
	return &op, nil
}

// UpdateOperation implements catalog.Runtime.
func (s *Store) UpdateOperation(ctx context.Context, opID string, update catalog.OperationUpdate) error {
	set := bson.M{"done": update.Done}
	if update.Metadata != nil {
		set["metadata"] = update.Metadata
	}
	if update.Result != nil {
		set["result"] = update.Result
	}
	res, err := s.DB.Collection(collectionOperations).UpdateOne(ctx, bson.M{"id": opID}, bson.M{"$set": set})
	if err != nil {
		return &errs.CatalogIOError{Op: "update operation " + opID, Err: err}
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("operation %s not found", opID)
	}
	return nil
}

// PostWorkflowRecords implements catalog.Runtime.
func (s *Store) PostWorkflowRecords(ctx context.Context, records *catalog.WorkflowRecords) error {
	if len(records.WorkflowExecutions) > 0 {
		docs := make([]any, 0, len(records.WorkflowExecutions))
		for _, wfe := range records.WorkflowExecutions {
			docs = append(docs, wfe)
		}
		if _, err := s.DB.Collection(catalog.CollectionWorkflowExecutions).InsertMany(ctx, docs); err != nil {
			return &errs.CatalogIOError{Op: "insert workflow executions", Err: err}
		}
	}
	if len(records.DataObjects) > 0 {
		docs := make([]any, 0, len(records.DataObjects))
		for i := range records.DataObjects {
			docs = append(docs, &records.DataObjects[i])
		}
		if _, err := s.DB.Collection(catalog.CollectionDataObjects).InsertMany(ctx, docs); err != nil {
			return &errs.CatalogIOError{Op: "insert data objects", Err: err}
		}
	}
	return nil
}
