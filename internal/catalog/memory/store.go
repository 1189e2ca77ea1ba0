// Package memory implements catalog.Runtime in process memory.
//
// It evaluates the same filter documents and aggregation pipelines the real
// service receives, which makes it the reference double for scheduler and
// engine tests, and the backing store for dry runs.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/specialistvlad/seqflow/internal/catalog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Store is a thread-safe in-memory catalog.
type Store struct {
	mu          sync.RWMutex
	collections map[string][]bson.M
	minted      []MintedID
}

// MintedID records one call to Mint.
type MintedID struct {
	ID      string
	TypeTag string
	Scope   []string
}

var _ catalog.Runtime = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{collections: make(map[string][]bson.M)}
}

// Insert adds documents to a collection. Values may be bson.M or any struct
// with bson tags.
func (s *Store) Insert(collection string, docs ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range docs {
		rec, err := catalog.Encode(d)
		if err != nil {
			return err
		}
		if _, ok := rec["_id"]; !ok {
			rec["_id"] = primitive.NewObjectID()
		}
		s.collections[collection] = append(s.collections[collection], rec)
	}
	return nil
}

// MustInsert is Insert for test fixtures.
func (s *Store) MustInsert(collection string, docs ...any) {
	if err := s.Insert(collection, docs...); err != nil {
		panic(err)
	}
}

// Minted returns every id minted so far.
func (s *Store) Minted() []MintedID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.minted)
}

// Count returns the number of documents in a collection.
func (s *Store) Count(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[collection])
}

// ListRecords implements catalog.Client.
func (s *Store) ListRecords(ctx context.Context, collection string, filter bson.M, projection ...string) ([]bson.M, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	docs, err := stageMatch(s.snapshot(collection), filter)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	out := make([]bson.M, 0, len(docs))
	for _, doc := range docs {
		out = append(out, project(doc, projection))
	}
	return out, nil
}

// RunAggregation implements catalog.Client.
func (s *Store) RunAggregation(ctx context.Context, p catalog.Pipeline) ([]bson.M, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.aggregate(s.snapshot(p.Collection), p.Stages)
}

// Mint implements catalog.Client.
func (s *Store) Mint(ctx context.Context, typeTag string, scope ...string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := catalog.NewID(typeTag)
	s.mu.Lock()
	s.minted = append(s.minted, MintedID{ID: id, TypeTag: typeTag, Scope: slices.Clone(scope)})
	s.mu.Unlock()
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
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	created := *job
	if created.ID == "" {
		created.ID = "nmdc:" + uuid.NewString()
	}
	if created.Claims == nil {
		created.Claims = []catalog.Claim{}
	}
	if err := s.Insert(catalog.CollectionJobs, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// ClaimJob implements catalog.Runtime.
func (s *Store) ClaimJob(ctx context.Context, jobID, siteID string) (*catalog.Operation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, rec := range s.collections[catalog.CollectionJobs] {
		if rec["id"] != jobID {
			continue
		}
		var job catalog.Job
		if err := catalog.Decode(rec, &job); err != nil {
			return nil, err
		}
		if len(job.Claims) > 0 {
			return nil, fmt.Errorf("job %s: %w", jobID, catalog.ErrAlreadyClaimed)
		}

		op := catalog.Operation{ID: "nmdc:op-" + uuid.NewString(), Metadata: bson.M{"job": rec}}
		job.Claims = append(job.Claims, catalog.Claim{OpID: op.ID, SiteID: siteID})
		updated, err := catalog.Encode(&job)
		if err != nil {
			return nil, err
		}
		updated["_id"] = rec["_id"]
		s.collections[catalog.CollectionJobs][i] = updated

		opRec, err := catalog.Encode(&op)
		if err != nil {
			return nil, err
		}
		s.collections["operations"] = append(s.collections["operations"], opRec)
		return &op, nil
	}
	return nil, fmt.Errorf("job %s not found", jobID)
}

// UpdateOperation implements catalog.Runtime.
func (s *Store) UpdateOperation(ctx context.Context, opID string, update catalog.OperationUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.collections["operations"] {
		if rec["id"] != opID {
			continue
		}
		rec["done"] = update.Done
		if update.Metadata != nil {
			rec["metadata"] = update.Metadata
		}
		if update.Result != nil {
			rec["result"] = update.Result
		}
		return nil
	}
	return fmt.Errorf("operation %s not found", opID)
}

// Operation returns a stored operation, for assertions.
func (s *Store) Operation(opID string) (*catalog.Operation, bool) {
	for _, rec := range s.snapshot("operations") {
		if rec["id"] == opID {
			var op catalog.Operation
			if err := catalog.Decode(rec, &op); err != nil {
				return nil, false
			}
			return &op, true
		}
	}
	return nil, false
}

// PostWorkflowRecords implements catalog.Runtime.
func (s *Store) PostWorkflowRecords(ctx context.Context, records *catalog.WorkflowRecords) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, wfe := range records.WorkflowExecutions {
		if err := s.Insert(catalog.CollectionWorkflowExecutions, wfe); err != nil {
			return err
		}
	}
	for i := range records.DataObjects {
		if err := s.Insert(catalog.CollectionDataObjects, &records.DataObjects[i]); err != nil {
			return err
		}
	}
	return nil
}

// snapshot returns deep copies of every document in a collection.
func (s *Store) snapshot(collection string) []bson.M {
	s.mu.RLock()
	defer s.mu.RUnlock()
	docs := s.collections[collection]
	out := make([]bson.M, 0, len(docs))
	for _, doc := range docs {
		cp, err := catalog.Encode(doc)
		if err != nil {
			continue
		}
		out = append(out, cp)
	}
	return out
}

func project(doc bson.M, fields []string) bson.M {
	if len(fields) == 0 {
		return doc
	}
	out := make(bson.M, len(fields))
	for _, f := range fields {
		if v, ok := doc[f]; ok {
			out[f] = v
		}
	}
	return out
}
