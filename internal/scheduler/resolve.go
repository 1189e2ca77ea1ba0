package scheduler

import (
	"context"
	"fmt"
	"slices"

	"github.com/specialistvlad/seqflow/internal/catalog"
	"github.com/specialistvlad/seqflow/internal/errs"
	"github.com/specialistvlad/seqflow/internal/node"
	"github.com/specialistvlad/seqflow/internal/workflow"
	"go.mongodb.org/mongo-driver/bson"
)

// resolve builds the job record for req: bound inputs, execution id and
// minted output ids.
func (s *Scheduler) resolve(ctx context.Context, c *cycle, req *JobRequest) (*catalog.Job, error) {
	wf := req.Workflow
	available := s.availableArtifacts(c, req.Trigger)

	inputs := make(map[string]any, len(wf.Inputs))
	var used []catalog.Artifact
	for _, in := range wf.Inputs {
		if in.Kind != workflow.KindArtifact {
			continue
		}
		artifacts := available[in.Value]
		if len(artifacts) == 0 {
			if wf.IsOptional(in.Name) {
				continue
			}
			return nil, &errs.MissingArtifactError{
				Workflow: wf.Name, Input: in.Name, ArtifactType: in.Value, Trigger: req.Trigger.ID(),
			}
		}
		urls := make([]string, 0, len(artifacts))
		for _, a := range artifacts {
			urls = append(urls, a.URL)
			if !slices.ContainsFunc(used, func(u catalog.Artifact) bool { return u.ID == a.ID }) {
				used = append(used, *a)
			}
		}
		if len(urls) == 1 && !in.IsList() {
			inputs[in.Name] = urls[0]
		} else {
			inputs[in.Name] = urls
		}
	}

	execID, iteration, err := s.executionID(ctx, wf, req.InformedBy)
	if err != nil {
		return nil, err
	}

	for _, in := range wf.Inputs {
		switch in.Kind {
		case workflow.KindBool:
			inputs[in.Name] = in.Bool
		case workflow.KindLiteral:
			inputs[in.Name] = in.Value
		case workflow.KindPlaceholder:
			inputs[in.Name] = placeholderValue(in.Value, execID, req)
		}
	}

	outputs := make([]catalog.JobOutput, 0, len(wf.Outputs))
	for _, o := range wf.Outputs {
		id, err := s.client.Mint(ctx, catalog.ArtifactTypeTag, req.InformedBy...)
		if err != nil {
			return nil, ioError("mint output id", err)
		}
		outputs = append(outputs, catalog.JobOutput{
			Output:         o.Name,
			DataObjectType: o.ArtifactType,
			Description:    o.Description,
			Name:           o.DisplayName,
			Optional:       o.Optional,
			ID:             id,
		})
	}

	return &catalog.Job{
		Workflow: catalog.JobWorkflow{ID: catalog.WorkflowID(wf.Name, wf.Version)},
		Config: catalog.JobConfig{
			GitRepo:          wf.GitRepo,
			Release:          wf.Version,
			WDL:              wf.WDL,
			ActivityID:       execID,
			ActivitySet:      wf.Collection,
			WasInformedBy:    req.InformedBy,
			TriggerActivity:  req.Trigger.ID(),
			Iteration:        iteration,
			InputPrefix:      wf.InputPrefix,
			Inputs:           inputs,
			InputDataObjects: used,
			Activity:         wf.ExecutionTemplate,
			Outputs:          outputs,
			Manifest:         req.Manifest,
		},
		Claims: []catalog.Claim{},
	}, nil
}

// availableArtifacts collects artifacts by type from the trigger up its
// parent chain. The closest ancestor wins a type; pooled artifacts of the
// trigger's manifest replace what the chain provides for their types.
func (s *Scheduler) availableArtifacts(c *cycle, trigger *node.Node) map[string][]*catalog.Artifact {
	available := make(map[string][]*catalog.Artifact)
	for n := trigger; n != nil; n = n.Parent {
		for t, a := range n.ArtifactsByType {
			if _, ok := available[t]; !ok {
				available[t] = []*catalog.Artifact{a}
			}
		}
	}
	if group := c.manifests.Get(trigger.Manifest); group != nil {
		pooled := make(map[string][]*catalog.Artifact)
		for _, a := range group.Artifacts {
			pooled[a.ArtifactType] = append(pooled[a.ArtifactType], a)
		}
		for t, list := range pooled {
			available[t] = list
		}
	}
	return available
}

// executionID reuses the root of earlier executions of wf for the same
// informing records, or mints a new one.
func (s *Scheduler) executionID(ctx context.Context, wf *workflow.Type, informedBy []string) (string, int, error) {
	recs, err := s.client.ListRecords(ctx, catalog.CollectionWorkflowExecutions,
		bson.M{"was_informed_by": bson.M{"$in": informedBy}, "type": wf.TypeTag}, "id", "was_informed_by")
	if err != nil {
		return "", 0, ioError("list executions of "+wf.Name, err)
	}
	execs, err := catalog.DecodeAll[catalog.WorkflowExecution](recs)
	if err != nil {
		return "", 0, ioError("decode executions of "+wf.Name, err)
	}

	key := catalog.InformingKey(informedBy)
	var ids []string
	for _, e := range execs {
		if catalog.InformingKey(e.WasInformedBy) == key {
			ids = append(ids, e.ID)
		}
	}
	if len(ids) == 0 {
		root, err := s.client.Mint(ctx, wf.TypeTag)
		if err != nil {
			return "", 0, ioError("mint execution id", err)
		}
		return root + ".1", 1, nil
	}
	slices.Sort(ids)
	iteration := len(ids) + 1
	return fmt.Sprintf("%s.%d", executionRoot(ids[len(ids)-1]), iteration), iteration, nil
}

func placeholderValue(p, execID string, req *JobRequest) any {
	switch p {
	case workflow.PlaceholderWorkflowExecutionID:
		return execID
	case workflow.PlaceholderPredecessorID:
		return req.Trigger.ID()
	case workflow.PlaceholderWasInformedBy:
		if len(req.InformedBy) == 1 {
			return req.InformedBy[0]
		}
		return req.InformedBy
	}
	return p
}
