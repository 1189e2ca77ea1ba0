// Package graph builds the instance graph the scheduler walks: one node per
// eligible raw input or workflow execution, linked child to parent through
// artifact provenance, plus the manifest groups that pool raw inputs.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/specialistvlad/seqflow/internal/catalog"
	"github.com/specialistvlad/seqflow/internal/ctxlog"
	"github.com/specialistvlad/seqflow/internal/errs"
	"github.com/specialistvlad/seqflow/internal/node"
	"github.com/specialistvlad/seqflow/internal/version"
	"github.com/specialistvlad/seqflow/internal/workflow"
	"go.mongodb.org/mongo-driver/bson"
)

// Builder builds instance graphs from catalog records. A Builder is not
// safe for concurrent use; one cycle runs at a time.
type Builder struct {
	client catalog.Client
	force  bool
	// warned deduplicates warnings across builds of this instance.
	warned map[string]struct{}
}

// NewBuilder returns a builder reading from client. With force set, an
// execution record only counts if its version equals the catalog version.
func NewBuilder(client catalog.Client, force bool) *Builder {
	return &Builder{client: client, force: force, warned: make(map[string]struct{})}
}

// Build reads the records relevant to types and returns the linked nodes
// and the manifest index. When allow is not empty, only raw inputs with
// those ids, and executions they informed, are considered.
func (b *Builder) Build(ctx context.Context, types []*workflow.Type, allow []string) ([]*node.Node, *ManifestIndex, error) {
	logger := b.logger(ctx)

	category, err := analyteCategory(types)
	if err != nil {
		return nil, nil, err
	}

	cache, err := b.requiredArtifacts(ctx, types)
	if err != nil {
		return nil, nil, err
	}
	logger.Debug("Required artifacts cached.", "count", len(cache))

	nodes, rawIDs, manifests, err := b.rawInputNodes(ctx, types, category, allow, cache)
	if err != nil {
		return nil, nil, err
	}

	executions, err := b.executionNodes(ctx, types, allow, rawIDs, manifests, cache)
	if err != nil {
		return nil, nil, err
	}
	nodes = append(nodes, executions...)

	producers := b.mapProducers(ctx, nodes, cache)
	b.resolveParents(ctx, nodes, producers)

	logger.Debug("Instance graph built.", "nodes", len(nodes), "manifests", manifests.Len())
	return nodes, manifests, nil
}

func analyteCategory(types []*workflow.Type) (string, error) {
	if len(types) == 0 {
		return "", &errs.ConfigError{Msg: "no workflow types supplied"}
	}
	var categories []string
	for _, t := range types {
		c := strings.ToLower(t.AnalyteCategory)
		if !slices.Contains(categories, c) {
			categories = append(categories, c)
		}
	}
	if len(categories) > 1 {
		return "", &errs.ConfigError{Msg: fmt.Sprintf("multiple analyte categories not supported: %v", categories)}
	}
	if categories[0] == "" {
		return "", &errs.ConfigError{Msg: "no analyte category found"}
	}
	return categories[0], nil
}

func (b *Builder) requiredArtifacts(ctx context.Context, types []*workflow.Type) (map[string]*catalog.Artifact, error) {
	var required []string
	for _, t := range types {
		for _, set := range [][]string{t.InputArtifactTypes, t.FilterInputTypes, t.FilterOutputTypes} {
			for _, at := range set {
				if !slices.Contains(required, at) {
					required = append(required, at)
				}
			}
		}
	}
	cache := make(map[string]*catalog.Artifact)
	if len(required) == 0 {
		return cache, nil
	}

	recs, err := b.client.ListRecords(ctx, catalog.CollectionDataObjects, bson.M{"data_object_type": bson.M{"$in": required}})
	if err != nil {
		return nil, ioError("list required artifacts", err)
	}
	artifacts, err := catalog.DecodeAll[catalog.Artifact](recs)
	if err != nil {
		return nil, ioError("decode artifacts", err)
	}
	for _, a := range artifacts {
		cache[a.ID] = a
	}
	return cache, nil
}

func (b *Builder) rawInputNodes(ctx context.Context, types []*workflow.Type, category string, allow []string, cache map[string]*catalog.Artifact) ([]*node.Node, map[string]struct{}, *ManifestIndex, error) {
	filter := bson.M{"analyte_category": category}
	if len(allow) > 0 {
		filter["id"] = bson.M{"$in": allow}
	}
	recs, err := b.client.ListRecords(ctx, catalog.CollectionDataGenerations, filter)
	if err != nil {
		return nil, nil, nil, ioError("list data generations", err)
	}
	gens, err := catalog.DecodeAll[catalog.DataGeneration](recs)
	if err != nil {
		return nil, nil, nil, ioError("decode data generations", err)
	}

	rawIDs := make(map[string]struct{}, len(gens))
	manifests := newManifestIndex()
	var order []string
	var nodes []*node.Node
	seen := make(map[string]struct{})

	for _, wf := range types {
		if !wf.IsRawInput() {
			continue
		}
		for _, rec := range gens {
			rawIDs[rec.ID] = struct{}{}
			if !eligible(wf, rec.HasInput, rec.HasOutput, cache) {
				continue
			}
			key := rec.ID + "|" + rec.Type
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}

			n := node.New(&node.RawInput{Record: rec}, wf)
			current := ""
			for _, id := range rec.HasOutput {
				a, ok := cache[id]
				if !ok || len(a.InManifest) == 0 {
					continue
				}
				if len(a.InManifest) > 1 {
					b.warnOnce(ctx, "multi-manifest:"+a.ID, "Skipping data object in more than one manifest.", "data_object", a.ID, "manifests", a.InManifest)
					continue
				}
				current = a.InManifest[0]
				if manifests.Get(current) != nil {
					continue
				}
				group, err := b.resolveManifest(ctx, current, rec.ID, cache)
				if err != nil {
					return nil, nil, nil, err
				}
				manifests.groups[current] = group
				order = append(order, current)
			}
			if current != "" && manifests.Get(current).Contains(n.ID()) {
				n.Manifest = current
			}
			nodes = append(nodes, n)
		}
	}
	manifests.seal(order)
	return nodes, rawIDs, manifests, nil
}

func (b *Builder) executionNodes(ctx context.Context, types []*workflow.Type, allow []string, rawIDs map[string]struct{}, manifests *ManifestIndex, cache map[string]*catalog.Artifact) ([]*node.Node, error) {
	var nodes []*node.Node
	// found maps informing key -> workflow name -> index into nodes.
	found := make(map[string]map[string]int)

	for _, wf := range types {
		if wf.IsRawInput() {
			continue
		}
		filter := bson.M{}
		if wf.GitRepo != "" {
			filter["git_url"] = wf.GitRepo
		}
		if len(allow) > 0 {
			filter = bson.M{"was_informed_by": bson.M{"$in": allow}}
		}
		recs, err := b.client.ListRecords(ctx, wf.Collection, filter)
		if err != nil {
			return nil, ioError("list "+wf.Collection, err)
		}
		execs, err := catalog.DecodeAll[catalog.WorkflowExecution](recs)
		if err != nil {
			return nil, ioError("decode "+wf.Collection, err)
		}

		for _, rec := range execs {
			if rec.Type != wf.TypeTag {
				continue
			}
			if wf.Version != "" && !version.WithinMajor(rec.Version, wf.Version, b.force) {
				continue
			}
			if !eligible(wf, rec.HasInput, rec.HasOutput, cache) {
				continue
			}
			if !informedByKnownRawInput(rec.WasInformedBy, rawIDs) {
				continue
			}

			n := node.New(&node.Execution{Record: rec}, wf)
			key := n.InformingKey()
			if len(rec.WasInformedBy) > 1 {
				if m, ok := manifests.ByInformingSet(rec.WasInformedBy); ok {
					n.Manifest = m
				}
			}

			byName, ok := found[key]
			if !ok {
				byName = make(map[string]int)
				found[key] = byName
			}
			idx, exists := byName[wf.Name]
			if !exists {
				byName[wf.Name] = len(nodes)
				nodes = append(nodes, n)
				continue
			}

			current := nodes[idx]
			cmp, err := version.Compare(n.Version(), current.Version())
			if err != nil {
				return nil, fmt.Errorf("compare %s and %s: %w", n.ID(), current.ID(), err)
			}
			switch {
			case cmp == 0:
				return nil, &errs.DuplicateVersionError{
					Key: key, Workflow: wf.Name, Version: n.Version(),
					IDs: [2]string{current.ID(), n.ID()},
				}
			case cmp > 0:
				nodes[idx] = n
			}
		}
	}
	return nodes, nil
}

// mapProducers maps every output id to the node that produced it. Ids
// claimed by two nodes map to nil.
func (b *Builder) mapProducers(ctx context.Context, nodes []*node.Node, cache map[string]*catalog.Artifact) map[string]*node.Node {
	producers := make(map[string]*node.Node)
	for _, n := range nodes {
		for _, id := range n.Process.HasOutput() {
			if a, ok := cache[id]; ok {
				n.AddArtifact(a)
			}
			if _, dup := producers[id]; dup {
				b.warnOnce(ctx, "dup-output:"+id, "Duplicate output object.", "data_object", id)
				producers[id] = nil
				continue
			}
			producers[id] = n
		}
	}
	return producers
}

func (b *Builder) resolveParents(ctx context.Context, nodes []*node.Node, producers map[string]*node.Node) {
	logger := b.logger(ctx)
	for _, n := range nodes {
		if len(n.Workflow.Parents) == 0 {
			continue
		}
		for _, id := range n.Process.HasInput() {
			producer, ok := producers[id]
			if !ok {
				b.warnOnce(ctx, "missing:"+id, "Missing data object.", "data_object", id)
				continue
			}
			if producer == nil {
				logger.Debug("Input has no canonical producer.", "data_object", id, "node", n.ID())
				continue
			}
			if !n.SharesInformingIDs(producer) {
				b.warnOnce(ctx, "mismatch:"+id+":"+n.ID(), "Mismatched informing records.",
					"data_object", id, "node", n.ID(), "informed_by", n.InformedBy(), "producer_informed_by", producer.InformedBy())
				continue
			}
			if n.Workflow.HasParent(producer.Workflow) {
				n.Link(producer)
				logger.Debug("Found parent.", "node", n.ID(), "parent", producer.ID())
				break
			}
		}
		if n.Parent == nil {
			if _, ok := b.warned["obsolete:"+n.ID()]; !ok {
				b.warned["obsolete:"+n.ID()] = struct{}{}
				logger.Info("Skipping obsolete workflow execution.", "id", n.ID(), "type", n.Type(), "version", n.Version())
			}
		}
	}
}

// eligible applies the workflow's input and output guards: every guarded
// artifact type must be among the record's linked artifacts.
func eligible(wf *workflow.Type, hasInput, hasOutput []string, cache map[string]*catalog.Artifact) bool {
	return guardSatisfied(wf.FilterInputTypes, hasInput, cache) && guardSatisfied(wf.FilterOutputTypes, hasOutput, cache)
}

func guardSatisfied(guard, ids []string, cache map[string]*catalog.Artifact) bool {
	if len(guard) == 0 {
		return true
	}
	present := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if a, ok := cache[id]; ok {
			present[a.ArtifactType] = struct{}{}
		}
	}
	for _, want := range guard {
		if _, ok := present[want]; !ok {
			return false
		}
	}
	return true
}

// informedByKnownRawInput accepts pooled records as soon as one of their
// raw inputs was fetched, since the allow list may name only one replicate.
func informedByKnownRawInput(ids []string, rawIDs map[string]struct{}) bool {
	for _, id := range ids {
		if _, ok := rawIDs[id]; ok {
			return true
		}
	}
	return false
}

func (b *Builder) warnOnce(ctx context.Context, key, msg string, args ...any) {
	if _, ok := b.warned[key]; ok {
		return
	}
	b.warned[key] = struct{}{}
	b.logger(ctx).Warn(msg, args...)
}

func (b *Builder) logger(ctx context.Context) *slog.Logger {
	return ctxlog.FromContext(ctx).With("component", "graph")
}

func ioError(op string, err error) error {
	var ioErr *errs.CatalogIOError
	if errors.As(err, &ioErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &errs.CatalogIOError{Op: op, Err: err}
}
