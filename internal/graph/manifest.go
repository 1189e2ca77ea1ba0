package graph

import (
	"context"
	"fmt"
	"slices"

	"github.com/specialistvlad/seqflow/internal/catalog"
	"go.mongodb.org/mongo-driver/bson"
)

// ManifestCategoryPoolable is the only manifest category that pools raw
// inputs.
const ManifestCategoryPoolable = "poolable_replicates"

// ManifestGroup is a set of raw inputs whose outputs are processed together.
type ManifestGroup struct {
	ID          string
	RawInputIDs []string
	Artifacts   []*catalog.Artifact
}

// Contains reports whether rawID belongs to the group.
func (g *ManifestGroup) Contains(rawID string) bool {
	return slices.Contains(g.RawInputIDs, rawID)
}

// ManifestIndex maps manifest ids to their groups and, in reverse, sorted
// raw input id sets to manifest ids.
type ManifestIndex struct {
	groups map[string]*ManifestGroup
	bySet  map[string]string
}

func newManifestIndex() *ManifestIndex {
	return &ManifestIndex{groups: make(map[string]*ManifestGroup), bySet: make(map[string]string)}
}

// Get returns the group for a manifest id, or nil.
func (i *ManifestIndex) Get(id string) *ManifestGroup {
	if i == nil {
		return nil
	}
	return i.groups[id]
}

// Len returns the number of groups.
func (i *ManifestIndex) Len() int {
	if i == nil {
		return 0
	}
	return len(i.groups)
}

// ByInformingSet returns the manifest whose raw inputs are exactly ids, in
// any order.
func (i *ManifestIndex) ByInformingSet(ids []string) (string, bool) {
	if i == nil {
		return "", false
	}
	id, ok := i.bySet[catalog.InformingKey(ids)]
	return id, ok
}

// seal builds the reverse lookup once every group is resolved. The first
// manifest seen for a given set wins.
func (i *ManifestIndex) seal(order []string) {
	for _, id := range order {
		g := i.groups[id]
		if len(g.RawInputIDs) == 0 {
			continue
		}
		key := catalog.InformingKey(g.RawInputIDs)
		if _, exists := i.bySet[key]; !exists {
			i.bySet[key] = id
		}
	}
}

func manifestArtifactsPipeline(manifestID string) catalog.Pipeline {
	return catalog.Pipeline{
		Collection: catalog.CollectionManifests,
		Stages: []bson.M{
			{"$match": bson.M{"id": manifestID, "manifest_category": ManifestCategoryPoolable}},
			{"$lookup": bson.M{
				"from":         catalog.CollectionDataObjects,
				"localField":   "id",
				"foreignField": "in_manifest",
				"as":           "data_objects",
			}},
			{"$unwind": "$data_objects"},
			{"$replaceWith": "$data_objects"},
		},
	}
}

func manifestRawInputsPipeline(artifactIDs []string) catalog.Pipeline {
	return catalog.Pipeline{
		Collection: catalog.CollectionDataObjects,
		Stages: []bson.M{
			{"$match": bson.M{"id": bson.M{"$in": artifactIDs}}},
			{"$lookup": bson.M{
				"from":         catalog.CollectionDataGenerations,
				"localField":   "id",
				"foreignField": "has_output",
				"as":           "data_generation_set",
			}},
			{"$unwind": "$data_generation_set"},
			{"$group": bson.M{
				"_id":                 "$data_generation_set._id",
				"data_generation_set": bson.M{"$first": "$data_generation_set"},
			}},
			{"$replaceWith": "$data_generation_set"},
		},
	}
}

// resolveManifest queries every artifact tagged with the manifest, then
// every raw input that produced one of them. seedID is the raw input that
// led to the manifest and is always a member.
func (b *Builder) resolveManifest(ctx context.Context, manifestID, seedID string, cache map[string]*catalog.Artifact) (*ManifestGroup, error) {
	logger := b.logger(ctx)
	logger.Debug("Resolving manifest.", "manifest", manifestID, "seed", seedID)

	group := &ManifestGroup{ID: manifestID, RawInputIDs: []string{seedID}}

	docs, err := b.client.RunAggregation(ctx, manifestArtifactsPipeline(manifestID))
	if err != nil {
		return nil, ioError("resolve manifest "+manifestID, err)
	}
	if len(docs) == 0 {
		logger.Warn("No data objects returned for manifest.", "manifest", manifestID)
		return group, nil
	}

	artifactIDs := make([]string, 0, len(docs))
	for _, doc := range docs {
		var a catalog.Artifact
		if err := catalog.Decode(doc, &a); err != nil {
			return nil, ioError("resolve manifest "+manifestID, err)
		}
		if slices.Contains(artifactIDs, a.ID) {
			continue
		}
		if cached, ok := cache[a.ID]; ok {
			group.Artifacts = append(group.Artifacts, cached)
		} else {
			group.Artifacts = append(group.Artifacts, &a)
		}
		artifactIDs = append(artifactIDs, a.ID)
	}

	gens, err := b.client.RunAggregation(ctx, manifestRawInputsPipeline(artifactIDs))
	if err != nil {
		return nil, ioError("resolve manifest "+manifestID, err)
	}
	if len(gens) == 0 {
		logger.Warn("No data generations returned for manifest.", "manifest", manifestID)
	}
	for _, doc := range gens {
		id, ok := doc["id"].(string)
		if !ok {
			return nil, ioError("resolve manifest "+manifestID, fmt.Errorf("data generation without id"))
		}
		if !group.Contains(id) {
			group.RawInputIDs = append(group.RawInputIDs, id)
		}
	}
	logger.Debug("Manifest resolved.", "manifest", manifestID, "raw_inputs", len(group.RawInputIDs), "artifacts", len(group.Artifacts))
	return group, nil
}
