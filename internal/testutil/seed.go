package testutil

import (
	"fmt"

	"github.com/specialistvlad/seqflow/internal/catalog"
	"github.com/specialistvlad/seqflow/internal/catalog/memory"
)

// Seeder inserts fixture records into a memory store.
type Seeder struct {
	Store *memory.Store
}

// NewSeeder returns a seeder over a fresh store.
func NewSeeder() *Seeder {
	return &Seeder{Store: memory.New()}
}

// Artifact inserts a data object and returns it.
func (s *Seeder) Artifact(id, artifactType string, manifests ...string) *catalog.Artifact {
	a := &catalog.Artifact{
		ID:           id,
		Type:         catalog.ArtifactTypeTag,
		Name:         id + ".fastq.gz",
		URL:          fmt.Sprintf("https://data.example.org/%s.fastq.gz", id),
		ArtifactType: artifactType,
		InManifest:   manifests,
	}
	s.Store.MustInsert(catalog.CollectionDataObjects, a)
	return a
}

// RawInput inserts a metagenome sequencing record with one raw reads output
// named "<id>-reads".
func (s *Seeder) RawInput(id string, manifests ...string) *catalog.DataGeneration {
	reads := s.Artifact(id+"-reads", TypeRawReads, manifests...)
	dg := &catalog.DataGeneration{
		ID:              id,
		Type:            TagSequencing,
		Name:            "sequencing " + id,
		AnalyteCategory: "metagenome",
		HasOutput:       []string{reads.ID},
	}
	s.Store.MustInsert(catalog.CollectionDataGenerations, dg)
	return dg
}

// Manifest inserts a poolable manifest record.
func (s *Seeder) Manifest(id string) {
	s.Store.MustInsert(catalog.CollectionManifests, map[string]any{
		"id":                id,
		"type":              "nmdc:Manifest",
		"manifest_category": "poolable_replicates",
	})
}

// Execution inserts a workflow execution record and one artifact per
// output type, named "<id>-<n>".
func (s *Seeder) Execution(id, typeTag, repo, version string, informedBy, inputs []string, outputTypes ...string) *catalog.WorkflowExecution {
	rec := &catalog.WorkflowExecution{
		ID:            id,
		Type:          typeTag,
		Name:          id,
		GitURL:        repo,
		Version:       version,
		WasInformedBy: informedBy,
		HasInput:      inputs,
	}
	for i, t := range outputTypes {
		a := s.Artifact(fmt.Sprintf("%s-%d", id, i), t)
		rec.HasOutput = append(rec.HasOutput, a.ID)
	}
	s.Store.MustInsert(catalog.CollectionWorkflowExecutions, rec)
	return rec
}

// ReadsQC inserts a reads QC execution over the raw reads of raw.
func (s *Seeder) ReadsQC(id, version string, raw ...string) *catalog.WorkflowExecution {
	inputs := make([]string, 0, len(raw))
	for _, r := range raw {
		inputs = append(inputs, r+"-reads")
	}
	return s.Execution(id, TagReadsQC, RepoReadsQC, version, raw, inputs, TypeFilteredReads, TypeQCStats)
}
