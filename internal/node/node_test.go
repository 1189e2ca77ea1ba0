package node

import (
	"testing"

	"github.com/specialistvlad/seqflow/internal/catalog"
	"github.com/specialistvlad/seqflow/internal/workflow"
	"github.com/stretchr/testify/assert"
)

func TestNode(t *testing.T) {
	seqType := &workflow.Type{Name: "Sequencing", Collection: workflow.CollectionDataGeneration}
	qcType := &workflow.Type{Name: "Reads QC", Collection: workflow.CollectionWorkflowExecution}

	raw := New(&RawInput{Record: &catalog.DataGeneration{ID: "dg-1", Type: "nmdc:NucleotideSequencing"}}, seqType)
	pooled := New(&Execution{Record: &catalog.WorkflowExecution{
		ID: "wf-1.1", Type: "nmdc:ReadQcAnalysis", Version: "v1.0.8",
		WasInformedBy: []string{"dg-2", "dg-1"},
	}}, qcType)
	other := New(&Execution{Record: &catalog.WorkflowExecution{ID: "wf-9.1", WasInformedBy: []string{"dg-9"}}}, qcType)

	assert.True(t, raw.IsRawInput())
	assert.False(t, pooled.IsRawInput())
	assert.Equal(t, []string{"dg-1"}, raw.InformedBy())
	assert.Equal(t, "dg-1", raw.InformingKey())
	assert.Equal(t, "dg-1_dg-2", pooled.InformingKey())
	assert.Equal(t, "", raw.Version())

	assert.True(t, pooled.SharesInformingIDs(raw))
	assert.False(t, other.SharesInformingIDs(raw))

	pooled.Link(raw)
	assert.Same(t, raw, pooled.Parent)
	assert.Equal(t, []*Node{pooled}, raw.Children)

	a := &catalog.Artifact{ID: "do-1", ArtifactType: "Filtered Sequencing Reads"}
	pooled.AddArtifact(a)
	assert.Same(t, a, pooled.ArtifactsByType["Filtered Sequencing Reads"])

	assert.True(t, raw.Same(New(&RawInput{Record: &catalog.DataGeneration{ID: "dg-1", Type: "nmdc:NucleotideSequencing"}}, seqType)))
}
