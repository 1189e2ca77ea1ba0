// Package node defines the in-memory instance graph: one Node per raw input
// or workflow execution record, linked to its producing parent through the
// artifacts it consumed.
package node

import (
	"slices"

	"github.com/specialistvlad/seqflow/internal/catalog"
	"github.com/specialistvlad/seqflow/internal/workflow"
)

// Process is the record a Node wraps: either a *RawInput or an *Execution.
type Process interface {
	ID() string
	Type() string
	Name() string
	HasInput() []string
	HasOutput() []string
	// InformedBy lists the raw inputs behind the record. A raw input is
	// informed by itself.
	InformedBy() []string
	// Version is empty for raw inputs.
	Version() string
}

// RawInput wraps a data generation record.
type RawInput struct {
	Record *catalog.DataGeneration
}

func (r *RawInput) ID() string           { return r.Record.ID }
func (r *RawInput) Type() string         { return r.Record.Type }
func (r *RawInput) Name() string         { return r.Record.Name }
func (r *RawInput) HasInput() []string   { return r.Record.HasInput }
func (r *RawInput) HasOutput() []string  { return r.Record.HasOutput }
func (r *RawInput) InformedBy() []string { return []string{r.Record.ID} }
func (r *RawInput) Version() string      { return "" }

// Execution wraps a workflow execution record.
type Execution struct {
	Record *catalog.WorkflowExecution
}

func (e *Execution) ID() string           { return e.Record.ID }
func (e *Execution) Type() string         { return e.Record.Type }
func (e *Execution) Name() string         { return e.Record.Name }
func (e *Execution) HasInput() []string   { return e.Record.HasInput }
func (e *Execution) HasOutput() []string  { return e.Record.HasOutput }
func (e *Execution) InformedBy() []string { return e.Record.WasInformedBy }
func (e *Execution) Version() string      { return e.Record.Version }

// Node is one process in the instance graph.
type Node struct {
	Process  Process
	Workflow *workflow.Type
	// Manifest is the pooling group id, empty when the node is not pooled.
	Manifest string
	// ArtifactsByType holds the artifacts this node produced, keyed by
	// artifact type. Only types some workflow consumes are tracked.
	ArtifactsByType map[string]*catalog.Artifact
	Parent          *Node
	Children        []*Node
}

// New wraps a process for the given workflow type.
func New(p Process, wf *workflow.Type) *Node {
	return &Node{Process: p, Workflow: wf, ArtifactsByType: make(map[string]*catalog.Artifact)}
}

func (n *Node) ID() string           { return n.Process.ID() }
func (n *Node) Type() string         { return n.Process.Type() }
func (n *Node) Name() string         { return n.Process.Name() }
func (n *Node) Version() string      { return n.Process.Version() }
func (n *Node) InformedBy() []string { return n.Process.InformedBy() }

// InformingKey is the single informing id, or the sorted "_"-joined ids of
// a pooled record.
func (n *Node) InformingKey() string {
	return catalog.InformingKey(n.InformedBy())
}

// IsRawInput reports whether the node wraps a data generation.
func (n *Node) IsRawInput() bool {
	_, ok := n.Process.(*RawInput)
	return ok
}

// AddArtifact records an artifact produced by the node.
func (n *Node) AddArtifact(a *catalog.Artifact) {
	n.ArtifactsByType[a.ArtifactType] = a
}

// SharesInformingIDs reports whether the two nodes have at least one
// informing raw input in common.
func (n *Node) SharesInformingIDs(o *Node) bool {
	theirs := o.InformedBy()
	for _, id := range n.InformedBy() {
		if slices.Contains(theirs, id) {
			return true
		}
	}
	return false
}

// Link makes p the parent of n.
func (n *Node) Link(p *Node) {
	n.Parent = p
	p.Children = append(p.Children, n)
}

// Same reports whether two nodes wrap the same record.
func (n *Node) Same(o *Node) bool {
	return n.ID() == o.ID() && n.Type() == o.Type()
}
