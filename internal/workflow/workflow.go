// Package workflow holds the static catalog of workflow types: what each
// workflow consumes, what it produces, which release to run, and how the
// types chain into each other.
//
// A catalog is loaded once with Load and is immutable afterwards. Parents and
// Children are wired at load time by matching declared predecessor names.
package workflow

import (
	"fmt"
	"slices"
)

// Collections a workflow type can be sourced from.
const (
	CollectionDataGeneration    = "data_generation_set"
	CollectionWorkflowExecution = "workflow_execution_set"
)

// Type is one workflow type from the catalog.
type Type struct {
	Name            string
	TypeTag         string
	Enabled         bool
	Version         string
	GitRepo         string
	WDL             string
	Collection      string
	AnalyteCategory string
	Predecessors    []string

	InputPrefix       string
	Inputs            []Input
	OptionalInputs    []string
	FilterInputTypes  []string
	FilterOutputTypes []string
	Outputs           []Output

	// ExecutionTemplate holds the extra fields of the execution record, by
	// field name. Values may reference {id} or {outputs.<name>.<field>}.
	ExecutionTemplate map[string]string

	// InputArtifactTypes is derived from the artifact references in Inputs.
	InputArtifactTypes []string

	Parents  []*Type
	Children []*Type
}

// Output declares one artifact a workflow produces.
type Output struct {
	Name         string
	ArtifactType string
	Description  string
	DisplayName  string
	Optional     bool
}

// Equal reports whether two types describe the same release of the same
// workflow.
func (t *Type) Equal(o *Type) bool {
	if t == nil || o == nil {
		return t == o
	}
	return t.Name == o.Name && t.TypeTag == o.TypeTag && t.GitRepo == o.GitRepo && t.Version == o.Version
}

// IsRawInput reports whether records of this type are data generations
// rather than workflow executions.
func (t *Type) IsRawInput() bool {
	return t.Collection == CollectionDataGeneration
}

// IsOptional reports whether the named input may be left unresolved.
func (t *Type) IsOptional(input string) bool {
	return slices.Contains(t.OptionalInputs, input)
}

// HasParent reports whether p is one of the declared parent types.
func (t *Type) HasParent(p *Type) bool {
	for _, candidate := range t.Parents {
		if candidate.Equal(p) {
			return true
		}
	}
	return false
}

func (t *Type) String() string {
	if t.Version == "" {
		return t.Name
	}
	return fmt.Sprintf("%s:%s", t.Name, t.Version)
}

// ByName returns the type with the given name, or nil.
func ByName(types []*Type, name string) *Type {
	for _, t := range types {
		if t.Name == name {
			return t
		}
	}
	return nil
}
