package workflow

import (
	"fmt"
	"strings"
)

// InputKind classifies a declared workflow input.
type InputKind int

const (
	// KindLiteral values pass through unchanged.
	KindLiteral InputKind = iota
	// KindBool values pass through unchanged as booleans.
	KindBool
	// KindPlaceholder values are substituted when a job is built.
	KindPlaceholder
	// KindArtifact values reference an artifact type ("do:<type>").
	KindArtifact
)

// Placeholders understood by the scheduler.
const (
	PlaceholderWasInformedBy       = "{was_informed_by}"
	PlaceholderWorkflowExecutionID = "{workflow_execution_id}"
	PlaceholderPredecessorID       = "{predecessor_activity_id}"
	// PlaceholderResource is left untouched by the scheduler and replaced
	// with the site resource at submission.
	PlaceholderResource = "{resource}"
)

const artifactRefPrefix = "do:"

// Input is one entry of a workflow's ordered input specification.
type Input struct {
	Name  string
	Kind  InputKind
	Value string
	Bool  bool
}

// Raw returns the input as written in the catalog.
func (in Input) Raw() any {
	switch in.Kind {
	case KindBool:
		return in.Bool
	case KindArtifact:
		return artifactRefPrefix + in.Value
	default:
		return in.Value
	}
}

// IsList reports whether the input is declared as a paired or list input,
// which always binds a list of URLs even for a single artifact.
func (in Input) IsList() bool {
	switch in.Name {
	case "input_files", "input_fastq1", "input_fastq2":
		return true
	}
	return false
}

func newInput(name string, raw any) (Input, error) {
	switch v := raw.(type) {
	case bool:
		return Input{Name: name, Kind: KindBool, Bool: v}, nil
	case string:
		switch {
		case strings.HasPrefix(v, artifactRefPrefix):
			return Input{Name: name, Kind: KindArtifact, Value: strings.TrimPrefix(v, artifactRefPrefix)}, nil
		case v == PlaceholderWasInformedBy, v == PlaceholderWorkflowExecutionID, v == PlaceholderPredecessorID:
			return Input{Name: name, Kind: KindPlaceholder, Value: v}, nil
		default:
			return Input{Name: name, Kind: KindLiteral, Value: v}, nil
		}
	default:
		return Input{}, fmt.Errorf("input %q: unsupported value %v (%T)", name, raw, raw)
	}
}
