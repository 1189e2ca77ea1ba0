package workflow

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// hclFileRoot decodes the top-level blocks of one catalog file.
type hclFileRoot struct {
	Workflows []*hclWorkflow `hcl:"workflow,block"`
	Remain    hcl.Body       `hcl:",remain"`
}

type hclWorkflow struct {
	Name                string            `hcl:"name,label"`
	Type                string            `hcl:"type,optional"`
	Enabled             *bool             `hcl:"enabled,optional"`
	AnalyteCategory     string            `hcl:"analyte_category,optional"`
	Collection          string            `hcl:"collection"`
	GitRepo             string            `hcl:"git_repo,optional"`
	Version             string            `hcl:"version,optional"`
	WDL                 string            `hcl:"wdl,optional"`
	Predecessors        []string          `hcl:"predecessors,optional"`
	FilterInputObjects  []string          `hcl:"filter_input_objects,optional"`
	FilterOutputObjects []string          `hcl:"filter_output_objects,optional"`
	InputPrefix         string            `hcl:"input_prefix,optional"`
	Inputs              hcl.Expression    `hcl:"inputs,optional"`
	OptionalInputs      []string          `hcl:"optional_inputs,optional"`
	Execution           map[string]string `hcl:"workflow_execution,optional"`
	Outputs             []*hclOutput      `hcl:"output,block"`
}

type hclOutput struct {
	Output         string `hcl:"output,label"`
	DataObjectType string `hcl:"data_object_type"`
	Description    string `hcl:"description,optional"`
	Name           string `hcl:"name,optional"`
	Optional       bool   `hcl:"optional,optional"`
}

func parseHCL(file string) ([]definition, error) {
	parser := hclparse.NewParser()
	hclFile, diags := parser.ParseHCLFile(file)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", file, diags)
	}

	var root hclFileRoot
	if diags := gohcl.DecodeBody(hclFile.Body, nil, &root); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", file, diags)
	}

	defs := make([]definition, 0, len(root.Workflows))
	for _, wf := range root.Workflows {
		inputs, err := decodeHCLInputs(wf.Inputs)
		if err != nil {
			return nil, fmt.Errorf("workflow %q: %w", wf.Name, err)
		}
		def := definition{
			Name:              wf.Name,
			Type:              wf.Type,
			Enabled:           wf.Enabled,
			AnalyteCategory:   wf.AnalyteCategory,
			Collection:        wf.Collection,
			GitRepo:           wf.GitRepo,
			Version:           wf.Version,
			WDL:               wf.WDL,
			Predecessors:      wf.Predecessors,
			FilterInputTypes:  wf.FilterInputObjects,
			FilterOutputTypes: wf.FilterOutputObjects,
			InputPrefix:       wf.InputPrefix,
			Inputs:            inputs,
			OptionalInputs:    wf.OptionalInputs,
			Execution:         wf.Execution,
		}
		for _, out := range wf.Outputs {
			def.Outputs = append(def.Outputs, Output{
				Name:         out.Output,
				ArtifactType: out.DataObjectType,
				Description:  out.Description,
				DisplayName:  out.Name,
				Optional:     out.Optional,
			})
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// decodeHCLInputs reads the inputs object in source order. Values must be
// strings or booleans; numbers are kept as their string form.
func decodeHCLInputs(expr hcl.Expression) ([]rawInput, error) {
	if expr == nil {
		return nil, nil
	}
	val, diags := expr.Value(nil)
	if diags.HasErrors() {
		return nil, diags
	}
	if val.IsNull() {
		return nil, nil
	}

	pairs, diags := hcl.ExprMap(expr)
	if diags.HasErrors() {
		return nil, diags
	}
	inputs := make([]rawInput, 0, len(pairs))
	for _, pair := range pairs {
		name := hcl.ExprAsKeyword(pair.Key)
		if name == "" {
			keyVal, diags := pair.Key.Value(nil)
			if diags.HasErrors() {
				return nil, diags
			}
			if keyVal.Type() != cty.String {
				return nil, fmt.Errorf("input keys must be strings")
			}
			name = keyVal.AsString()
		}

		v, diags := pair.Value.Value(nil)
		if diags.HasErrors() {
			return nil, diags
		}
		raw, err := ctyToInput(v)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", name, err)
		}
		inputs = append(inputs, rawInput{Name: name, Value: raw})
	}
	return inputs, nil
}

func ctyToInput(v cty.Value) (any, error) {
	if v.IsNull() || !v.IsKnown() {
		return nil, fmt.Errorf("value must be known and not null")
	}
	if v.Type() == cty.Bool {
		return v.True(), nil
	}
	s, err := convert.Convert(v, cty.String)
	if err != nil {
		return nil, fmt.Errorf("value must be a string or a bool: %w", err)
	}
	return s.AsString(), nil
}
