package workflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type yamlFileRoot struct {
	Workflows []yamlWorkflow `yaml:"workflows"`
}

type yamlWorkflow struct {
	Name                string            `yaml:"name"`
	Type                string            `yaml:"type"`
	Enabled             *bool             `yaml:"enabled"`
	AnalyteCategory     string            `yaml:"analyte_category"`
	Collection          string            `yaml:"collection"`
	GitRepo             string            `yaml:"git_repo"`
	Version             string            `yaml:"version"`
	WDL                 string            `yaml:"wdl"`
	Predecessors        []string          `yaml:"predecessors"`
	FilterInputObjects  []string          `yaml:"filter_input_objects"`
	FilterOutputObjects []string          `yaml:"filter_output_objects"`
	InputPrefix         string            `yaml:"input_prefix"`
	Inputs              yaml.Node         `yaml:"inputs"`
	OptionalInputs      []string          `yaml:"optional_inputs"`
	Execution           map[string]string `yaml:"workflow_execution"`
	Outputs             []yamlOutput      `yaml:"outputs"`
}

type yamlOutput struct {
	Output         string `yaml:"output"`
	DataObjectType string `yaml:"data_object_type"`
	Description    string `yaml:"description"`
	Name           string `yaml:"name"`
	Optional       bool   `yaml:"optional"`
}

func parseYAML(file string) ([]definition, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	var root yamlFileRoot
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to decode YAML file %s: %w", file, err)
	}

	defs := make([]definition, 0, len(root.Workflows))
	for _, wf := range root.Workflows {
		inputs, err := decodeYAMLInputs(&wf.Inputs)
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

// decodeYAMLInputs walks the inputs mapping node so declaration order is
// kept.
func decodeYAMLInputs(node *yaml.Node) ([]rawInput, error) {
	if node.Kind == 0 {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("inputs must be a mapping")
	}
	inputs := make([]rawInput, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		if val.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("input %q must be a scalar", key.Value)
		}
		var raw any = val.Value
		if val.Tag == "!!bool" {
			var b bool
			if err := val.Decode(&b); err != nil {
				return nil, fmt.Errorf("input %q: %w", key.Value, err)
			}
			raw = b
		}
		inputs = append(inputs, rawInput{Name: key.Value, Value: raw})
	}
	return inputs, nil
}
