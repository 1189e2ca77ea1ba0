package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/specialistvlad/seqflow/internal/ctxlog"
	"github.com/specialistvlad/seqflow/internal/errs"
)

// definition is the format-agnostic shape every catalog parser produces.
type definition struct {
	Name              string
	Type              string
	Enabled           *bool
	AnalyteCategory   string
	Collection        string
	GitRepo           string
	Version           string
	WDL               string
	Predecessors      []string
	FilterInputTypes  []string
	FilterOutputTypes []string
	InputPrefix       string
	Inputs            []rawInput
	OptionalInputs    []string
	Execution         map[string]string
	Outputs           []Output
}

type rawInput struct {
	Name  string
	Value any
}

// Load reads a workflow catalog from a file or a directory of files. HCL
// (.hcl) and YAML (.yaml, .yml) sources are supported and may be mixed.
func Load(ctx context.Context, path string) ([]*Type, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Workflow catalog loader started.", "path", path)

	files, err := findCatalogFiles(path)
	if err != nil {
		return nil, &errs.ConfigError{Source: path, Msg: "cannot read catalog", Err: err}
	}
	if len(files) == 0 {
		return nil, &errs.ConfigError{Source: path, Msg: "no catalog files found"}
	}

	var defs []definition
	for _, file := range files {
		var fileDefs []definition
		switch strings.ToLower(filepath.Ext(file)) {
		case ".hcl":
			fileDefs, err = parseHCL(file)
		default:
			fileDefs, err = parseYAML(file)
		}
		if err != nil {
			return nil, &errs.ConfigError{Source: file, Msg: "malformed catalog", Err: err}
		}
		defs = append(defs, fileDefs...)
	}

	types, err := build(defs)
	if err != nil {
		return nil, &errs.ConfigError{Source: path, Msg: err.Error()}
	}
	logger.Debug("Workflow catalog loaded.", "types", len(types))
	return types, nil
}

// build instantiates one Type per definition and wires parents and children.
func build(defs []definition) ([]*Type, error) {
	types := make([]*Type, 0, len(defs))
	seen := make(map[string]struct{}, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, fmt.Errorf("workflow without a name")
		}
		if _, dup := seen[def.Name]; dup {
			return nil, fmt.Errorf("workflow %q declared twice", def.Name)
		}
		seen[def.Name] = struct{}{}

		t, err := newType(def)
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}

	for _, child := range types {
		for _, pred := range child.Predecessors {
			parent := ByName(types, pred)
			if parent == nil {
				return nil, fmt.Errorf("workflow %q: unknown predecessor %q", child.Name, pred)
			}
			parent.Children = append(parent.Children, child)
			child.Parents = append(child.Parents, parent)
		}
	}
	return types, nil
}

func newType(def definition) (*Type, error) {
	if def.Collection != CollectionDataGeneration && def.Collection != CollectionWorkflowExecution {
		return nil, fmt.Errorf("workflow %q: unsupported collection %q", def.Name, def.Collection)
	}
	t := &Type{
		Name:              def.Name,
		TypeTag:           def.Type,
		Enabled:           def.Enabled == nil || *def.Enabled,
		Version:           def.Version,
		GitRepo:           def.GitRepo,
		WDL:               def.WDL,
		Collection:        def.Collection,
		AnalyteCategory:   def.AnalyteCategory,
		Predecessors:      def.Predecessors,
		InputPrefix:       def.InputPrefix,
		OptionalInputs:    def.OptionalInputs,
		FilterInputTypes:  def.FilterInputTypes,
		FilterOutputTypes: def.FilterOutputTypes,
		Outputs:           def.Outputs,
		ExecutionTemplate: def.Execution,
	}
	if t.TypeTag == "" {
		return nil, fmt.Errorf("workflow %q: missing type", def.Name)
	}
	for _, raw := range def.Inputs {
		in, err := newInput(raw.Name, raw.Value)
		if err != nil {
			return nil, fmt.Errorf("workflow %q: %w", def.Name, err)
		}
		t.Inputs = append(t.Inputs, in)
		if in.Kind == KindArtifact && !slices.Contains(t.InputArtifactTypes, in.Value) {
			t.InputArtifactTypes = append(t.InputArtifactTypes, in.Value)
		}
	}
	for _, out := range t.Outputs {
		if out.Name == "" || out.ArtifactType == "" {
			return nil, fmt.Errorf("workflow %q: output needs a name and an artifact type", def.Name)
		}
	}
	return t, nil
}

// findCatalogFiles walks the path and returns every catalog file in it.
func findCatalogFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(p)) {
		case ".hcl", ".yaml", ".yml":
			files = append(files, p)
		}
		return nil
	})
	return files, err
}
