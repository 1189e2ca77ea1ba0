package job

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/specialistvlad/seqflow/internal/catalog"
	"github.com/specialistvlad/seqflow/internal/ctxlog"
	"github.com/specialistvlad/seqflow/internal/retry"
	"go.mongodb.org/mongo-driver/bson"
)

// DataCategoryProcessed marks artifacts produced by a workflow.
const DataCategoryProcessed = "processed_data"

// MetadataFile is written once into each job's output directory.
const MetadataFile = "metadata.json"

var outputRef = regexp.MustCompile(`^\{outputs\.(\w+)\.(\w+)\}$`)

// copyPolicy allows one retry of a copy whose checksum does not match.
var copyPolicy = retry.Policy{Attempts: 2, Min: 10 * time.Millisecond, Max: 10 * time.Millisecond}

// Materializer turns a succeeded job's outputs into catalog records.
type Materializer struct {
	// URLRoot prefixes artifact URLs.
	URLRoot string
	// DataDir receives a copy of every output under
	// <informing key>/<execution id>/. Empty skips the copy.
	DataDir string
	// Resource is recorded as the execution resource.
	Resource string
}

// Materialize builds the artifact and execution records for j. It is a
// no-op for a job already marked done.
func (m *Materializer) Materialize(ctx context.Context, j *Job) (*catalog.WorkflowRecords, error) {
	s := j.State
	if s.Done {
		return nil, nil
	}
	logger := j.logger(ctx)
	execID := s.ExecutionID()
	key := s.InformingKey()

	outDir := ""
	if m.DataDir != "" {
		outDir = filepath.Join(m.DataDir, key, execID)
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
		if err := m.writeMetadata(outDir, s); err != nil {
			return nil, err
		}
	}

	outputs := j.Outputs()
	artifacts := make([]catalog.Artifact, 0, len(s.Config.Outputs))
	for _, o := range s.Config.Outputs {
		outKey := s.Config.InputPrefix + "." + o.Output
		src, ok := outputs[outKey]
		if !ok {
			logger.Warn("Output not found in job outputs.", "output", outKey)
			continue
		}
		info, err := os.Stat(src)
		if errors.Is(err, fs.ErrNotExist) {
			if o.Optional {
				logger.Debug("Optional output missing.", "output", outKey, "path", src)
			} else {
				logger.Warn("Required output missing.", "output", outKey, "path", src)
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("stat output %s: %w", src, err)
		}

		sum, err := md5File(src)
		if err != nil {
			return nil, err
		}
		name := filepath.Base(src)
		if outDir != "" {
			if err := copyVerified(ctx, src, filepath.Join(outDir, name), sum); err != nil {
				return nil, err
			}
		}

		artifacts = append(artifacts, catalog.Artifact{
			ID:             o.ID,
			Type:           catalog.ArtifactTypeTag,
			Name:           name,
			Description:    strings.ReplaceAll(o.Description, "{id}", execID),
			URL:            fmt.Sprintf("%s/%s/%s/%s", strings.TrimRight(m.URLRoot, "/"), key, execID, name),
			MD5Checksum:    sum,
			FileSizeBytes:  info.Size(),
			ArtifactType:   o.DataObjectType,
			DataCategory:   DataCategoryProcessed,
			WasGeneratedBy: execID,
		})
	}

	rec, err := m.executionRecord(ctx, j, artifacts)
	if err != nil {
		return nil, err
	}
	s.Outputs = artifacts
	logger.Info("Outputs materialized.", "data_objects", len(artifacts))
	return &catalog.WorkflowRecords{WorkflowExecutions: []bson.M{rec}, DataObjects: artifacts}, nil
}

// executionRecord assembles the execution record. Template values of the
// form {outputs.<name>.<field>} are read from the JSON document produced
// as output <name>.
func (m *Materializer) executionRecord(ctx context.Context, j *Job, artifacts []catalog.Artifact) (bson.M, error) {
	s := j.State
	execID := s.ExecutionID()
	tmpl := s.Config.Activity

	hasInput := make([]string, 0, len(s.Config.InputDataObjects))
	for _, a := range s.Config.InputDataObjects {
		hasInput = append(hasInput, a.ID)
	}
	hasOutput := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		hasOutput = append(hasOutput, a.ID)
	}

	rec := bson.M{
		"id":                 execID,
		"type":               tmpl["type"],
		"name":               strings.ReplaceAll(tmpl["name"], "{id}", execID),
		"git_url":            s.Config.GitRepo,
		"execution_resource": m.Resource,
		"was_informed_by":    s.Config.WasInformedBy,
		"has_input":          hasInput,
		"has_output":         hasOutput,
		"started_at_time":    j.StartedAt(),
		"ended_at_time":      j.EndedAt(),
		"version":            s.Config.Release,
	}

	docs := map[string]map[string]any{}
	for field, value := range tmpl {
		if !strings.HasPrefix(value, "{outputs.") {
			continue
		}
		match := outputRef.FindStringSubmatch(value)
		if match == nil {
			ctxlog.FromContext(ctx).Warn("Invalid output reference.", "field", field, "value", value)
			continue
		}
		logical, docField := match[1], match[2]
		doc, ok := docs[logical]
		if !ok {
			var err error
			doc, err = readOutputDoc(j.Outputs()[s.Config.InputPrefix+"."+logical])
			if err != nil {
				return nil, err
			}
			docs[logical] = doc
		}
		if v, ok := doc[docField]; ok {
			rec[field] = v
		} else if doc != nil {
			ctxlog.FromContext(ctx).Warn("Field not found in output document.", "field", docField, "output", logical)
		}
	}
	return rec, nil
}

func (m *Materializer) writeMetadata(outDir string, s *State) error {
	dst := filepath.Join(outDir, MetadataFile)
	if _, err := os.Stat(dst); err == nil || s.Metadata == nil {
		return nil
	}
	b, err := json.MarshalIndent(s.Metadata.Raw, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := os.WriteFile(dst, b, 0o644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

func readOutputDoc(path string) (map[string]any, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read output document: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode output document %s: %w", path, err)
	}
	return doc, nil
}

func md5File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("checksum %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// copyVerified copies src to dst and checks the copy against sum, retrying
// once on mismatch.
func copyVerified(ctx context.Context, src, dst, sum string) error {
	err := retry.Do(ctx, copyPolicy, func() error {
		if err := copyFile(src, dst); err != nil {
			return retry.Permanent(err)
		}
		got, err := md5File(dst)
		if err != nil {
			return retry.Permanent(err)
		}
		if got != sum {
			return fmt.Errorf("checksum mismatch copying %s to %s", src, dst)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to copy output: %w", err)
	}
	return nil
}

// copyHook lets tests corrupt a copy.
var copyHook func(dst string)

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if copyHook != nil {
		copyHook(dst)
	}
	return nil
}
