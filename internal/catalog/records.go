package catalog

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// ArtifactTypeTag is the schema type of every data object record.
const ArtifactTypeTag = "nmdc:DataObject"

// Artifact is a file-backed data object.
type Artifact struct {
	ID             string   `bson:"id" json:"id"`
	Type           string   `bson:"type,omitempty" json:"type,omitempty"`
	Name           string   `bson:"name,omitempty" json:"name,omitempty"`
	Description    string   `bson:"description,omitempty" json:"description,omitempty"`
	URL            string   `bson:"url,omitempty" json:"url,omitempty"`
	MD5Checksum    string   `bson:"md5_checksum,omitempty" json:"md5_checksum,omitempty"`
	FileSizeBytes  int64    `bson:"file_size_bytes,omitempty" json:"file_size_bytes,omitempty"`
	ArtifactType   string   `bson:"data_object_type,omitempty" json:"data_object_type,omitempty"`
	DataCategory   string   `bson:"data_category,omitempty" json:"data_category,omitempty"`
	InManifest     []string `bson:"in_manifest,omitempty" json:"in_manifest,omitempty"`
	WasGeneratedBy string   `bson:"was_generated_by,omitempty" json:"was_generated_by,omitempty"`
}

// DataGeneration is a raw sequencing input record.
type DataGeneration struct {
	ID              string   `bson:"id" json:"id"`
	Type            string   `bson:"type" json:"type"`
	Name            string   `bson:"name,omitempty" json:"name,omitempty"`
	AnalyteCategory string   `bson:"analyte_category,omitempty" json:"analyte_category,omitempty"`
	HasInput        []string `bson:"has_input,omitempty" json:"has_input,omitempty"`
	HasOutput       []string `bson:"has_output,omitempty" json:"has_output,omitempty"`
}

// WorkflowExecution is a record of one workflow run.
type WorkflowExecution struct {
	ID                string   `bson:"id" json:"id"`
	Type              string   `bson:"type" json:"type"`
	Name              string   `bson:"name,omitempty" json:"name,omitempty"`
	GitURL            string   `bson:"git_url,omitempty" json:"git_url,omitempty"`
	Version           string   `bson:"version,omitempty" json:"version,omitempty"`
	ExecutionResource string   `bson:"execution_resource,omitempty" json:"execution_resource,omitempty"`
	WasInformedBy     []string `bson:"was_informed_by,omitempty" json:"was_informed_by,omitempty"`
	HasInput          []string `bson:"has_input,omitempty" json:"has_input,omitempty"`
	HasOutput         []string `bson:"has_output,omitempty" json:"has_output,omitempty"`
	StartedAtTime     string   `bson:"started_at_time,omitempty" json:"started_at_time,omitempty"`
	EndedAtTime       string   `bson:"ended_at_time,omitempty" json:"ended_at_time,omitempty"`
}

// Decode converts a record into a typed value by round-tripping through
// BSON, so any struct with bson tags works as a target.
func Decode(rec bson.M, out any) error {
	raw, err := bson.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := bson.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}

// Encode converts a typed value into a record.
func Encode(v any) (bson.M, error) {
	raw, err := bson.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	var rec bson.M
	if err := bson.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

// DecodeAll decodes every record into a new T.
func DecodeAll[T any](recs []bson.M) ([]*T, error) {
	out := make([]*T, 0, len(recs))
	for _, rec := range recs {
		v := new(T)
		if err := Decode(rec, v); err != nil {
			return nil, fmt.Errorf("record %v: %w", rec["id"], err)
		}
		out = append(out, v)
	}
	return out, nil
}
