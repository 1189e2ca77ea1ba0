package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/specialistvlad/seqflow/internal/ctxlog"
	"github.com/specialistvlad/seqflow/internal/errs"
	"github.com/specialistvlad/seqflow/internal/retry"
)

// Cromwell runs jobs on a Cromwell server. The configured URL is the
// workflows endpoint, e.g. http://host/api/workflows/v1.
type Cromwell struct {
	http   *resty.Client
	base   string
	submit retry.Policy
	query  retry.Policy
}

var _ Runner = (*Cromwell)(nil)

func NewCromwell(cfg Config) *Cromwell {
	submit, query := policies(cfg)
	return &Cromwell{http: newHTTP(cfg), base: strings.TrimRight(cfg.URL, "/"), submit: submit, query: query}
}

func (c *Cromwell) Backend() string { return BackendCromwell }

func (c *Cromwell) Resubmittable(status string) bool {
	return resubmittable(status, noSubmitStates)
}

type cromwellSubmitResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Submit posts the workflow source, dependency bundle, inputs and labels
// as one multipart request.
func (c *Cromwell) Submit(ctx context.Context, sub *Submission) (string, error) {
	inputs, err := json.Marshal(sub.Inputs)
	if err != nil {
		return "", fmt.Errorf("encode inputs: %w", err)
	}
	labels, err := json.Marshal(sub.Labels)
	if err != nil {
		return "", fmt.Errorf("encode labels: %w", err)
	}

	var out cromwellSubmitResponse
	err = retry.Do(ctx, c.submit, func() error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetMultipartFields(
				&resty.MultipartField{Param: "workflowSource", FileName: sub.WDLName, ContentType: "application/octet-stream", Reader: bytes.NewReader(sub.WDL)},
				&resty.MultipartField{Param: "workflowDependencies", FileName: BundleFile, ContentType: "application/zip", Reader: bytes.NewReader(sub.Bundle)},
				&resty.MultipartField{Param: "workflowInputs", FileName: "inputs.json", ContentType: "application/json", Reader: bytes.NewReader(inputs)},
				&resty.MultipartField{Param: "labels", FileName: "labels.json", ContentType: "application/json", Reader: bytes.NewReader(labels)},
			).
			ForceContentType("application/json").
			SetResult(&out).
			Post(c.base)
		return httpError(resp, err)
	})
	if err != nil {
		return "", &errs.BackendSubmissionError{Backend: BackendCromwell, Op: "submit", Err: err}
	}
	if out.ID == "" {
		return "", &errs.BackendSubmissionError{Backend: BackendCromwell, Op: "submit", Err: fmt.Errorf("response without workflow id")}
	}
	ctxlog.FromContext(ctx).Info("Submitted job to Cromwell.", "cromwell_id", out.ID, "status", out.Status)
	return out.ID, nil
}

// Status reports StatusUnknown for an id Cromwell does not know yet, since
// registration can lag submission.
func (c *Cromwell) Status(ctx context.Context, id string) (string, error) {
	if id == "" {
		return StatusUnknown, nil
	}
	var out struct {
		Status string `json:"status"`
	}
	status := StatusUnknown
	err := retry.Do(ctx, c.query, func() error {
		resp, err := c.http.R().SetContext(ctx).ForceContentType("application/json").SetResult(&out).Get("/" + url.PathEscape(id) + "/status")
		if err == nil && resp.StatusCode() == http.StatusNotFound {
			status = StatusUnknown
			return nil
		}
		if err := httpError(resp, err); err != nil {
			return err
		}
		if out.Status != "" {
			status = out.Status
		}
		return nil
	})
	if err != nil {
		return "", &errs.BackendSubmissionError{Backend: BackendCromwell, Op: "status", Err: err}
	}
	return status, nil
}

// Metadata reads the workflow metadata document.
func (c *Cromwell) Metadata(ctx context.Context, id string) (*Metadata, error) {
	var raw map[string]any
	err := retry.Do(ctx, c.query, func() error {
		resp, err := c.http.R().SetContext(ctx).ForceContentType("application/json").SetResult(&raw).Get("/" + url.PathEscape(id) + "/metadata")
		return httpError(resp, err)
	})
	if err != nil {
		return nil, &errs.BackendSubmissionError{Backend: BackendCromwell, Op: "metadata", Err: err}
	}

	md := &Metadata{
		ID:      stringField(raw, "id"),
		Status:  stringField(raw, "status"),
		Start:   stringField(raw, "start"),
		End:     stringField(raw, "end"),
		Outputs: map[string]string{},
		Raw:     raw,
	}
	if md.ID == "" {
		md.ID = id
	}
	if outputs, ok := raw["outputs"].(map[string]any); ok {
		for k, v := range outputs {
			if s, ok := v.(string); ok {
				md.Outputs[k] = s
			}
		}
	}
	return md, nil
}

func stringField(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}
