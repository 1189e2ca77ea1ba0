package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"

	"github.com/go-resty/resty/v2"
	"github.com/specialistvlad/seqflow/internal/ctxlog"
	"github.com/specialistvlad/seqflow/internal/errs"
	"github.com/specialistvlad/seqflow/internal/retry"
)

// DefaultJawsSite is the compute site jobs go to when none is configured.
const DefaultJawsSite = "nmdc"

const jawsDone = "done"

// jawsNoSubmitStates extends noSubmitStates with the JAWS run lifecycle.
var jawsNoSubmitStates = append([]string{
	"created", "upload queued", "uploading", "upload failed", "upload inactive",
	"upload complete", "ready", "submitted", "submission failed", "queued",
	"running", "succeeded", "complete", "finished", "cancelling", "cancelled",
	"download queued", "downloading", "download failed", "download inactive",
	"download complete", "download skipped", "done",
}, noSubmitStates...)

// Jaws runs jobs through the JAWS service.
type Jaws struct {
	http   *resty.Client
	site   string
	submit retry.Policy
	query  retry.Policy
}

var _ Runner = (*Jaws)(nil)

func NewJaws(cfg Config) *Jaws {
	submit, query := policies(cfg)
	site := cfg.Site
	if site == "" {
		site = DefaultJawsSite
	}
	h := newHTTP(cfg)
	if cfg.Token != "" {
		h.SetAuthToken(cfg.Token)
	}
	return &Jaws{http: h, site: site, submit: submit, query: query}
}

func (j *Jaws) Backend() string { return BackendJaws }

func (j *Jaws) Resubmittable(status string) bool {
	return resubmittable(status, jawsNoSubmitStates)
}

// jawsRun is the run document returned by the status endpoint.
type jawsRun struct {
	ID        any     `json:"id"`
	Status    string  `json:"status"`
	Result    *string `json:"result"`
	OutputDir string  `json:"output_dir"`
	Submitted string  `json:"submitted"`
	Updated   string  `json:"updated"`
}

// Submit validates the workflow and inputs, then submits the run tagged
// with sub.Tag to the configured site.
func (j *Jaws) Submit(ctx context.Context, sub *Submission) (string, error) {
	logger := ctxlog.FromContext(ctx)
	inputs, err := json.Marshal(sub.Inputs)
	if err != nil {
		return "", fmt.Errorf("encode inputs: %w", err)
	}

	var runID string
	err = retry.Do(ctx, j.submit, func() error {
		var validation struct {
			Result string `json:"result"`
		}
		resp, err := j.http.R().
			SetContext(ctx).
			SetMultipartFields(
				&resty.MultipartField{Param: "wdl_file", FileName: sub.WDLName, ContentType: "application/octet-stream", Reader: bytes.NewReader(sub.WDL)},
				&resty.MultipartField{Param: "inputs", FileName: "inputs.json", ContentType: "application/json", Reader: bytes.NewReader(inputs)},
			).
			ForceContentType("application/json").
			SetResult(&validation).
			Post("/validate")
		if err := httpError(resp, err); err != nil {
			return err
		}
		if validation.Result != "succeeded" {
			return fmt.Errorf("validation failed: %s", resp.String())
		}
		logger.Debug("JAWS validation succeeded.", "tag", sub.Tag)

		var out struct {
			RunID any `json:"run_id"`
		}
		resp, err = j.http.R().
			SetContext(ctx).
			SetMultipartFields(
				&resty.MultipartField{Param: "wdl_file", FileName: sub.WDLName, ContentType: "application/octet-stream", Reader: bytes.NewReader(sub.WDL)},
				&resty.MultipartField{Param: "sub", FileName: BundleFile, ContentType: "application/zip", Reader: bytes.NewReader(sub.Bundle)},
				&resty.MultipartField{Param: "inputs", FileName: "inputs.json", ContentType: "application/json", Reader: bytes.NewReader(inputs)},
			).
			SetMultipartFormData(map[string]string{"tag": sub.Tag, "site": j.site}).
			ForceContentType("application/json").
			SetResult(&out).
			Post("/run")
		if err := httpError(resp, err); err != nil {
			return err
		}
		runID = idString(out.RunID)
		if runID == "" {
			return retry.Permanent(fmt.Errorf("response without run id: %s", resp.String()))
		}
		return nil
	})
	if err != nil {
		return "", &errs.BackendSubmissionError{Backend: BackendJaws, Op: "submit", Err: err}
	}
	logger.Info("Submitted job to JAWS.", "jaws_id", runID, "tag", sub.Tag, "site", j.site)
	return runID, nil
}

func (j *Jaws) run(ctx context.Context, id string) (*jawsRun, map[string]any, error) {
	var raw map[string]any
	err := retry.Do(ctx, j.query, func() error {
		resp, err := j.http.R().SetContext(ctx).ForceContentType("application/json").SetResult(&raw).Get("/run/" + url.PathEscape(id))
		return httpError(resp, err)
	})
	if err != nil {
		return nil, nil, err
	}
	// Re-decode the generic document into the typed view.
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, nil, err
	}
	var run jawsRun
	if err := json.Unmarshal(b, &run); err != nil {
		return nil, nil, err
	}
	return &run, raw, nil
}

// Status maps the run's status and result into one string: "running" until
// the run is done, then the result. A done run without a result returns
// errs.NullResultError.
func (j *Jaws) Status(ctx context.Context, id string) (string, error) {
	run, _, err := j.run(ctx, id)
	if err != nil {
		return "", &errs.BackendSubmissionError{Backend: BackendJaws, Op: "status", Err: err}
	}
	if run.Status != jawsDone {
		return "running", nil
	}
	if run.Result == nil || *run.Result == "" {
		return "", &errs.NullResultError{JobID: id}
	}
	return *run.Result, nil
}

// Metadata returns the run document. Once the run is done, outputs are read
// from outputs.json in the run's output directory; relative paths are
// resolved against that directory and null outputs are dropped.
func (j *Jaws) Metadata(ctx context.Context, id string) (*Metadata, error) {
	run, raw, err := j.run(ctx, id)
	if err != nil {
		return nil, &errs.BackendSubmissionError{Backend: BackendJaws, Op: "metadata", Err: err}
	}
	md := &Metadata{
		ID:      id,
		Status:  run.Status,
		Start:   run.Submitted,
		End:     run.Updated,
		Outputs: map[string]string{},
		Raw:     raw,
	}
	if run.Status != jawsDone || run.OutputDir == "" {
		return md, nil
	}

	b, err := os.ReadFile(filepath.Join(run.OutputDir, "outputs.json"))
	if err != nil {
		return nil, fmt.Errorf("read outputs of run %s: %w", id, err)
	}
	var outputs map[string]any
	if err := json.Unmarshal(b, &outputs); err != nil {
		return nil, fmt.Errorf("decode outputs of run %s: %w", id, err)
	}
	for k, v := range outputs {
		s, ok := v.(string)
		if !ok || s == "" {
			continue
		}
		if !filepath.IsAbs(s) {
			s = filepath.Join(run.OutputDir, s)
		}
		md.Outputs[k] = s
	}
	return md, nil
}

func idString(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case float64:
		return fmt.Sprintf("%.0f", id)
	default:
		return fmt.Sprint(id)
	}
}

// NoSubmitStates lists the statuses that block resubmission on backend.
func NoSubmitStates(backend string) []string {
	if backend == BackendJaws {
		return slices.Clone(jawsNoSubmitStates)
	}
	return slices.Clone(noSubmitStates)
}
