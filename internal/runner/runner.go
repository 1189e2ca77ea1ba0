// Package runner submits workflow jobs to an execution backend and reads
// back their status and metadata. Two backends exist: Cromwell, which is
// polled by workflow id, and JAWS, which validates and then submits by tag
// and site.
package runner

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/specialistvlad/seqflow/internal/errs"
	"github.com/specialistvlad/seqflow/internal/retry"
)

// Backend names.
const (
	BackendCromwell = "cromwell"
	BackendJaws     = "jaws"
)

// StatusUnknown is reported when the backend does not know the job yet.
const StatusUnknown = "Unknown"

// noSubmitStates are statuses in which a job is active or finished and must
// not be submitted again unless forced.
var noSubmitStates = []string{"submitted", "running", "succeeded", "aborting", "on hold"}

// Runner is an execution backend.
type Runner interface {
	// Backend returns the backend name.
	Backend() string
	// Submit sends a job and returns the backend id.
	Submit(ctx context.Context, sub *Submission) (string, error)
	// Status returns the backend status string for id.
	Status(ctx context.Context, id string) (string, error)
	// Metadata returns what the backend knows about id, outputs included
	// once available.
	Metadata(ctx context.Context, id string) (*Metadata, error)
	// Resubmittable reports whether a job last seen in status may be
	// submitted without force.
	Resubmittable(status string) bool
}

// Submission is everything a backend needs to run one job.
type Submission struct {
	WDLName string
	WDL     []byte
	Bundle  []byte
	Inputs  map[string]any
	Labels  map[string]string
	// Tag identifies the job on backends that support it.
	Tag string
}

// Metadata is the backend's view of a job.
type Metadata struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
	Start  string `json:"start,omitempty"`
	End    string `json:"end,omitempty"`
	// Outputs maps "<prefix>.<output>" keys to file paths.
	Outputs map[string]string `json:"outputs,omitempty"`
	Raw     map[string]any    `json:"raw,omitempty"`
}

// Config selects and configures a backend.
type Config struct {
	Backend string
	URL     string
	// Token authenticates JAWS requests.
	Token   string
	Site    string
	Timeout time.Duration
	// SubmitPolicy and QueryPolicy default to retry.Submit and retry.Query.
	SubmitPolicy *retry.Policy
	QueryPolicy  *retry.Policy
}

// New builds the configured backend.
func New(cfg Config) (Runner, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", BackendCromwell:
		return NewCromwell(cfg), nil
	case BackendJaws:
		return NewJaws(cfg), nil
	default:
		return nil, &errs.ConfigError{Msg: fmt.Sprintf("unknown runner backend %q", cfg.Backend)}
	}
}

func newHTTP(cfg Config) *resty.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return resty.New().
		SetBaseURL(strings.TrimRight(cfg.URL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
}

func policies(cfg Config) (submit, query retry.Policy) {
	submit, query = retry.Submit, retry.Query
	if cfg.SubmitPolicy != nil {
		submit = *cfg.SubmitPolicy
	}
	if cfg.QueryPolicy != nil {
		query = *cfg.QueryPolicy
	}
	return submit, query
}

func resubmittable(status string, states []string) bool {
	if status == "" {
		return true
	}
	return !slices.Contains(states, strings.ToLower(status))
}

// httpError turns a non-2xx response into an error. 4xx responses other
// than 429 are not retried.
func httpError(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if resp.IsSuccess() {
		return nil
	}
	e := fmt.Errorf("%s %s: %s: %s", resp.Request.Method, resp.Request.URL, resp.Status(), strings.TrimSpace(resp.String()))
	if code := resp.StatusCode(); code >= 400 && code < 500 && code != 429 {
		return retry.Permanent(e)
	}
	return e
}
