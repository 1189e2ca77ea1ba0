// Package rest implements catalog.Runtime against the metadata service HTTP
// API.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/specialistvlad/seqflow/internal/catalog"
	"github.com/specialistvlad/seqflow/internal/ctxlog"
	"github.com/specialistvlad/seqflow/internal/errs"
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	defaultPageSize = 1000
	defaultTimeout  = 60 * time.Second
)

// Config configures a Client.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	PageSize     int
	Timeout      time.Duration
}

// Client talks to the metadata service. It is safe for concurrent use.
type Client struct {
	http     *resty.Client
	pageSize int
}

var _ catalog.Runtime = (*Client)(nil)

// New builds a client. When credentials are configured, requests carry a
// client-credentials bearer token that is refreshed automatically.
func New(ctx context.Context, cfg Config) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	var rc *resty.Client
	if cfg.ClientID != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     base + "/token",
		}
		rc = resty.NewWithClient(cc.Client(ctx))
	} else {
		rc = resty.New()
	}
	rc.SetBaseURL(base).SetTimeout(timeout).SetHeader("Accept", "application/json")

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Client{http: rc, pageSize: pageSize}
}

type listPage struct {
	Resources     []bson.M `json:"resources"`
	NextPageToken string   `json:"next_page_token"`
}

// ListRecords implements catalog.Client.
func (c *Client) ListRecords(ctx context.Context, collection string, filter bson.M, projection ...string) ([]bson.M, error) {
	params := map[string]string{}
	if len(filter) > 0 {
		raw, err := json.Marshal(filter)
		if err != nil {
			return nil, fmt.Errorf("encode filter: %w", err)
		}
		params["filter"] = string(raw)
	}
	if len(projection) > 0 {
		params["projection"] = strings.Join(projection, ",")
	}
	return c.listPaged(ctx, "list "+collection, "/nmdcschema/"+url.PathEscape(collection), params)
}

func (c *Client) listPaged(ctx context.Context, op, path string, params map[string]string) ([]bson.M, error) {
	var out []bson.M
	token := ""
	for {
		var page listPage
		req := c.http.R().
			SetContext(ctx).
			SetQueryParams(params).
			SetQueryParam("max_page_size", strconv.Itoa(c.pageSize)).
			ForceContentType("application/json").
			SetResult(&page)
		if token != "" {
			req.SetQueryParam("page_token", token)
		}
		resp, err := req.Get(path)
		if err := check(op, resp, err); err != nil {
			return nil, err
		}
		out = append(out, page.Resources...)
		if page.NextPageToken == "" {
			return out, nil
		}
		token = page.NextPageToken
		ctxlog.FromContext(ctx).Debug("Fetching next page.", "op", op, "records", len(out))
	}
}

type queryResponse struct {
	Cursor struct {
		ID         any      `json:"id"`
		Batch      []bson.M `json:"batch"`
		FirstBatch []bson.M `json:"firstBatch"`
		NextBatch  []bson.M `json:"nextBatch"`
	} `json:"cursor"`
}

func (q *queryResponse) docs() []bson.M {
	switch {
	case q.Cursor.Batch != nil:
		return q.Cursor.Batch
	case q.Cursor.FirstBatch != nil:
		return q.Cursor.FirstBatch
	default:
		return q.Cursor.NextBatch
	}
}

func (q *queryResponse) more() (string, bool) {
	switch id := q.Cursor.ID.(type) {
	case string:
		return id, id != "" && id != "0"
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), id != 0
	}
	return "", false
}

// RunAggregation implements catalog.Client. Results are read through the
// service cursor until it is exhausted.
func (c *Client) RunAggregation(ctx context.Context, p catalog.Pipeline) ([]bson.M, error) {
	op := "aggregate " + p.Collection
	body := bson.M{
		"aggregate": p.Collection,
		"pipeline":  p.Stages,
		"cursor":    bson.M{"batchSize": c.pageSize},
	}
	var out []bson.M
	for {
		var qr queryResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(body).
			ForceContentType("application/json").
			SetResult(&qr).
			Post("/queries:run")
		if err := check(op, resp, err); err != nil {
			return nil, err
		}
		out = append(out, qr.docs()...)
		cursorID, more := qr.more()
		if !more {
			return out, nil
		}
		body = bson.M{"getMore": cursorID}
	}
}

// Mint implements catalog.Client.
func (c *Client) Mint(ctx context.Context, typeTag string, scope ...string) (string, error) {
	var minted []string
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(bson.M{"schema_class": bson.M{"id": typeTag}, "how_many": 1}).
		ForceContentType("application/json").
		SetResult(&minted).
		Post("/pids/mint")
	if err := check("mint "+typeTag, resp, err); err != nil {
		return "", err
	}
	if len(minted) != 1 {
		return "", &errs.CatalogIOError{Op: "mint " + typeTag, Err: fmt.Errorf("expected one id, got %d", len(minted))}
	}
	id := minted[0]

	if len(scope) > 0 {
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(bson.M{"id_name": id, "metadata_record": bson.M{"was_informed_by": scope}}).
			Post("/pids/bind")
		if err := check("bind "+id, resp, err); err != nil {
			return "", err
		}
	}
	return id, nil
}

// ListJobs implements catalog.Client.
func (c *Client) ListJobs(ctx context.Context, filter bson.M) ([]*catalog.Job, error) {
	params := map[string]string{}
	if len(filter) > 0 {
		raw, err := json.Marshal(filter)
		if err != nil {
			return nil, fmt.Errorf("encode filter: %w", err)
		}
		params["filter"] = string(raw)
	}
	recs, err := c.listPaged(ctx, "list jobs", "/jobs", params)
	if err != nil {
		return nil, err
	}
	jobs, err := catalog.DecodeAll[catalog.Job](recs)
	if err != nil {
		return nil, &errs.CatalogIOError{Op: "list jobs", Err: err}
	}
	return jobs, nil
}

// CreateJob implements catalog.Client.
func (c *Client) CreateJob(ctx context.Context, job *catalog.Job) (*catalog.Job, error) {
	var created catalog.Job
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(job).
		ForceContentType("application/json").
		SetResult(&created).
		Post("/jobs")
	if err := check("create job", resp, err); err != nil {
		return nil, err
	}
	return &created, nil
}

// ClaimJob implements catalog.Runtime.
func (c *Client) ClaimJob(ctx context.Context, jobID, siteID string) (*catalog.Operation, error) {
	var op catalog.Operation
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("site_id", siteID).
		ForceContentType("application/json").
		SetResult(&op).
		Post("/jobs/" + url.PathEscape(jobID) + ":claim")
	if err == nil && resp.StatusCode() == http.StatusConflict {
		return nil, fmt.Errorf("job %s: %w", jobID, catalog.ErrAlreadyClaimed)
	}
	if err := check("claim "+jobID, resp, err); err != nil {
		return nil, err
	}
	return &op, nil
}

// UpdateOperation implements catalog.Runtime.
func (c *Client) UpdateOperation(ctx context.Context, opID string, update catalog.OperationUpdate) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(update).
		Patch("/operations/" + url.PathEscape(opID))
	return check("update operation "+opID, resp, err)
}

// PostWorkflowRecords implements catalog.Runtime.
func (c *Client) PostWorkflowRecords(ctx context.Context, records *catalog.WorkflowRecords) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(records).
		Post("/workflows/workflow_executions")
	return check("post workflow records", resp, err)
}

func check(op string, resp *resty.Response, err error) error {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return &errs.CatalogIOError{Op: op, Err: err}
	}
	if resp.IsError() {
		return &errs.CatalogIOError{Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))}
	}
	return nil
}
