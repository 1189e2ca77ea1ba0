package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/specialistvlad/seqflow/internal/catalog"
	"github.com/specialistvlad/seqflow/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestListRecords_Paginates(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/nmdcschema/data_object_set", r.URL.Path)
		assert.JSONEq(t, `{"data_object_type":{"$in":["Read1"]}}`, r.URL.Query().Get("filter"))
		assert.Equal(t, "2", r.URL.Query().Get("max_page_size"))
		if r.URL.Query().Get("page_token") == "" {
			writeJSON(t, w, http.StatusOK, bson.M{
				"resources":       []bson.M{{"id": "do-1"}, {"id": "do-2"}},
				"next_page_token": "p2",
			})
			return
		}
		assert.Equal(t, "p2", r.URL.Query().Get("page_token"))
		writeJSON(t, w, http.StatusOK, bson.M{"resources": []bson.M{{"id": "do-3"}}})
	}))
	defer srv.Close()

	c := New(context.Background(), Config{BaseURL: srv.URL, PageSize: 2})
	recs, err := c.ListRecords(context.Background(), catalog.CollectionDataObjects,
		bson.M{"data_object_type": bson.M{"$in": []string{"Read1"}}})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "do-3", recs[2]["id"])
	assert.EqualValues(t, 2, calls.Load())
}

func TestRunAggregation_FollowsCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/queries:run", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if _, ok := body["getMore"]; ok {
			writeJSON(t, w, http.StatusOK, bson.M{"cursor": bson.M{"id": "0", "batch": []bson.M{{"id": "dg-2"}}}})
			return
		}
		assert.Equal(t, "manifest_set", body["aggregate"])
		writeJSON(t, w, http.StatusOK, bson.M{"cursor": bson.M{"id": "c1", "batch": []bson.M{{"id": "dg-1"}}}})
	}))
	defer srv.Close()

	c := New(context.Background(), Config{BaseURL: srv.URL})
	docs, err := c.RunAggregation(context.Background(), catalog.Pipeline{
		Collection: catalog.CollectionManifests,
		Stages:     []bson.M{{"$match": bson.M{"id": "m"}}},
	})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "dg-2", docs[1]["id"])
}

func TestMint_BindsScope(t *testing.T) {
	var bound atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/pids/mint":
			writeJSON(t, w, http.StatusOK, []string{"nmdc:dobj-11-abc"})
		case "/pids/bind":
			bound.Store(true)
			writeJSON(t, w, http.StatusOK, bson.M{})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(context.Background(), Config{BaseURL: srv.URL})
	id, err := c.Mint(context.Background(), "nmdc:DataObject", "dg-1")
	require.NoError(t, err)
	assert.Equal(t, "nmdc:dobj-11-abc", id)
	assert.True(t, bound.Load())
}

func TestClaimJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/jobs/job-1:claim":
			writeJSON(t, w, http.StatusOK, bson.M{"id": "op-1", "done": false})
		case "/jobs/job-2:claim":
			writeJSON(t, w, http.StatusConflict, bson.M{"detail": "already claimed"})
		default:
			writeJSON(t, w, http.StatusInternalServerError, bson.M{"detail": "boom"})
		}
	}))
	defer srv.Close()
	c := New(context.Background(), Config{BaseURL: srv.URL})

	op, err := c.ClaimJob(context.Background(), "job-1", "site")
	require.NoError(t, err)
	assert.Equal(t, "op-1", op.ID)

	_, err = c.ClaimJob(context.Background(), "job-2", "site")
	require.ErrorIs(t, err, catalog.ErrAlreadyClaimed)

	_, err = c.ClaimJob(context.Background(), "job-3", "site")
	var ioErr *errs.CatalogIOError
	require.ErrorAs(t, err, &ioErr)
	assert.Contains(t, ioErr.Error(), "status 500")
}

func TestClientCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token" {
			writeJSON(t, w, http.StatusOK, bson.M{"access_token": "tok", "token_type": "bearer", "expires_in": 3600})
			return
		}
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		writeJSON(t, w, http.StatusOK, bson.M{"resources": []bson.M{}})
	}))
	defer srv.Close()

	c := New(context.Background(), Config{BaseURL: srv.URL, ClientID: "id", ClientSecret: "secret"})
	jobs, err := c.ListJobs(context.Background(), bson.M{"claims": bson.M{"$size": 0}})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}
