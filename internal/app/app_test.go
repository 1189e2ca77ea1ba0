package app

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/specialistvlad/seqflow/internal/catalog"
	"github.com/specialistvlad/seqflow/internal/config"
	"github.com/specialistvlad/seqflow/internal/lock"
	"github.com/specialistvlad/seqflow/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupAppTest builds a started App over an in-memory catalog.
func setupAppTest(t *testing.T, seed *testutil.Seeder, mutate func(*config.Config), opts ...Option) (*App, *testutil.SafeBuffer) {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Log.Level = "debug"
	cfg.Catalog.Backend = config.CatalogMemory
	cfg.Workflows.Path = testutil.WriteFiles(t, map[string]string{"workflows.hcl": testutil.CatalogHCL})
	cfg.State.Path = filepath.Join(t.TempDir(), "state.json")
	if mutate != nil {
		mutate(cfg)
	}

	logs := &testutil.SafeBuffer{}
	a := NewApp(logs, cfg, append([]Option{WithCatalog(seed.Store)}, opts...)...)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		assert.NoError(t, a.Close())
		if os.Getenv("SEQFLOW_TEST_LOGS") == "true" {
			t.Logf("--- Full Log Output for %s ---\n%s", t.Name(), logs.String())
		}
	})
	return a, logs
}

func TestApp_CycleDryRunThenPersist(t *testing.T) {
	seed := testutil.NewSeeder()
	seed.RawInput("dg-1")
	a, logs := setupAppTest(t, seed, nil)
	ctx := context.Background()

	reqs, err := a.Cycle(ctx, CycleOptions{DryRun: true})
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Zero(t, seed.Store.Count(catalog.CollectionJobs), "dry run creates no jobs")
	assert.Contains(t, logs.String(), "Would create job.")

	reqs, err = a.Cycle(ctx, CycleOptions{})
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, 1, seed.Store.Count(catalog.CollectionJobs))

	reqs, err = a.Cycle(ctx, CycleOptions{})
	require.NoError(t, err)
	assert.Empty(t, reqs, "unchanged data yields no new jobs")
}

func TestApp_CycleLists(t *testing.T) {
	tests := []struct {
		name  string
		allow string
		skip  string
		want  []string
	}{
		{name: "no lists", want: []string{"dg-1", "dg-2"}},
		{name: "allow list", allow: "# only one\ndg-2\n", want: []string{"dg-2"}},
		{name: "skip list", skip: "dg-1\n\n", want: []string{"dg-2"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			seed := testutil.NewSeeder()
			seed.RawInput("dg-1")
			seed.RawInput("dg-2")
			a, _ := setupAppTest(t, seed, nil)

			dir := t.TempDir()
			var opts CycleOptions
			if tc.allow != "" {
				opts.AllowList = filepath.Join(dir, "allow.txt")
				require.NoError(t, os.WriteFile(opts.AllowList, []byte(tc.allow), 0o644))
			}
			if tc.skip != "" {
				opts.SkipList = filepath.Join(dir, "skip.txt")
				require.NoError(t, os.WriteFile(opts.SkipList, []byte(tc.skip), 0o644))
			}
			opts.DryRun = true

			reqs, err := a.Cycle(context.Background(), opts)
			require.NoError(t, err)
			var triggers []string
			for _, r := range reqs {
				triggers = append(triggers, r.Job.Config.TriggerActivity)
			}
			assert.ElementsMatch(t, tc.want, triggers)
		})
	}
}

func TestApp_CycleMissingListFile(t *testing.T) {
	a, _ := setupAppTest(t, testutil.NewSeeder(), nil)
	_, err := a.Cycle(context.Background(), CycleOptions{AllowList: filepath.Join(t.TempDir(), "nope.txt")})
	require.Error(t, err)
}

func TestApp_CycleLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	seed := testutil.NewSeeder()
	seed.RawInput("dg-1")
	a, _ := setupAppTest(t, seed, func(c *config.Config) { c.Scheduler.Lock = true }, WithRedis(client))
	ctx := context.Background()

	unlock, err := lock.NewRedis(client, lock.DefaultName, time.Minute).Lock(ctx)
	require.NoError(t, err)
	_, err = a.Cycle(ctx, CycleOptions{DryRun: true})
	require.Error(t, err, "a held lock blocks the cycle")

	unlock()
	reqs, err := a.Cycle(ctx, CycleOptions{DryRun: true})
	require.NoError(t, err)
	assert.Len(t, reqs, 1)
}

func TestApp_Routes(t *testing.T) {
	a, _ := setupAppTest(t, testutil.NewSeeder(), nil)
	_, err := a.Cycle(context.Background(), CycleOptions{})
	require.NoError(t, err)

	tests := []struct {
		path string
		want string
	}{
		{path: "/health", want: "OK"},
		{path: "/metrics", want: "seqflow_scheduler_cycle_duration_seconds_count 1"},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			a.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Contains(t, rec.Body.String(), tc.want)
		})
	}
}

func TestApp_Watcher(t *testing.T) {
	tests := []struct {
		name    string
		runner  string
		wantErr bool
	}{
		{name: "cromwell", runner: "cromwell"},
		{name: "jaws", runner: "jaws"},
		{name: "unknown", runner: "slurm", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a, _ := setupAppTest(t, testutil.NewSeeder(), func(c *config.Config) {
				c.Watcher.Runner = tc.runner
				c.Site.ID = "test-site"
			})
			w, err := a.Watcher()
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NoError(t, w.Restore(context.Background()))
			assert.Zero(t, w.InFlight())
		})
	}
}

func TestApp_StartFailsOnBadCatalog(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Catalog.Backend = config.CatalogMemory
	cfg.Workflows.Path = filepath.Join(t.TempDir(), "missing")

	a := NewApp(&bytes.Buffer{}, cfg)
	require.Error(t, a.Start(context.Background()))
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		level, format string
		debugShown    bool
		want          string
	}{
		{level: "debug", format: "json", debugShown: true, want: `"msg":"hello"`},
		{level: "info", format: "text", want: "msg=hello"},
		{level: "bogus", format: "text", want: "msg=hello"},
	}
	for _, tc := range tests {
		t.Run(tc.level+"/"+tc.format, func(t *testing.T) {
			var buf bytes.Buffer
			logger := newLogger(tc.level, tc.format, &buf)
			logger.Debug("debug line")
			logger.Info("hello")
			assert.Contains(t, buf.String(), tc.want)
			assert.Equal(t, tc.debugShown, bytes.Contains(buf.Bytes(), []byte("debug line")))
		})
	}
}
