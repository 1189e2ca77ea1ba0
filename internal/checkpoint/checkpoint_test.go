package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/go-cmp/cmp"
	"github.com/specialistvlad/seqflow/internal/catalog"
	"github.com/specialistvlad/seqflow/internal/job"
	"github.com/specialistvlad/seqflow/internal/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func state(opID string) *job.State {
	s := job.NewState(opID, &catalog.Job{
		ID: "nmdc:job-" + opID,
		Config: catalog.JobConfig{
			ActivityID:    "nmdc:wfrqc-1.1",
			WasInformedBy: []string{"dg-1"},
			Inputs:        map[string]any{"proj": "nmdc:wfrqc-1.1"},
		},
	})
	s.CromwellJobID = "cw-" + opID
	s.Metadata = &runner.Metadata{ID: "cw-" + opID, Outputs: map[string]string{"a.b": "/x"}}
	return s
}

func stores(t *testing.T) map[string]func() Store {
	mr := miniredis.RunT(t)
	return map[string]func() Store{
		"file": func() Store {
			return NewFileStore(filepath.Join(t.TempDir(), "state", "jobs.json"))
		},
		"redis": func() Store {
			mr.FlushAll()
			return NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
		},
	}
}

func TestStore_RoundTrip(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()

			loaded, err := s.Load(ctx)
			require.NoError(t, err)
			assert.Empty(t, loaded)

			a, b := state("op-a"), state("op-b")
			require.NoError(t, s.Save(ctx, b, a))

			a.LastStatus = job.StatusSucceeded
			a.Done = true
			require.NoError(t, s.Save(ctx, a))

			loaded, err = s.Load(ctx)
			require.NoError(t, err)
			require.Len(t, loaded, 2)
			if diff := cmp.Diff([]*job.State{a, b}, loaded); diff != "" {
				t.Errorf("loaded states mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStore_RejectsMissingOpID(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.Error(t, newStore().Save(context.Background(), &job.State{}))
		})
	}
}

func TestFileStore_ConcurrentSaves(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	s := NewFileStore(path)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.Save(ctx, state(fmt.Sprintf("op-%02d", i))))
		}(i)
	}
	wg.Wait()

	loaded, err := NewFileStore(path).Load(ctx)
	require.NoError(t, err)
	assert.Len(t, loaded, 20)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files are cleaned up")
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := NewFileStore(path).Load(context.Background())
	require.Error(t, err)
}
