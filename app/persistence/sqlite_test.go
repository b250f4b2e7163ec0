package persistence

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bsmind/dpc/app/service/request"
)

func TestNewStore(t *testing.T) {
	t.Run("successful creation", func(t *testing.T) {
		store, err := NewStore(filepath.Join(t.TempDir(), "test.db"))
		require.NoError(t, err)
		assert.NotNil(t, store)

		for _, table := range []string{"runs", "metrics", "batches"} {
			var count int
			err = store.db.Get(&count, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table)
			require.NoError(t, err)
			assert.Equal(t, 1, count, table)
		}
		require.NoError(t, store.Close())
	})

	t.Run("invalid path", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		store, err := NewStore(filepath.Join(file, "test.db"))
		assert.Error(t, err)
		assert.Nil(t, store)
	})

	t.Run("missing directory", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), ".dpc", "history.db")
		store, err := NewStore(dbPath)
		require.NoError(t, err)
		defer store.Close()
		assert.FileExists(t, dbPath)
		runs, err := store.Recent(context.Background(), 10)
		require.NoError(t, err)
		assert.Empty(t, runs)
	})

	t.Run("reopen keeps data", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "test.db")
		store, err := NewStore(dbPath)
		require.NoError(t, err)
		store.OnJobStart(request.OnJobStart{JobID: "j1", ScanID: "100", StartTime: time.Now()})
		require.NoError(t, store.Close())

		store, err = NewStore(dbPath)
		require.NoError(t, err)
		defer store.Close()
		runs, err := store.Recent(context.Background(), 10)
		require.NoError(t, err)
		assert.Len(t, runs, 1)
	})
}

func TestStore_RunLifecycle(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	started := time.Now().Add(-time.Minute)
	store.OnJobStart(request.OnJobStart{JobID: "j1", ScanID: "100", BatchID: "b1", WorkDir: "/data",
		Iterations: 50, StartTime: started})

	run, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "running", run.State)
	assert.Equal(t, "b1", run.BatchID)
	assert.Equal(t, 50, run.Iterations)
	assert.True(t, run.FinishedAt.IsZero())
	assert.WithinDuration(t, started, run.StartedAt, time.Millisecond)

	for it := 1; it <= 3; it++ {
		store.OnJobProgress(request.OnJobProgress{JobID: "j1", ScanID: "100", Iteration: it, Metric: 1 / float64(it)})
	}
	store.OnJobProgress(request.OnJobProgress{JobID: "j1", ScanID: "100", Iteration: 3, Metric: 0.25})

	metrics, err := store.Metrics(ctx, "j1")
	require.NoError(t, err)
	require.Len(t, metrics, 3)
	assert.Equal(t, 1, metrics[0].Iteration)
	assert.InDelta(t, 1.0, metrics[0].Value, 1e-12)
	assert.InDelta(t, 0.25, metrics[2].Value, 1e-12, "replaced")

	finished := time.Now()
	store.OnJobComplete(request.OnJobComplete{JobID: "j1", ScanID: "100", State: "failed", EndTime: finished,
		ExitCode: 2, Iteration: 3, Err: errors.New("exit status 2")})

	run, err = store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "failed", run.State)
	assert.Equal(t, 2, run.ExitCode)
	assert.Equal(t, 3, run.LastIteration)
	assert.Equal(t, "exit status 2", run.Error)
	assert.WithinDuration(t, finished, run.FinishedAt, time.Millisecond)

	_, err = store.Get(ctx, "j2")
	assert.ErrorIs(t, err, ErrNotFound)
	store.OnJobComplete(request.OnJobComplete{JobID: "j2", State: "finished", EndTime: finished})
	_, err = store.Get(ctx, "j2")
	assert.ErrorIs(t, err, ErrNotFound, "completion without start is not recorded")
}

func TestStore_Recent(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer store.Close()

	now := time.Now()
	for i, id := range []string{"j1", "j2", "j3", "j4"} {
		store.OnJobStart(request.OnJobStart{JobID: id, ScanID: "10" + id[1:], StartTime: now.Add(time.Duration(i) * time.Second)})
	}

	runs, err := store.Recent(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "j4", runs[0].ID)
	assert.Equal(t, "j3", runs[1].ID)
	assert.Equal(t, "j2", runs[2].ID)
	assert.Equal(t, "104", runs[0].ScanID)

	runs, err = store.Recent(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestStore_Batches(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer store.Close()

	now := time.Now()
	store.OnBatchComplete(request.OnBatchComplete{BatchID: "b1", State: "complete", Processed: 3,
		Failed: []string{"101", "102"}, StartTime: now.Add(-time.Hour), EndTime: now.Add(-time.Minute)})
	store.OnBatchComplete(request.OnBatchComplete{BatchID: "b2", State: "aborted", Processed: 1,
		StartTime: now, EndTime: now.Add(time.Second)})

	batches, err := store.Batches(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, "b2", batches[0].ID)
	assert.Nil(t, batches[0].Failed)
	assert.Equal(t, "complete", batches[1].State)
	assert.Equal(t, []string{"101", "102"}, batches[1].Failed)
	assert.Equal(t, 3, batches[1].Processed)
}

func TestStore_ClosedDatabase(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// handlers log and carry on
	store.OnJobStart(request.OnJobStart{JobID: "j1", ScanID: "100", StartTime: time.Now()})
	store.OnJobComplete(request.OnJobComplete{JobID: "j1", State: "finished"})

	_, err = store.Recent(context.Background(), 10)
	assert.Error(t, err)
}
