package service

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bsmind/dpc/app/batch"
	"github.com/bsmind/dpc/app/job"
	"github.com/bsmind/dpc/app/metadata"
	"github.com/bsmind/dpc/app/notify"
	"github.com/bsmind/dpc/app/param"
	"github.com/bsmind/dpc/app/progress"
	"github.com/bsmind/dpc/app/reclaim"
	"github.com/bsmind/dpc/app/service/mocks"
	"github.com/bsmind/dpc/app/service/request"
)

const progressCmd = `for i in 1 2 3; do echo "[PROGRESS] $i 0.$i"; done`

func TestOrchestrator_SingleJob(t *testing.T) {
	env := newTestEnv(t, progressCmd)
	ctx := env.run(t)

	_, err := env.orch.Start(ctx, "100")
	require.ErrorIs(t, err, job.ErrPrecondition, "metadata not loaded")

	require.NoError(t, env.orch.Load(ctx, "100"))
	p, err := env.orch.CurrentParams(ctx)
	require.NoError(t, err)
	assert.Equal(t, "100", p.ScanNum)
	assert.Equal(t, 128, p.Nx)
	assert.InDelta(t, 12.0, p.XrayEnergyKeV, 1e-9)

	id, err := env.orch.Start(ctx, "")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	res := env.waitJob(t)
	assert.Equal(t, id, res.JobID)
	assert.Equal(t, "100", res.ScanID)
	assert.Equal(t, string(job.StateFinished), res.State)
	assert.Equal(t, 3, res.Iteration)
	assert.Empty(t, res.BatchID)

	starts := env.handler.OnJobStartCalls()
	require.Len(t, starts, 1)
	assert.Equal(t, env.dir, starts[0].Req.WorkDir)
	assert.Equal(t, 5, starts[0].Req.Iterations)

	prog := env.handler.OnJobProgressCalls()
	require.Len(t, prog, 3)
	for i, c := range prog {
		assert.Equal(t, i+1, c.Req.Iteration)
		assert.InDelta(t, float64(i+1)/10, c.Req.Metric, 1e-9)
		assert.Nil(t, c.Req.Snapshot, "no artifacts written")
	}

	st, err := env.orch.Status(ctx)
	require.NoError(t, err)
	assert.Nil(t, st.Job)
	assert.Equal(t, "100", st.LoadedScan)
	assert.Equal(t, batch.StateIdle, st.Batch.State)
	assert.Empty(t, env.notifier.SendCalls(), "no notification for finished job")

	_, err = env.orch.Start(ctx, "100")
	require.NoError(t, err, "can start again after the job is done")
	env.waitJob(t)

	env.stop(t)
	assert.ErrorIs(t, env.orch.Load(context.Background(), "100"), ErrStopped)
}

func TestOrchestrator_Preview(t *testing.T) {
	env := newTestEnv(t, progressCmd)
	env.orch.Params.DisplayInterval = 2
	for _, name := range progress.Artifacts(env.dir) {
		writeArtifact(t, name, [4]int{3, 1, 2, 2})
	}
	ctx := env.run(t)

	require.NoError(t, env.orch.Load(ctx, "100"))
	_, err := env.orch.Start(ctx, "100")
	require.NoError(t, err)
	res := env.waitJob(t)
	assert.Equal(t, string(job.StateFinished), res.State)
	env.stop(t)

	prog := env.handler.OnJobProgressCalls()
	require.Len(t, prog, 3)
	for _, it := range []int{1, 3} {
		snap := prog[it-1].Req.Snapshot
		require.NotNil(t, snap, "iteration %d", it)
		assert.Equal(t, it, snap.Iteration)
		assert.True(t, snap.HasMetric)
		assert.InDelta(t, float64(it)/10, snap.Metric, 1e-9)
		require.Equal(t, 2, snap.ObjectAmplitude.Rows)
		require.Equal(t, 2, snap.ProbeAmplitude.Cols)
		assert.InDelta(t, float64(it), snap.ObjectAmplitude.At(0, 0), 1e-6)
	}
	assert.Nil(t, prog[1].Req.Snapshot, "not a display iteration")
}

func TestOrchestrator_OneJobAtATime(t *testing.T) {
	env := newTestEnv(t, "sleep 10")
	ctx := env.run(t)

	require.NoError(t, env.orch.Load(ctx, "100"))
	id, err := env.orch.Start(ctx, "100")
	require.NoError(t, err)

	_, err = env.orch.Start(ctx, "100")
	require.ErrorIs(t, err, job.ErrPrecondition)
	_, err = env.orch.StartBatch(ctx, "100-101", 1, batch.Seeds{})
	require.ErrorIs(t, err, job.ErrPrecondition)

	st, err := env.orch.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.Job)
	assert.Equal(t, id, st.Job.ID)
	assert.Equal(t, "100", st.Job.ScanID)

	require.NoError(t, env.orch.Stop(ctx))
	res := env.waitJob(t)
	assert.Equal(t, string(job.StateKilled), res.State)
	assert.Empty(t, env.notifier.SendCalls(), "killed job is not a failure")
	env.stop(t)
}

func TestOrchestrator_Failure(t *testing.T) {
	env := newTestEnv(t, `echo "[PROGRESS] 1 0.5"; echo boom >&2; exit 3`)
	ctx := env.run(t)

	require.NoError(t, env.orch.Load(ctx, "100"))
	_, err := env.orch.Start(ctx, "100")
	require.NoError(t, err)

	res := env.waitJob(t)
	assert.Equal(t, string(job.StateFailed), res.State)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Output, "boom")

	env.stop(t)
	require.Len(t, env.notifier.MakeErrorHTMLCalls(), 1)
	info := env.notifier.MakeErrorHTMLCalls()[0].Info
	assert.Equal(t, "100", info.ScanID)
	assert.Equal(t, 1, info.Iteration)
	require.Len(t, env.notifier.SendCalls(), 1)
	assert.Equal(t, "reconstruction of scan 100 failed on test-host", env.notifier.SendCalls()[0].Subj)
}

func TestOrchestrator_LoadRetry(t *testing.T) {
	env := newTestEnv(t, progressCmd)
	env.orch.Repeater = repeater.New(&strategy.Backoff{Repeats: 5, Duration: time.Millisecond, Factor: 1.5})
	attempts := 0
	env.loader.LoadFunc = func(_ context.Context, scanID string) (metadata.Record, error) {
		attempts++
		switch {
		case scanID == "100" && attempts < 3:
			return metadata.Record{}, fmt.Errorf("%w: db is locked", metadata.ErrUnavailable)
		case scanID == "100":
			return testRecord(scanID), nil
		}
		return metadata.Record{}, fmt.Errorf("%w: %s", metadata.ErrNotFound, scanID)
	}
	ctx := env.run(t)

	require.NoError(t, env.orch.Load(ctx, "100"))
	assert.Equal(t, 3, attempts, "unavailable source retried")

	attempts = 10
	err := env.orch.Load(ctx, "200")
	require.ErrorIs(t, err, metadata.ErrNotFound)
	assert.Equal(t, 11, attempts, "not found is not retried")

	_, err = env.orch.Start(ctx, "100")
	require.ErrorIs(t, err, job.ErrPrecondition, "failed load invalidates the loaded scan")
	env.stop(t)
}

func TestOrchestrator_Conditions(t *testing.T) {
	env := newTestEnv(t, progressCmd)
	env.orch.ConditionChecker = &mocks.ConditionCheckerMock{CheckFunc: func(context.Context, string) (bool, string) {
		return false, "cpu usage 95% >= 80%"
	}}
	ctx := env.run(t)

	require.NoError(t, env.orch.Load(ctx, "100"))
	_, err := env.orch.Start(ctx, "100")
	require.ErrorIs(t, err, job.ErrPrecondition)
	assert.Contains(t, err.Error(), "cpu usage 95%")
	assert.Empty(t, env.handler.OnJobStartCalls())

	st, err := env.orch.Status(ctx)
	require.NoError(t, err)
	assert.Nil(t, st.Job)
	env.stop(t)
}

func TestOrchestrator_Import(t *testing.T) {
	env := newTestEnv(t, progressCmd)
	p := param.Default()
	p.ScanNum, p.WorkingDirectory, p.NIterations, p.GPUFlag = "321", env.dir, 4, false
	p.XrayEnergyKeV, p.Nx, p.Ny, p.Nz = 9, 64, 64, 10
	cfg := filepath.Join(t.TempDir(), "scan321.txt")
	require.NoError(t, param.Export(cfg, p))
	ctx := env.run(t)

	require.Error(t, env.orch.Import(ctx, filepath.Join(env.dir, "missing.txt")))
	require.NoError(t, env.orch.Import(ctx, cfg))
	cur, err := env.orch.CurrentParams(ctx)
	require.NoError(t, err)
	assert.Equal(t, "321", cur.ScanNum)
	assert.Equal(t, 4, cur.NIterations)

	_, err = env.orch.Start(ctx, "")
	require.NoError(t, err, "imported parameters count as loaded")
	res := env.waitJob(t)
	assert.Equal(t, "321", res.ScanID)
	assert.Empty(t, env.loader.LoadCalls())
	env.stop(t)
}

func TestOrchestrator_History(t *testing.T) {
	env := newTestEnv(t, progressCmd)
	env.orch.Params.SaveConfigHistory = true
	env.orch.History = &param.History{Path: filepath.Join(t.TempDir(), "history.txt")}
	ctx := env.run(t)

	require.NoError(t, env.orch.Load(ctx, "100"))
	_, err := env.orch.Start(ctx, "100")
	require.NoError(t, err)
	env.waitJob(t)
	env.stop(t)

	p, ok, err := env.orch.History.Retrieve(param.Default())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "100", p.ScanNum)
}

func TestOrchestrator_Reclaim(t *testing.T) {
	env := newTestEnv(t, `touch .mmap_obj.npy .mmap_prb.npy; echo "[PROGRESS] 1"`)
	rc := reclaim.New(filepath.Join(t.TempDir(), "jobs"))
	env.orch.Reclaimer = rc

	// leftover of an interrupted run
	staleDir := t.TempDir()
	for _, f := range progress.Artifacts(staleDir) {
		require.NoError(t, os.WriteFile(f, []byte("x"), 0o600))
	}
	require.NoError(t, rc.Track(reclaim.JobInfo{ID: "stale", ScanID: "1", WorkDir: staleDir, Started: time.Now()}))

	ctx := env.run(t)
	require.NoError(t, env.orch.Load(ctx, "100"))
	_, err := env.orch.Start(ctx, "100")
	require.NoError(t, err)
	res := env.waitJob(t)
	assert.Equal(t, string(job.StateFinished), res.State)
	env.stop(t)

	for _, f := range append(progress.Artifacts(staleDir), progress.Artifacts(env.dir)...) {
		assert.NoFileExists(t, f)
	}
	markers, err := filepath.Glob(filepath.Join(rc.Location, "*"))
	require.NoError(t, err)
	assert.Empty(t, markers)
}

func TestOrchestrator_Batch(t *testing.T) {
	env := newTestEnv(t, `{{if eq .Scan "101"}}exit 2{{else}}`+progressCmd+`{{end}}`)
	ctx := env.run(t)

	_, err := env.orch.StartBatch(ctx, "100-102", 0, batch.Seeds{})
	require.ErrorIs(t, err, batch.ErrInvalidBatchSpec)

	id, err := env.orch.StartBatch(ctx, "100-102", 1, batch.Seeds{Probe: "S*_t1_probe.npy"})
	require.NoError(t, err)

	res := env.waitBatch(t)
	assert.Equal(t, id, res.BatchID)
	assert.Equal(t, string(batch.StateComplete), res.State)
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, []string{"101"}, res.Failed)

	completed := env.handler.OnJobCompleteCalls()
	require.Len(t, completed, 3)
	for i, scan := range []string{"100", "101", "102"} {
		assert.Equal(t, scan, completed[i].Req.ScanID)
		assert.Equal(t, id, completed[i].Req.BatchID)
	}
	assert.Equal(t, string(job.StateFailed), completed[1].Req.State)
	assert.Len(t, env.loader.LoadCalls(), 3, "metadata loaded for each scan")

	snapshot, err := os.ReadFile(filepath.Join(env.dir, "snapshot.cfg"))
	require.NoError(t, err)
	assert.Contains(t, string(snapshot), "prb_filename = S102_t1_probe.npy")
	assert.Contains(t, string(snapshot), "init_prb_flag = False")

	st, err := env.orch.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, batch.StateIdle, st.Batch.State, "reset after completion")
	env.stop(t)

	require.Len(t, env.notifier.MakeCompletionHTMLCalls(), 1)
	assert.Equal(t, []string{"101"}, env.notifier.MakeCompletionHTMLCalls()[0].Info.Failed)
	assert.Len(t, env.notifier.SendCalls(), 2, "failure of 101 and batch completion")
}

func TestOrchestrator_BatchStop(t *testing.T) {
	env := newTestEnv(t, `{{if eq .Scan "100"}}sleep 10{{else}}`+progressCmd+`{{end}}`)
	ctx := env.run(t)

	_, err := env.orch.StartBatch(ctx, "100,101", 1, batch.Seeds{})
	require.NoError(t, err)
	env.waitStart(t, 1)
	require.NoError(t, env.orch.Stop(ctx))

	res := env.waitBatch(t)
	assert.Equal(t, string(batch.StateComplete), res.State, "stop moves to the next scan")
	assert.Equal(t, 2, res.Processed)
	completed := env.handler.OnJobCompleteCalls()
	require.Len(t, completed, 2)
	assert.Equal(t, string(job.StateKilled), completed[0].Req.State)
	assert.Equal(t, string(job.StateFinished), completed[1].Req.State)
	env.stop(t)
}

func TestOrchestrator_BatchAbort(t *testing.T) {
	env := newTestEnv(t, "sleep 10")
	ctx := env.run(t)

	require.Error(t, env.orch.Abort(ctx), "no batch")
	id, err := env.orch.StartBatch(ctx, "100-105", 1, batch.Seeds{})
	require.NoError(t, err)
	env.waitStart(t, 1)

	st, err := env.orch.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, batch.StateRunning, st.Batch.State)
	assert.Equal(t, "100", st.Batch.Current)
	assert.Equal(t, []string{"101", "102", "103", "104", "105"}, st.Batch.Remaining)

	require.NoError(t, env.orch.Abort(ctx))
	res := env.waitBatch(t)
	assert.Equal(t, id, res.BatchID)
	assert.Equal(t, string(batch.StateAborted), res.State)
	require.Len(t, env.handler.OnJobCompleteCalls(), 1)
	assert.Equal(t, string(job.StateKilled), env.handler.OnJobCompleteCalls()[0].Req.State)
	env.stop(t)
}

func TestOrchestrator_BatchLoadFailure(t *testing.T) {
	env := newTestEnv(t, progressCmd)
	env.loader.LoadFunc = func(_ context.Context, scanID string) (metadata.Record, error) {
		if scanID == "101" {
			return metadata.Record{}, fmt.Errorf("%w: %s", metadata.ErrNotFound, scanID)
		}
		return testRecord(scanID), nil
	}
	ctx := env.run(t)

	_, err := env.orch.StartBatch(ctx, "100-102", 1, batch.Seeds{})
	require.NoError(t, err)
	res := env.waitBatch(t)
	assert.Equal(t, string(batch.StateAborted), res.State)
	assert.Equal(t, 1, res.Processed)
	assert.Len(t, env.handler.OnJobCompleteCalls(), 1)

	env.loader.LoadFunc = func(_ context.Context, scanID string) (metadata.Record, error) {
		return metadata.Record{}, fmt.Errorf("%w: %s", metadata.ErrNotFound, scanID)
	}
	_, err = env.orch.StartBatch(ctx, "200-201", 1, batch.Seeds{})
	require.ErrorIs(t, err, metadata.ErrNotFound, "first scan failed")
	res = env.waitBatch(t)
	assert.Equal(t, string(batch.StateAborted), res.State)
	assert.Equal(t, 0, res.Processed)
	env.stop(t)
}

func TestOrchestrator_Oneshot(t *testing.T) {
	env := newTestEnv(t, progressCmd)
	env.orch.Oneshot = true

	errCh := make(chan error, 1)
	go func() { errCh <- env.orch.Do(context.Background()) }()

	ctx := context.Background()
	require.NoError(t, env.orch.Load(ctx, "100"))
	_, err := env.orch.Start(ctx, "100")
	require.NoError(t, err)

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("oneshot didn't terminate")
	}
	require.Len(t, env.handler.OnJobCompleteCalls(), 1)
}

func TestOrchestrator_CancelKillsJob(t *testing.T) {
	env := newTestEnv(t, "sleep 10")
	ctx := env.run(t)

	_, err := env.orch.StartBatch(ctx, "100-101", 1, batch.Seeds{})
	require.NoError(t, err)
	env.waitStart(t, 1)

	env.stop(t)
	completed := env.handler.OnJobCompleteCalls()
	require.Len(t, completed, 1, "second scan never started")
	assert.Equal(t, string(job.StateKilled), completed[0].Req.State)
	require.Len(t, env.handler.OnBatchCompleteCalls(), 1)
	assert.Equal(t, string(batch.StateAborted), env.handler.OnBatchCompleteCalls()[0].Req.State)
}

type testEnv struct {
	dir      string
	orch     *Orchestrator
	loader   *mocks.MetadataLoaderMock
	handler  *mocks.JobEventHandlerMock
	notifier *mocks.NotifierMock

	jobs    chan request.OnJobComplete
	batches chan request.OnBatchComplete
	starts  chan request.OnJobStart

	cancel context.CancelFunc
	errCh  chan error
}

func newTestEnv(t *testing.T, command string) *testEnv {
	t.Helper()
	env := &testEnv{
		dir:     t.TempDir(),
		jobs:    make(chan request.OnJobComplete, 16),
		batches: make(chan request.OnBatchComplete, 4),
		starts:  make(chan request.OnJobStart, 16),
	}

	env.loader = &mocks.MetadataLoaderMock{
		LoadFunc: func(_ context.Context, scanID string) (metadata.Record, error) {
			return testRecord(scanID), nil
		},
		StringFunc: func() string { return "mock" },
	}
	env.handler = &mocks.JobEventHandlerMock{
		OnJobStartFunc:      func(req request.OnJobStart) { env.starts <- req },
		OnJobProgressFunc:   func(request.OnJobProgress) {},
		OnJobCompleteFunc:   func(req request.OnJobComplete) { env.jobs <- req },
		OnBatchCompleteFunc: func(req request.OnBatchComplete) { env.batches <- req },
	}
	env.notifier = &mocks.NotifierMock{
		IsOnErrorFunc:      func() bool { return true },
		IsOnCompletionFunc: func() bool { return true },
		MakeErrorHTMLFunc: func(info notify.FailureInfo) (string, error) {
			return "failed " + info.ScanID, nil
		},
		MakeCompletionHTMLFunc: func(info notify.BatchInfo) (string, error) {
			return "batch " + info.BatchID, nil
		},
		SendFunc: func(context.Context, string, string) error { return nil },
	}

	p := param.Default()
	p.WorkingDirectory, p.NIterations, p.GPUFlag = env.dir, 5, false
	env.orch = &Orchestrator{
		Params:          p,
		Handle:          &job.Handle{SnapshotPath: filepath.Join(env.dir, "snapshot.cfg"), Command: command, Stdout: &bytes.Buffer{}, MaxLogLines: 10},
		Loader:          env.loader,
		Notifier:        env.notifier,
		JobEventHandler: env.handler,
		HostName:        "test-host",
		NotifyTimeout:   time.Second,
	}
	return env
}

// run starts the control loop, returns context for commands
func (e *testEnv) run(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel, e.errCh = cancel, make(chan error, 1)
	go func() { e.errCh <- e.orch.Do(ctx) }()
	t.Cleanup(cancel)
	return context.Background()
}

// stop cancels the control loop and waits for it to return
func (e *testEnv) stop(t *testing.T) {
	t.Helper()
	e.cancel()
	select {
	case err := <-e.errCh:
		assert.True(t, errors.Is(err, context.Canceled), "unexpected error %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("orchestrator didn't stop")
	}
}

func (e *testEnv) waitJob(t *testing.T) request.OnJobComplete {
	t.Helper()
	select {
	case res := <-e.jobs:
		return res
	case <-time.After(10 * time.Second):
		t.Fatal("job not completed")
	}
	return request.OnJobComplete{}
}

func (e *testEnv) waitBatch(t *testing.T) request.OnBatchComplete {
	t.Helper()
	select {
	case res := <-e.batches:
		return res
	case <-time.After(20 * time.Second):
		t.Fatal("batch not completed")
	}
	return request.OnBatchComplete{}
}

func (e *testEnv) waitStart(t *testing.T, n int) {
	t.Helper()
	for range n {
		select {
		case <-e.starts:
		case <-time.After(10 * time.Second):
			t.Fatal("job not started")
		}
	}
}

func testRecord(scanID string) metadata.Record {
	return metadata.Record{ScanID: scanID, Detector: "merlin1", XrayEnergyKeV: 12, DistanceM: 0.5, Nx: 128, Ny: 128,
		Nz: 3, DrX: 0.05, DrY: 0.05, XRange: 2, YRange: 1, Angle: 15, ScanType: "fly", CCDPixelUm: 55}
}

// writeArtifact writes complex64 npy array, every element of iteration i is i+1
func writeArtifact(t *testing.T, path string, shape [4]int) {
	t.Helper()
	dict := fmt.Sprintf("{'descr': '<c8', 'fortran_order': False, 'shape': (%d, %d, %d, %d), }",
		shape[0], shape[1], shape[2], shape[3])
	hlen := 64 - 10
	for hlen < len(dict)+1 {
		hlen += 64
	}
	buf := bytes.NewBufferString("\x93NUMPY\x01\x00")
	require.NoError(t, binary.Write(buf, binary.LittleEndian, uint16(hlen)))
	buf.WriteString(dict + strings.Repeat(" ", hlen-len(dict)-1) + "\n")
	for it := range shape[0] {
		for range shape[1] * shape[2] * shape[3] {
			require.NoError(t, binary.Write(buf, binary.LittleEndian, [2]float32{float32(it + 1), 0}))
		}
	}
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
}
