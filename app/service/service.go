// Package service provides the reconstruction orchestrator. A single control loop owns the
// parameter set, the active job and the batch, commands and job events are handled one at a time.
package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/google/uuid"

	"github.com/bsmind/dpc/app/batch"
	"github.com/bsmind/dpc/app/job"
	"github.com/bsmind/dpc/app/metadata"
	"github.com/bsmind/dpc/app/notify"
	"github.com/bsmind/dpc/app/param"
	"github.com/bsmind/dpc/app/progress"
	"github.com/bsmind/dpc/app/reclaim"
	"github.com/bsmind/dpc/app/service/request"
)

//go:generate moq -out mocks/metadata_loader.go -pkg mocks -skip-ensure -fmt goimports . MetadataLoader
//go:generate moq -out mocks/notifier.go -pkg mocks -skip-ensure -fmt goimports . Notifier
//go:generate moq -out mocks/condition_checker.go -pkg mocks -skip-ensure -fmt goimports . ConditionChecker
//go:generate moq -out mocks/job_event_handler.go -pkg mocks -skip-ensure -fmt goimports . JobEventHandler

// ErrStopped returned by commands sent after the control loop has finished
var ErrStopped = errors.New("orchestrator stopped")

const eventsBuffer = 64

// Orchestrator runs reconstruction jobs, single or batched, one at a time
type Orchestrator struct {
	Params             param.Param // initial parameter set
	Handle             JobHandle
	Loader             MetadataLoader
	Repeater           Repeater
	Reclaimer          Reclaimer
	ReclaimConcurrency int
	Notifier           Notifier
	NotifyTimeout      time.Duration
	ConditionChecker   ConditionChecker
	JobEventHandler    JobEventHandler
	History            *param.History // saves parameters of started jobs if save_config_history is set
	Slot               *Slot
	HostName           string
	Oneshot            bool // return from Do once started work is done

	once     sync.Once
	commands chan command
	events   chan job.Event
	done     chan struct{}

	// owned by the control loop
	ctx        context.Context
	params     param.Param
	loadedScan string
	active     *activeJob
	batch      *batch.Scheduler
	batchRun   *batchRun
	worked     bool
}

// JobHandle runs a single worker, implemented by job.Handle
type JobHandle interface {
	Start(ctx context.Context, l job.Launch, events chan<- job.Event) error
	RequestKill()
	Reset() error
	State() job.State
}

// MetadataLoader fetches scan metadata
type MetadataLoader interface {
	Load(ctx context.Context, scanID string) (metadata.Record, error)
	String() string
}

// Repeater repeats failed function
type Repeater interface {
	Do(ctx context.Context, fun func() error, errors ...error) (err error)
}

// Reclaimer tracks jobs and removes their shared files
type Reclaimer interface {
	Track(info reclaim.JobInfo) error
	Reclaim(info reclaim.JobInfo) error
	ReclaimStale(concurrency int) (int, error)
}

// Notifier interface defines notification delivery on failed jobs and finished batches
type Notifier interface {
	Send(ctx context.Context, subj, text string) error
	IsOnError() bool
	IsOnCompletion() bool
	MakeErrorHTML(info notify.FailureInfo) (string, error)
	MakeCompletionHTML(info notify.BatchInfo) (string, error)
}

// ConditionChecker verifies host resources before a launch
type ConditionChecker interface {
	Check(ctx context.Context, workDir string) (bool, string)
}

// JobEventHandler defines interface for handling job and batch events
type JobEventHandler interface {
	OnJobStart(req request.OnJobStart)
	OnJobProgress(req request.OnJobProgress)
	OnJobComplete(req request.OnJobComplete)
	OnBatchComplete(req request.OnBatchComplete)
}

// Status is a point-in-time view of the orchestrator
type Status struct {
	LoadedScan string
	Job        *JobStatus // nil if no job is active
	Batch      batch.Status
}

// JobStatus describes the active job
type JobStatus struct {
	ID        string
	ScanID    string
	BatchID   string
	Iteration int
	Started   time.Time
}

type activeJob struct {
	spec      job.Spec
	info      reclaim.JobInfo
	channel   *progress.Channel
	preview   bool
	iteration int
	started   time.Time
}

type batchRun struct {
	id      string
	failed  []string
	started time.Time
}

type commandKind int

const (
	cmdLoad commandKind = iota
	cmdStart
	cmdStop
	cmdStartBatch
	cmdAbort
	cmdImport
	cmdParams
	cmdStatus
)

type command struct {
	kind   commandKind
	scanID string
	expr   string
	step   int
	seeds  batch.Seeds
	path   string
	reply  chan result
}

type result struct {
	id     string
	params param.Param
	status Status
	err    error
}

// Do runs the blocking control loop till context canceled, or till work is done in oneshot mode.
// On cancel the active job is killed and its terminal event awaited.
func (o *Orchestrator) Do(ctx context.Context) error {
	o.once.Do(o.setup)
	defer close(o.done)
	o.ctx = ctx
	o.params = o.Params.Clone()
	o.batch = &batch.Scheduler{Runner: batchRunner{o: o}}
	if o.Reclaimer != nil {
		if n, err := o.Reclaimer.ReclaimStale(max(o.ReclaimConcurrency, 1)); err != nil {
			log.Printf("[WARN] can't reclaim interrupted jobs, %v", err)
		} else if n > 0 {
			log.Printf("[INFO] %d interrupted jobs reclaimed", n)
		}
	}

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return ctx.Err()
		case cmd := <-o.commands:
			cmd.reply <- o.handleCommand(ctx, cmd)
		case ev := <-o.events:
			o.handleEvent(ctx, ev)
		}
		if o.Oneshot && o.worked && o.active == nil && o.batch.State() == batch.StateIdle {
			log.Print("[DEBUG] work done, terminate")
			return nil
		}
	}
}

// Load fetches metadata of the scan and applies it to the parameter set
func (o *Orchestrator) Load(ctx context.Context, scanID string) error {
	return o.send(ctx, command{kind: cmdLoad, scanID: scanID}).err
}

// Start launches a single job for the loaded scan, empty scanID means the loaded one. Returns job id.
func (o *Orchestrator) Start(ctx context.Context, scanID string) (string, error) {
	res := o.send(ctx, command{kind: cmdStart, scanID: scanID})
	return res.id, res.err
}

// Stop requests kill of the active job. In batch mode the batch moves to the next scan.
func (o *Orchestrator) Stop(ctx context.Context) error {
	return o.send(ctx, command{kind: cmdStop}).err
}

// StartBatch starts jobs for all scans of the range expression, returns batch id
func (o *Orchestrator) StartBatch(ctx context.Context, expr string, step int, seeds batch.Seeds) (string, error) {
	res := o.send(ctx, command{kind: cmdStartBatch, expr: expr, step: step, seeds: seeds})
	return res.id, res.err
}

// Abort drops the rest of the batch and kills the active job
func (o *Orchestrator) Abort(ctx context.Context) error {
	return o.send(ctx, command{kind: cmdAbort}).err
}

// Import replaces parameter set with the one from config file. Imported parameters count as loaded.
func (o *Orchestrator) Import(ctx context.Context, path string) error {
	return o.send(ctx, command{kind: cmdImport, path: path}).err
}

// CurrentParams returns copy of the current parameter set
func (o *Orchestrator) CurrentParams(ctx context.Context) (param.Param, error) {
	res := o.send(ctx, command{kind: cmdParams})
	return res.params, res.err
}

// Status returns state of the orchestrator
func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	res := o.send(ctx, command{kind: cmdStatus})
	return res.status, res.err
}

func (o *Orchestrator) setup() {
	o.commands = make(chan command)
	o.events = make(chan job.Event, eventsBuffer)
	o.done = make(chan struct{})
	if o.Slot == nil {
		o.Slot = NewSlot()
	}
	if o.NotifyTimeout <= 0 {
		o.NotifyTimeout = 30 * time.Second
	}
	if o.Repeater == nil {
		o.Repeater = repeater.New(&strategy.Once{})
	}
}

func (o *Orchestrator) send(ctx context.Context, cmd command) result {
	o.once.Do(o.setup)
	cmd.reply = make(chan result, 1)
	select {
	case o.commands <- cmd:
	case <-o.done:
		return result{err: ErrStopped}
	case <-ctx.Done():
		return result{err: ctx.Err()}
	}
	select {
	case res := <-cmd.reply:
		return res
	case <-ctx.Done():
		return result{err: ctx.Err()}
	}
}

func (o *Orchestrator) handleCommand(ctx context.Context, cmd command) result {
	switch cmd.kind {
	case cmdLoad:
		return result{err: o.load(ctx, cmd.scanID)}
	case cmdStart:
		if o.batch.State() == batch.StateRunning {
			return result{err: fmt.Errorf("%w: batch is running", job.ErrPrecondition)}
		}
		scanID := cmd.scanID
		if scanID == "" {
			scanID = o.loadedScan
		}
		spec := job.Spec{ID: uuid.NewString(), ScanID: scanID}
		return result{id: spec.ID, err: o.launch(ctx, spec)}
	case cmdStop:
		if o.active != nil {
			o.Handle.RequestKill()
		}
		return result{}
	case cmdStartBatch:
		id, err := o.startBatch(cmd.expr, cmd.step, cmd.seeds)
		return result{id: id, err: err}
	case cmdAbort:
		if !o.batch.Abort() {
			return result{err: errors.New("no batch is running")}
		}
		return result{}
	case cmdImport:
		p, err := param.Import(cmd.path, o.params)
		if err != nil {
			return result{err: err}
		}
		o.params, o.loadedScan = p, p.ScanNum
		log.Printf("[INFO] parameters imported from %s, scan %s", cmd.path, p.ScanNum)
		return result{}
	case cmdParams:
		return result{params: o.params.Clone()}
	case cmdStatus:
		return result{status: o.status()}
	}
	return result{err: fmt.Errorf("unknown command %d", cmd.kind)}
}

// load fetches metadata, only unavailable source errors are retried
func (o *Orchestrator) load(ctx context.Context, scanID string) error {
	o.loadedScan = ""
	var rec metadata.Record
	var fetchErr error
	err := o.Repeater.Do(ctx, func() error {
		r, err := o.Loader.Load(ctx, scanID)
		if errors.Is(err, metadata.ErrUnavailable) {
			log.Printf("[WARN] metadata source %s unavailable, %v", o.Loader.String(), err)
			return err
		}
		rec, fetchErr = r, err
		return nil
	})
	if err == nil {
		err = fetchErr
	}
	if err != nil {
		return fmt.Errorf("can't load metadata of scan %s: %w", scanID, err)
	}

	o.params = metadata.Apply(rec, o.params)
	o.loadedScan = scanID
	log.Printf("[INFO] metadata of scan %s loaded from %s, energy %.3fkeV, %d frames %dx%d", scanID,
		o.Loader.String(), rec.XrayEnergyKeV, rec.Nz, rec.Nx, rec.Ny)
	return nil
}

// launch checks preconditions and starts the job
func (o *Orchestrator) launch(ctx context.Context, spec job.Spec) error {
	if o.active != nil {
		return fmt.Errorf("%w: job %s for scan %s is running", job.ErrPrecondition, o.active.spec.ID, o.active.spec.ScanID)
	}
	if o.loadedScan != spec.ScanID {
		return fmt.Errorf("%w: metadata not loaded for scan %s", job.ErrPrecondition, spec.ScanID)
	}
	workDir := o.params.WorkingDirectory
	if o.ConditionChecker != nil {
		if ok, reason := o.ConditionChecker.Check(ctx, workDir); !ok {
			return fmt.Errorf("%w: launch conditions not met, %s", job.ErrPrecondition, reason)
		}
	}
	if !o.Slot.Acquire(workDir) {
		return fmt.Errorf("%w: working directory %s is in use", job.ErrPrecondition, workDir)
	}

	info := reclaim.JobInfo{ID: spec.ID, ScanID: spec.ScanID, WorkDir: workDir, Started: time.Now()}
	if o.Reclaimer != nil {
		if err := o.Reclaimer.Track(info); err != nil {
			log.Printf("[WARN] can't track job %s, %v", spec.ID, err)
		}
	}

	launch := job.Launch{Spec: spec, Params: o.params, LoadedScan: o.loadedScan}
	if err := o.Handle.Start(ctx, launch, o.events); err != nil {
		o.Slot.Release(workDir)
		o.reclaim(info)
		return err
	}

	o.worked = true
	o.active = &activeJob{spec: spec, info: info, started: info.Started, preview: o.params.PreviewFlag,
		channel: &progress.Channel{WorkDir: workDir, Interval: o.params.DisplayInterval}}
	if o.History != nil && o.params.SaveConfigHistory {
		if err := o.History.Save(spec.Apply(o.params)); err != nil {
			log.Printf("[WARN] can't save parameters history, %v", err)
		}
	}
	if o.JobEventHandler != nil {
		o.JobEventHandler.OnJobStart(request.OnJobStart{JobID: spec.ID, ScanID: spec.ScanID, BatchID: spec.BatchID,
			WorkDir: workDir, Iterations: o.params.NIterations, StartTime: info.Started})
	}
	return nil
}

func (o *Orchestrator) startBatch(expr string, step int, seeds batch.Seeds) (string, error) {
	if st := o.batch.Status(); st.State == batch.StateRunning {
		return "", fmt.Errorf("%w: %s", batch.ErrBusy, st.ID)
	}
	if o.active != nil {
		return "", fmt.Errorf("%w: job %s for scan %s is running", job.ErrPrecondition, o.active.spec.ID, o.active.spec.ScanID)
	}
	seeds.WorkDir = o.params.WorkingDirectory
	o.batchRun = &batchRun{started: time.Now()}
	id, err := o.batch.StartBatch(expr, step, seeds)
	if err != nil {
		if o.batch.State() == batch.StateAborted {
			o.batchRun.id = o.batch.Status().ID
			o.completeBatch()
		}
		o.batchRun = nil
		return "", err
	}
	o.worked = true
	o.batchRun.id = id
	return id, nil
}

func (o *Orchestrator) handleEvent(ctx context.Context, ev job.Event) {
	if o.active == nil || ev.JobID != o.active.spec.ID {
		log.Printf("[DEBUG] ignore event of inactive job %s", ev.JobID)
		return
	}
	switch ev.Type {
	case job.EventProgress:
		o.progress(ev)
	case job.EventFinished:
		o.finish(ctx, ev)
	}
}

// progress records the metric and reads a preview on display iterations
func (o *Orchestrator) progress(ev job.Event) {
	a := o.active
	a.iteration = ev.Iteration
	a.channel.Observe(ev.Iteration, ev.Metric)

	req := request.OnJobProgress{JobID: ev.JobID, ScanID: ev.ScanID, Iteration: ev.Iteration, Metric: ev.Metric}
	if a.preview && a.channel.ShouldPreview(ev.Iteration) {
		req.Snapshot = o.preview(a, ev)
	}
	if o.JobEventHandler != nil {
		o.JobEventHandler.OnJobProgress(req)
	}
}

// preview polls snapshot of the iteration, nil if artifacts can't be read
func (o *Orchestrator) preview(a *activeJob, ev job.Event) (res *progress.Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[WARN] preview of job %s, iteration %d crashed, %v", ev.JobID, ev.Iteration, r)
			res = nil
		}
	}()

	snap, err := a.channel.Poll(ev.Iteration)
	switch {
	case err == nil:
		return &snap
	case errors.Is(err, progress.ErrNotReady), errors.Is(err, progress.ErrUnavailable):
		log.Printf("[DEBUG] no preview for job %s, %v", ev.JobID, err)
	default:
		log.Printf("[WARN] can't read preview for job %s, %v", ev.JobID, err)
	}
	return nil
}

// finish releases job resources, reports completion and advances the batch
func (o *Orchestrator) finish(ctx context.Context, ev job.Event) {
	a := o.active
	if err := a.channel.Close(); err != nil {
		log.Printf("[WARN] can't close progress of job %s, %v", a.spec.ID, err)
	}
	o.reclaim(a.info)
	o.Slot.Release(a.info.WorkDir)
	if err := o.Handle.Reset(); err != nil {
		log.Printf("[WARN] %v", err)
	}
	o.active = nil

	if o.JobEventHandler != nil {
		o.JobEventHandler.OnJobComplete(request.OnJobComplete{JobID: ev.JobID, ScanID: ev.ScanID,
			BatchID: a.spec.BatchID, State: string(ev.State), StartTime: ev.Started, EndTime: ev.Stopped,
			ExitCode: ev.ExitCode, Iteration: ev.Iteration, Output: ev.Output, Err: ev.Err})
	}
	if ev.State == job.StateFailed {
		o.notifyFailure(ctx, a, ev)
	}

	if a.spec.BatchID == "" || o.batchRun == nil {
		return
	}
	if ev.State == job.StateFailed {
		o.batchRun.failed = append(o.batchRun.failed, ev.ScanID)
	}
	if err := o.batch.Advance(); err != nil {
		log.Printf("[WARN] %v", err)
	}
	if st := o.batch.State(); st == batch.StateComplete || st == batch.StateAborted {
		o.completeBatch()
	}
}

func (o *Orchestrator) completeBatch() {
	st := o.batch.Status()
	req := request.OnBatchComplete{BatchID: st.ID, State: string(st.State), Processed: st.Processed,
		Failed: o.batchRun.failed, StartTime: o.batchRun.started, EndTime: time.Now()}
	log.Printf("[INFO] batch %s %s, %d processed, %d failed", req.BatchID, req.State, req.Processed, len(req.Failed))
	if o.JobEventHandler != nil {
		o.JobEventHandler.OnBatchComplete(req)
	}
	o.notifyBatch(req)
	o.batch.Reset()
	o.batchRun = nil
}

func (o *Orchestrator) reclaim(info reclaim.JobInfo) {
	if o.Reclaimer == nil {
		return
	}
	if err := o.Reclaimer.Reclaim(info); err != nil {
		log.Printf("[WARN] %v", err)
	}
}

// shutdown aborts the batch, kills the active job and waits for its terminal event
func (o *Orchestrator) shutdown() {
	o.batch.Abort()
	if o.active == nil {
		return
	}
	log.Printf("[INFO] terminating, kill job %s", o.active.spec.ID)
	o.Handle.RequestKill()
	for o.active != nil {
		o.handleEvent(context.Background(), <-o.events)
	}
}

func (o *Orchestrator) status() Status {
	res := Status{LoadedScan: o.loadedScan, Batch: o.batch.Status()}
	if a := o.active; a != nil {
		res.Job = &JobStatus{ID: a.spec.ID, ScanID: a.spec.ScanID, BatchID: a.spec.BatchID,
			Iteration: a.iteration, Started: a.started}
	}
	return res
}

func (o *Orchestrator) notifyFailure(ctx context.Context, a *activeJob, ev job.Event) {
	if o.Notifier == nil || reflect.ValueOf(o.Notifier).IsNil() || !o.Notifier.IsOnError() {
		return
	}
	msg, err := o.Notifier.MakeErrorHTML(notify.FailureInfo{JobID: ev.JobID, ScanID: ev.ScanID,
		BatchID: a.spec.BatchID, State: string(ev.State), ExitCode: ev.ExitCode, Iteration: ev.Iteration,
		Started: ev.Started, Stopped: ev.Stopped, Output: ev.Output})
	if err != nil {
		log.Printf("[WARN] can't make failure message, %v", err)
		return
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, o.NotifyTimeout)
	defer cancel()
	subj := fmt.Sprintf("reconstruction of scan %s failed on %s", ev.ScanID, o.HostName)
	if err := o.Notifier.Send(ctxTimeout, subj, msg); err != nil {
		log.Printf("[WARN] failed to send error notification, %v", err)
	}
}

func (o *Orchestrator) notifyBatch(req request.OnBatchComplete) {
	if o.Notifier == nil || reflect.ValueOf(o.Notifier).IsNil() || !o.Notifier.IsOnCompletion() {
		return
	}
	msg, err := o.Notifier.MakeCompletionHTML(notify.BatchInfo{BatchID: req.BatchID, State: req.State,
		Processed: req.Processed, Failed: req.Failed, Started: req.StartTime, Stopped: req.EndTime})
	if err != nil {
		log.Printf("[WARN] can't make completion message, %v", err)
		return
	}
	ctxTimeout, cancel := context.WithTimeout(context.Background(), o.NotifyTimeout)
	defer cancel()
	subj := fmt.Sprintf("batch %s %s on %s", req.BatchID, req.State, o.HostName)
	if err := o.Notifier.Send(ctxTimeout, subj, msg); err != nil {
		log.Printf("[WARN] failed to send completion notification, %v", err)
	}
}

// batchRunner starts batch items, metadata of each scan is loaded first
type batchRunner struct {
	o *Orchestrator
}

func (r batchRunner) Run(spec job.Spec) error {
	if err := r.o.load(r.o.ctx, spec.ScanID); err != nil {
		return err
	}
	return r.o.launch(r.o.ctx, spec)
}

func (r batchRunner) Kill() {
	r.o.Handle.RequestKill()
}
