// Package job runs a single reconstruction worker. Handle writes the parameter snapshot,
// spawns the worker in its own process group, turns its progress lines into events and
// reports the terminal state as the last event of the run.
package job

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"golang.org/x/sys/unix"

	"github.com/bsmind/dpc/app/param"
)

// errors returned by Start
var (
	ErrPrecondition = errors.New("precondition failed")
	ErrLaunch       = errors.New("can't launch worker")
)

const maxLineSize = 1024 * 1024

// EventType distinguishes progress and finish events
type EventType int

// event types
const (
	EventProgress EventType = iota
	EventFinished
)

// Event reported by a running job. EventFinished is always the last one.
type Event struct {
	Type      EventType
	JobID     string
	ScanID    string
	Iteration int
	Metric    float64

	// set for EventFinished only
	State    State
	ExitCode int
	Err      error
	Output   string
	Started  time.Time
	Stopped  time.Time
}

// Seed is a probe or object file to start reconstruction from
type Seed struct {
	Dir  string
	File string
}

// Spec is a single unit of work
type Spec struct {
	ID      string
	ScanID  string
	BatchID string // empty for a single job
	Probe   *Seed
	Object  *Seed
}

// Apply returns copy of p with spec overrides
func (s Spec) Apply(p param.Param) param.Param {
	res := p.Clone()
	res.ScanNum = s.ScanID
	if s.Probe != nil {
		res.InitPrbFlag = false
		res.SetProbePath(s.Probe.Dir, s.Probe.File)
	}
	if s.Object != nil {
		res.InitObjFlag = false
		res.SetObjectPath(s.Object.Dir, s.Object.File)
	}
	return res
}

// Launch is everything Start needs
type Launch struct {
	Spec       Spec
	Params     param.Param // parameters with scan metadata applied
	LoadedScan string      // scan the metadata was loaded for
}

// Handle owns lifecycle of a single worker run
type Handle struct {
	SnapshotPath    string                     // well-known location the worker reads parameters from
	Command         string                     // worker command template
	Stdout          io.Writer                  // worker output sink, os.Stdout by default
	EnableLogPrefix bool                       // prefix worker output lines with scan id
	MaxLogLines     int                        // worker output lines kept for the finish event
	ResetArtifacts  func(workDir string) error // removes artifacts left by a previous run

	lock          sync.Mutex
	state         State
	spec          Spec
	cmd           *exec.Cmd
	killRequested bool
	lastIteration int
	done          chan struct{}
}

// Start validates preconditions, writes snapshot and spawns the worker. Returns once the worker
// is spawned, events are delivered to events channel. Fails with ErrPrecondition leaving
// state untouched, or with ErrLaunch leaving handle idle.
func (h *Handle) Start(_ context.Context, l Launch, events chan<- Event) error {
	h.lock.Lock()
	defer h.lock.Unlock()

	if h.state == "" {
		h.state = StateIdle
	}
	if h.state != StateIdle {
		return fmt.Errorf("%w: job %s is %s", ErrPrecondition, h.spec.ID, h.state)
	}
	if l.LoadedScan == "" || l.LoadedScan != l.Spec.ScanID {
		return fmt.Errorf("%w: metadata not loaded for scan %s", ErrPrecondition, l.Spec.ScanID)
	}
	p := l.Spec.Apply(l.Params)
	p.Normalize()
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrPrecondition, err)
	}

	h.setState(StateStarting)
	h.spec = l.Spec
	cmd, stdout, output, err := h.spawn(p)
	if err != nil {
		h.setState(StateIdle)
		return fmt.Errorf("%w: %w", ErrLaunch, err)
	}

	h.cmd = cmd
	h.killRequested = false
	h.lastIteration = 0
	h.done = make(chan struct{})
	h.setState(StateRunning)
	log.Printf("[INFO] job %s started for scan %s, pid %d", l.Spec.ID, l.Spec.ScanID, cmd.Process.Pid)

	go h.supervise(cmd, stdout, output, events, p.NIterations, h.done, time.Now())
	return nil
}

// RequestKill sends SIGTERM to the worker process group and returns without waiting.
// No-op unless running, safe to call repeatedly.
func (h *Handle) RequestKill() {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.state != StateRunning || h.cmd == nil || h.cmd.Process == nil {
		return
	}
	if h.killRequested {
		log.Printf("[DEBUG] kill already requested for job %s", h.spec.ID)
		return
	}
	h.killRequested = true
	pgid := h.cmd.Process.Pid
	log.Printf("[INFO] kill job %s, process group %d", h.spec.ID, pgid)
	if err := unix.Kill(-pgid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		log.Printf("[WARN] can't signal process group %d, %v", pgid, err)
	}
}

// Reset returns handle from a terminal state to idle
func (h *Handle) Reset() error {
	h.lock.Lock()
	defer h.lock.Unlock()
	if !isValidTransition(h.state, StateIdle) || !h.state.Terminal() {
		return fmt.Errorf("can't reset job %s in state %s", h.spec.ID, h.state)
	}
	h.setState(StateIdle)
	return nil
}

// State returns current state
func (h *Handle) State() State {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.state == "" {
		return StateIdle
	}
	return h.state
}

// LastIteration returns the last iteration reported by the worker
func (h *Handle) LastIteration() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.lastIteration
}

// Spec returns spec of the current or last run
func (h *Handle) Spec() Spec {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.spec
}

// Done is closed after the finish event of the current run has been delivered
func (h *Handle) Done() <-chan struct{} {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return h.done
}

// spawn resets artifacts, writes snapshot and starts the worker in a new process group
func (h *Handle) spawn(p param.Param) (*exec.Cmd, io.ReadCloser, *OutputTail, error) {
	if h.ResetArtifacts != nil {
		if err := h.ResetArtifacts(p.WorkingDirectory); err != nil {
			return nil, nil, nil, fmt.Errorf("can't reset artifacts: %w", err)
		}
	}
	if err := param.WriteSnapshot(h.SnapshotPath, p); err != nil {
		return nil, nil, nil, err
	}
	command, err := expandCommand(h.Command, h.SnapshotPath, p)
	if err != nil {
		return nil, nil, nil, err
	}

	var logWriter io.Writer = os.Stdout
	if h.Stdout != nil {
		logWriter = h.Stdout
	}
	if h.EnableLogPrefix {
		logWriter = NewLogPrefixer(logWriter, "S"+p.ScanNum)
	}
	output := NewOutputTail(h.MaxLogLines)

	cmd := exec.Command("sh", "-c", command) // nolint gosec
	cmd.Dir = p.WorkingDirectory
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stderr = &syncWriter{w: io.MultiWriter(output, logWriter)}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("can't make stdout pipe: %w", err)
	}

	log.Printf("[DEBUG] spawn worker %q in %s", command, p.WorkingDirectory)
	if err := cmd.Start(); err != nil {
		return nil, nil, nil, fmt.Errorf("can't start %q: %w", command, err)
	}
	return cmd, stdout, output, nil
}

// supervise reads worker stdout till EOF, waits for exit and sends the finish event.
// Progress events are coalesced if the consumer lags, the latest pending one is flushed
// before the finish event.
func (h *Handle) supervise(cmd *exec.Cmd, stdout io.Reader, output *OutputTail, events chan<- Event,
	maxIteration int, done chan struct{}, started time.Time) {
	defer close(done)
	spec := h.Spec()

	logWriter := cmd.Stderr // same sink for regular stdout lines
	var pending *Event
	last := 0

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		prog, ok, err := ParseProgress(line)
		if err != nil {
			log.Printf("[WARN] job %s, %v", spec.ID, err)
			continue
		}
		if !ok {
			_, _ = logWriter.Write([]byte(line + "\n"))
			continue
		}
		if prog.Iteration <= last || prog.Iteration > maxIteration {
			log.Printf("[DEBUG] job %s, ignore iteration %d, last %d, max %d", spec.ID, prog.Iteration, last, maxIteration)
			continue
		}
		last = prog.Iteration
		h.setLastIteration(last)

		ev := Event{Type: EventProgress, JobID: spec.ID, ScanID: spec.ScanID, Iteration: prog.Iteration, Metric: prog.Metric}
		select {
		case events <- ev:
			pending = nil
		default:
			pending = &ev // consumer busy, keep the latest only
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("[WARN] job %s, can't read worker output, %v", spec.ID, err)
		_, _ = io.Copy(io.Discard, stdout)
	}
	if pending != nil {
		events <- *pending
	}

	waitErr := cmd.Wait()
	finish := Event{Type: EventFinished, JobID: spec.ID, ScanID: spec.ScanID, Iteration: last, Err: waitErr,
		Output: output.String(), Started: started, Stopped: time.Now()}

	h.lock.Lock()
	finish.State = StateFinished
	switch {
	case h.killRequested:
		finish.State = StateKilled
	case waitErr != nil:
		finish.State = StateFailed
	}
	if waitErr != nil {
		finish.ExitCode = 1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			finish.ExitCode = exitErr.ExitCode()
		}
	}
	h.setState(finish.State)
	h.cmd = nil
	h.lock.Unlock()

	log.Printf("[INFO] job %s for scan %s %s, exit code %d, last iteration %d", spec.ID, spec.ScanID,
		finish.State, finish.ExitCode, last)
	events <- finish
}

func (h *Handle) setLastIteration(it int) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.lastIteration = it
}

// setState changes state, caller holds the lock
func (h *Handle) setState(to State) {
	if !isValidTransition(h.state, to) {
		log.Printf("[ERROR] invalid job state transition %s -> %s", h.state, to)
	}
	h.state = to
}
