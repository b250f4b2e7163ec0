package batch

import (
	"errors"
	"fmt"
	"sync"

	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"

	"github.com/bsmind/dpc/app/job"
)

// State of the scheduler
type State string

// scheduler states, Complete and Aborted are held until Reset
const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateComplete State = "complete"
	StateAborted  State = "aborted"
)

// ErrBusy returned when a batch is already active
var ErrBusy = errors.New("batch is active")

// Runner starts jobs for the scheduler
type Runner interface {
	Run(spec job.Spec) error // starts the job, returns once spawned
	Kill()                   // requests kill of the active job
}

// Scheduler sequences batch items, one job at a time. Advance is called when the active
// job reaches a terminal state.
type Scheduler struct {
	Runner Runner

	lock      sync.Mutex
	state     State
	id        string
	queue     Queue
	seeds     Seeds
	current   *job.Spec
	processed int
}

// Status is a point-in-time view of the scheduler
type Status struct {
	ID        string
	State     State
	Current   string // scan of the active job
	Remaining []string
	Processed int
}

// StartBatch parses expression, builds the queue and starts the first item. Returns batch id.
func (s *Scheduler) StartBatch(expr string, step int, seeds Seeds) (string, error) {
	queue, err := ParseRange(expr, step)
	if err != nil {
		return "", err
	}
	if err := seeds.Validate(); err != nil {
		return "", err
	}

	s.lock.Lock()
	if s.state == StateRunning {
		s.lock.Unlock()
		return "", fmt.Errorf("%w: %s", ErrBusy, s.id)
	}
	s.id, s.state, s.queue, s.seeds, s.current, s.processed = uuid.NewString(), StateRunning, queue, seeds, nil, 0
	id := s.id
	log.Printf("[INFO] batch %s started, scans %v", id, queue.Order())
	s.lock.Unlock()

	return id, s.Advance()
}

// Advance starts the next item, or completes the batch when the queue is empty.
// No-op unless running. A failed start aborts the batch.
func (s *Scheduler) Advance() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.state != StateRunning {
		return nil
	}
	if s.current != nil {
		s.processed++
		s.current = nil
	}

	scanID, ok := s.queue.Pop()
	if !ok {
		s.state = StateComplete
		log.Printf("[INFO] batch %s complete, %d scans processed", s.id, s.processed)
		return nil
	}

	spec := job.Spec{ID: uuid.NewString(), ScanID: scanID, BatchID: s.id}
	spec.Probe, spec.Object = s.seeds.Resolve(scanID)
	log.Printf("[INFO] batch %s, begin processing scan %s, %d left", s.id, scanID, s.queue.Len())
	if spec.Probe != nil {
		log.Printf("[DEBUG] batch %s, probe seed %s/%s", s.id, spec.Probe.Dir, spec.Probe.File)
	}
	if spec.Object != nil {
		log.Printf("[DEBUG] batch %s, object seed %s/%s", s.id, spec.Object.Dir, spec.Object.File)
	}

	if err := s.Runner.Run(spec); err != nil {
		s.queue.Clear()
		s.state = StateAborted
		return fmt.Errorf("batch %s aborted on scan %s: %w", s.id, scanID, err)
	}
	s.current = &spec
	return nil
}

// Abort drops remaining items and kills the active job. Returns false if no batch is running.
func (s *Scheduler) Abort() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.state != StateRunning {
		return false
	}
	log.Printf("[INFO] batch %s aborted, %d scans dropped", s.id, s.queue.Len())
	s.queue.Clear()
	s.state = StateAborted
	if s.current != nil {
		s.Runner.Kill()
	}
	return true
}

// Reset returns scheduler to idle
func (s *Scheduler) Reset() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.state, s.current = StateIdle, nil
	s.queue.Clear()
}

// State returns current state
func (s *Scheduler) State() State {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.state == "" {
		return StateIdle
	}
	return s.state
}

// Current returns spec of the active batch job
func (s *Scheduler) Current() (job.Spec, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.current == nil {
		return job.Spec{}, false
	}
	return *s.current, true
}

// Remaining returns number of scans waiting in the queue
func (s *Scheduler) Remaining() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.queue.Len()
}

// Status returns a view of the scheduler
func (s *Scheduler) Status() Status {
	s.lock.Lock()
	defer s.lock.Unlock()
	res := Status{ID: s.id, State: s.state, Remaining: s.queue.Order(), Processed: s.processed}
	if res.State == "" {
		res.State = StateIdle
	}
	if s.current != nil {
		res.Current = s.current.ScanID
	}
	return res
}
