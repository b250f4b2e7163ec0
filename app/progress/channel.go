// Package progress reads reconstruction estimates the worker keeps in memory-mapped npy files
// and turns them into preview snapshots. Worker and reader don't synchronize, a snapshot may
// show a partially written grid and is redrawn on the next preview.
package progress

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	log "github.com/go-pkgz/lgr"
	"golang.org/x/exp/mmap"
	"golang.org/x/sync/errgroup"
)

// errors returned by Poll
var (
	ErrNotReady    = errors.New("progress not ready")
	ErrUnavailable = errors.New("progress unavailable")
)

// artifact names in the working directory
const (
	ObjectFile = ".mmap_obj.npy"
	ProbeFile  = ".mmap_prb.npy"
)

// Artifacts returns paths of progress artifacts for the working directory
func Artifacts(workDir string) []string {
	return []string{filepath.Join(workDir, ObjectFile), filepath.Join(workDir, ProbeFile)}
}

// Grid is a row-major 2-D sample grid
type Grid struct {
	Rows, Cols int
	Data       []float64
}

func newGrid(rows, cols int) Grid {
	return Grid{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
}

// At returns value at row r and column c
func (g Grid) At(r, c int) float64 {
	return g.Data[r*g.Cols+c]
}

// Snapshot is a preview of a single iteration
type Snapshot struct {
	Iteration       int
	Metric          float64
	HasMetric       bool
	ObjectAmplitude Grid
	ObjectPhase     Grid
	ProbeAmplitude  Grid
	ProbePhase      Grid
}

// Channel reads progress snapshots of a single job. Artifacts are opened on the first
// successful Poll and kept mapped till Close.
type Channel struct {
	WorkDir  string
	Interval int // display interval, previews are made every Interval iterations

	lock    sync.Mutex
	obj     *artifact
	prb     *artifact
	metrics map[int]float64
	closed  bool
}

type artifact struct {
	path string
	info os.FileInfo
	rd   *mmap.ReaderAt
	hdr  npyHeader
}

// Observe records metric reported for the iteration
func (c *Channel) Observe(it int, metric float64) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.metrics == nil {
		c.metrics = map[int]float64{}
	}
	c.metrics[it] = metric
}

// ShouldPreview reports whether the iteration is due for a preview
func (c *Channel) ShouldPreview(it int) bool {
	if c.Interval <= 1 {
		return it >= 1
	}
	return it%c.Interval == 1
}

// Poll returns snapshot of the iteration. ErrNotReady means artifacts are not written yet,
// ErrUnavailable means they were removed or truncated and reading should stop.
func (c *Channel) Poll(it int) (Snapshot, error) {
	if it < 1 {
		return Snapshot{}, fmt.Errorf("%w: iteration %d", ErrNotReady, it)
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return Snapshot{}, fmt.Errorf("%w: channel closed", ErrUnavailable)
	}
	if c.obj == nil {
		if err := c.open(); err != nil {
			return Snapshot{}, err
		}
	}

	for _, a := range []*artifact{c.obj, c.prb} {
		if err := a.check(); err != nil {
			return Snapshot{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		if it > a.hdr.shape[0] || a.hdr.shape[1] < 1 {
			return Snapshot{}, fmt.Errorf("%w: iteration %d out of %s shape %v", ErrUnavailable, it, a.path, a.hdr.shape)
		}
	}

	res := Snapshot{Iteration: it}
	res.Metric, res.HasMetric = c.metrics[it]

	var g errgroup.Group
	g.Go(func() (err error) {
		res.ObjectAmplitude, res.ObjectPhase, err = c.obj.slot(it)
		return err
	})
	g.Go(func() (err error) {
		res.ProbeAmplitude, res.ProbePhase, err = c.prb.slot(it)
		return err
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return res, nil
}

// Close unmaps artifacts, safe to call more than once
func (c *Channel) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.closed = true
	var errs []error
	for _, a := range []*artifact{c.obj, c.prb} {
		if a == nil {
			continue
		}
		if err := a.rd.Close(); err != nil {
			errs = append(errs, fmt.Errorf("can't unmap %s: %w", a.path, err))
		}
	}
	c.obj, c.prb = nil, nil
	return errors.Join(errs...)
}

// open maps both artifacts, caller holds the lock
func (c *Channel) open() error {
	obj, err := openArtifact(filepath.Join(c.WorkDir, ObjectFile))
	if err != nil {
		return err
	}
	prb, err := openArtifact(filepath.Join(c.WorkDir, ProbeFile))
	if err != nil {
		_ = obj.rd.Close()
		return err
	}
	c.obj, c.prb = obj, prb
	log.Printf("[DEBUG] progress artifacts opened in %s, object %v, probe %v", c.WorkDir, obj.hdr.shape, prb.hdr.shape)
	return nil
}

func openArtifact(path string) (*artifact, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s doesn't exist", ErrNotReady, path)
		}
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	rd, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: can't map %s: %w", ErrNotReady, path, err)
	}
	hdr, err := readHeader(rd)
	if err == nil && hdr.offset+hdr.dataSize() > int64(rd.Len()) {
		err = fmt.Errorf("%d bytes, %d expected", rd.Len(), hdr.offset+hdr.dataSize())
	}
	if err != nil {
		_ = rd.Close()
		return nil, fmt.Errorf("%w: %s, %w", ErrNotReady, path, err)
	}
	return &artifact{path: path, info: info, rd: rd, hdr: hdr}, nil
}

// check detects removed, replaced or truncated file. Reading truncated mapping crashes the process.
func (a *artifact) check() error {
	info, err := os.Stat(a.path)
	if err != nil {
		return err
	}
	if !os.SameFile(a.info, info) {
		return fmt.Errorf("%s replaced", a.path)
	}
	if info.Size() < int64(a.rd.Len()) {
		return fmt.Errorf("%s truncated to %d bytes", a.path, info.Size())
	}
	return nil
}

func (a *artifact) slot(it int) (amp, phase Grid, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("can't decode iteration %d from %s: %v", it, a.path, r)
		}
	}()
	raw := make([]byte, a.hdr.slotSize())
	if _, err := a.rd.ReadAt(raw, a.hdr.slotOffset(it, 0)); err != nil {
		return Grid{}, Grid{}, fmt.Errorf("can't read iteration %d from %s: %w", it, a.path, err)
	}
	amp, phase = a.hdr.decodeSlot(raw)
	return amp, phase, nil
}
