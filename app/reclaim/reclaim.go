// Package reclaim releases files shared between a job and the observer. Every started job is
// tracked by a marker file, so artifacts left by a crashed run can be removed on the next start.
package reclaim

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"
	"gopkg.in/yaml.v3"

	"github.com/bsmind/dpc/app/progress"
)

const markerExt = ".job"

// JobInfo describes files owned by a job
type JobInfo struct {
	ID      string    `yaml:"id"`
	ScanID  string    `yaml:"scan_id"`
	WorkDir string    `yaml:"work_dir"`
	Started time.Time `yaml:"started"`
}

// Files returns all files owned by the job
func (j JobInfo) Files() []string {
	if j.WorkDir == "" {
		return nil
	}
	return progress.Artifacts(j.WorkDir)
}

// Reclaimer tracks jobs in Location and removes their files
type Reclaimer struct {
	Location string
}

// New makes reclaimer, creates location if missing
func New(location string) *Reclaimer {
	if err := os.MkdirAll(location, 0o700); err != nil {
		log.Printf("[WARN] can't make %s, %v", location, err)
	}
	return &Reclaimer{Location: location}
}

// Track writes marker for the job
func (r *Reclaimer) Track(job JobInfo) error {
	if job.ID == "" {
		return errors.New("job id is empty")
	}
	data, err := yaml.Marshal(job)
	if err != nil {
		return fmt.Errorf("can't marshal job %s: %w", job.ID, err)
	}
	fname := r.marker(job.ID)
	log.Printf("[DEBUG] track job %s in %s", job.ID, fname)
	if err := os.WriteFile(fname, data, 0o600); err != nil {
		return fmt.Errorf("can't write marker for job %s: %w", job.ID, err)
	}
	return nil
}

// Reclaim removes job files and the marker. Already removed files are ignored, so
// repeated calls leave the same state.
func (r *Reclaimer) Reclaim(job JobInfo) error {
	errs := []error{removeAll(job.Files())}
	if job.ID != "" {
		if err := os.Remove(r.marker(job.ID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("can't reclaim job %s: %w", job.ID, err)
	}
	log.Printf("[DEBUG] job %s reclaimed", job.ID)
	return nil
}

// Sweep removes progress artifacts left in the working directory
func (r *Reclaimer) Sweep(workDir string) error {
	return removeAll(progress.Artifacts(workDir))
}

// ReclaimStale reclaims jobs with markers left by a previous run, returns number of reclaimed jobs
func (r *Reclaimer) ReclaimStale(concurrency int) (int, error) {
	entries, err := os.ReadDir(r.Location)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("can't list markers in %s: %w", r.Location, err)
	}
	if concurrency < 1 {
		concurrency = 1
	}

	var count atomic.Int32
	gr := syncs.NewSizedGroup(concurrency)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), markerExt) {
			continue
		}
		fname := filepath.Join(r.Location, entry.Name())
		gr.Go(func(context.Context) {
			job, err := readMarker(fname)
			if err != nil {
				log.Printf("[WARN] bad marker %s, %v", fname, err)
				if e := os.Remove(fname); e != nil {
					log.Printf("[WARN] can't delete %s, %v", fname, e)
				}
				return
			}
			log.Printf("[INFO] reclaim interrupted job %s for scan %s, started %s", job.ID, job.ScanID,
				job.Started.Format(time.RFC3339))
			if err := r.Reclaim(job); err != nil {
				log.Printf("[WARN] %v", err)
				return
			}
			count.Add(1)
		})
	}
	gr.Wait()
	return int(count.Load()), nil
}

func (r *Reclaimer) String() string {
	return "location:" + r.Location
}

func (r *Reclaimer) marker(id string) string {
	return filepath.Join(r.Location, id+markerExt)
}

func readMarker(fname string) (JobInfo, error) {
	data, err := os.ReadFile(fname) // nolint gosec
	if err != nil {
		return JobInfo{}, err
	}
	job := JobInfo{}
	if err := yaml.Unmarshal(data, &job); err != nil {
		return JobInfo{}, err
	}
	if job.ID == "" || job.ID+markerExt != filepath.Base(fname) {
		return JobInfo{}, fmt.Errorf("marker doesn't match job %q", job.ID)
	}
	return job, nil
}

func removeAll(files []string) error {
	var errs []error
	for _, f := range files {
		if err := os.Remove(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
