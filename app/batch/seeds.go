package batch

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bsmind/dpc/app/job"
)

// Seeds are file name templates of probe and object taken from previous results. The single "*"
// is replaced by scan id, empty template means the seed is initialized by the worker.
// For "S*_t1_probe.npy" and scan 100 the probe is <WorkDir>/recon_result/S100/t1/recon_data/S100_t1_probe.npy
type Seeds struct {
	Probe   string
	Object  string
	WorkDir string
}

// Validate checks templates
func (s Seeds) Validate() error {
	for _, tmpl := range []string{s.Probe, s.Object} {
		if tmpl != "" && strings.Count(tmpl, "*") != 1 {
			return fmt.Errorf("%w: seed template %q must have exactly one \"*\"", ErrInvalidBatchSpec, tmpl)
		}
	}
	if (s.Probe != "" || s.Object != "") && s.WorkDir == "" {
		return fmt.Errorf("%w: working directory is required for seeds", ErrInvalidBatchSpec)
	}
	return nil
}

// Resolve returns probe and object seeds of the scan, nil if not used
func (s Seeds) Resolve(scanID string) (probe, object *job.Seed) {
	return s.resolve(s.Probe, "probe", scanID), s.resolve(s.Object, "object", scanID)
}

func (s Seeds) resolve(tmpl, marker, scanID string) *job.Seed {
	if tmpl == "" {
		return nil
	}
	parts := strings.Split(tmpl, "*")
	sign := ""
	if len(parts) > 1 {
		sign, _, _ = strings.Cut(parts[1], marker)
		sign = strings.Trim(sign, "_")
	}
	return &job.Seed{
		Dir:  filepath.Join(s.WorkDir, "recon_result", "S"+scanID, sign, "recon_data"),
		File: strings.Join(parts, scanID),
	}
}
