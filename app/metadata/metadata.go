// Package metadata loads experimental metadata of a scan. Loaders return a fixed-shape Record
// which is mapped field by field into the parameter set.
package metadata

import (
	"errors"
	"fmt"

	"github.com/bsmind/dpc/app/param"
)

// errors returned by loaders, wrapped with details
var (
	ErrNotFound    = errors.New("scan not found")
	ErrMalformed   = errors.New("malformed metadata")
	ErrUnavailable = errors.New("metadata source unavailable")
)

const (
	defaultAngle     = 15.0 // datasets recorded before the angle was stored
	defaultDistanceM = 0.5  // catalogs don't carry detector distance
	hcKeVnm          = 1.2398
)

// Record is the metadata of a single scan
type Record struct {
	ScanID        string
	Detector      string
	XrayEnergyKeV float64
	DistanceM     float64
	Nx            int
	Ny            int
	Nz            int // number of frames
	DrX           float64
	DrY           float64
	XRange        float64
	YRange        float64
	Angle         float64
	ScanType      string
	CCDPixelUm    float64
	Points        [][2]float64
	IC            []float64
	Frames        FrameTable
}

// FrameTable maps frame index to the key used to retrieve the frame from the source
type FrameTable []string

// Lookup returns key of the frame
func (f FrameTable) Lookup(frame int) (string, error) {
	if frame < 0 || frame >= len(f) {
		if len(f) == 0 {
			return "", fmt.Errorf("frame %d doesn't exist, no frames available", frame)
		}
		return "", fmt.Errorf("frame %d doesn't exist, available frames [0, %d]", frame, len(f)-1)
	}
	return f[frame], nil
}

// Validate checks required fields
func (r Record) Validate() error {
	switch {
	case r.ScanID == "":
		return fmt.Errorf("%w: no scan id", ErrMalformed)
	case r.XrayEnergyKeV <= 0:
		return fmt.Errorf("%w: scan %s, x-ray energy must be positive", ErrMalformed, r.ScanID)
	case r.Nx <= 0 || r.Ny <= 0:
		return fmt.Errorf("%w: scan %s, bad frame size %dx%d", ErrMalformed, r.ScanID, r.Nx, r.Ny)
	case r.Nz <= 0:
		return fmt.Errorf("%w: scan %s, no frames", ErrMalformed, r.ScanID)
	case len(r.Frames) > 0 && len(r.Frames) != r.Nz:
		return fmt.Errorf("%w: scan %s, %d frame keys for %d frames", ErrMalformed, r.ScanID, len(r.Frames), r.Nz)
	}
	return nil
}

// Apply maps record into a copy of p
func Apply(rec Record, p param.Param) param.Param {
	res := p.Clone()
	res.ScanNum = rec.ScanID
	if rec.Detector != "" {
		res.DetectorKind = rec.Detector
	}
	res.XrayEnergyKeV = rec.XrayEnergyKeV
	if rec.DistanceM > 0 {
		res.ZM = rec.DistanceM
	}
	res.Nx, res.Ny, res.Nz = rec.Nx, rec.Ny, rec.Nz
	res.DrX, res.DrY = rec.DrX, rec.DrY
	res.XRange, res.YRange = rec.XRange, rec.YRange
	res.Angle = rec.Angle
	if rec.ScanType != "" {
		res.ScanType = rec.ScanType
	}
	if rec.CCDPixelUm > 0 {
		res.CCDPixelUm = rec.CCDPixelUm
	}

	res.Points, res.IC, res.MDSTable = rec.Points, rec.IC, nil
	if len(rec.Frames) > 0 {
		res.MDSTable = make(map[int]string, len(rec.Frames))
		for i, key := range rec.Frames {
			res.MDSTable[i] = key
		}
	}
	res.Normalize()
	return res
}
