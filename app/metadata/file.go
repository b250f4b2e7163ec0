package metadata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	log "github.com/go-pkgz/lgr"
	"gopkg.in/yaml.v3"
)

// FileLoader reads scan_<id>.yaml sidecar files from a directory
type FileLoader struct {
	Dir string
}

type fileRecord struct {
	XrayEnergyKeV *float64     `yaml:"xray_energy_kev"`
	LambdaNM      *float64     `yaml:"lambda_nm"`
	DistanceM     *float64     `yaml:"z_m"`
	Nx            *int         `yaml:"nx"`
	Ny            *int         `yaml:"ny"`
	Nz            *int         `yaml:"nz"`
	DrX           *float64     `yaml:"dr_x"`
	DrY           *float64     `yaml:"dr_y"`
	XRange        *float64     `yaml:"x_range"`
	YRange        *float64     `yaml:"y_range"`
	Angle         *float64     `yaml:"angle"`
	ScanType      string       `yaml:"scan_type"`
	CCDPixelUm    *float64     `yaml:"ccd_pixel_um"`
	Detector      string       `yaml:"detector"`
	Points        [][2]float64 `yaml:"points"`
	IC            []float64    `yaml:"ic"`
}

// Load reads metadata of the scan
func (l FileLoader) Load(_ context.Context, scanID string) (Record, error) {
	if _, err := strconv.Atoi(scanID); err != nil {
		return Record{}, fmt.Errorf("%w: bad scan id %q", ErrMalformed, scanID)
	}
	fname := filepath.Join(l.Dir, "scan_"+scanID+".yaml")

	fh, err := os.Open(fname) // nolint gosec
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, fmt.Errorf("%w: %s", ErrNotFound, fname)
		}
		return Record{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer fh.Close() // nolint errcheck

	fr := fileRecord{}
	dec := yaml.NewDecoder(fh)
	dec.KnownFields(true)
	if err := dec.Decode(&fr); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, fmt.Errorf("%w: %s is empty", ErrMalformed, fname)
		}
		return Record{}, fmt.Errorf("%w: %s: %v", ErrMalformed, fname, err)
	}

	rec, err := fr.record(scanID)
	if err != nil {
		return Record{}, fmt.Errorf("%s: %w", fname, err)
	}
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}
	log.Printf("[DEBUG] metadata for scan %s loaded from %s", scanID, fname)
	return rec, nil
}

func (l FileLoader) String() string {
	return "file:" + l.Dir
}

func (fr fileRecord) record(scanID string) (Record, error) {
	missing := func(name string) error { return fmt.Errorf("%w: %s is missing", ErrMalformed, name) }

	rec := Record{ScanID: scanID, ScanType: fr.ScanType, Detector: fr.Detector, Points: fr.Points, IC: fr.IC}
	switch {
	case fr.XrayEnergyKeV != nil:
		rec.XrayEnergyKeV = *fr.XrayEnergyKeV
	case fr.LambdaNM != nil && *fr.LambdaNM > 0:
		rec.XrayEnergyKeV = hcKeVnm / *fr.LambdaNM
	default:
		return Record{}, missing("xray_energy_kev or lambda_nm")
	}

	ints := []struct {
		name string
		src  *int
		dst  *int
	}{{"nx", fr.Nx, &rec.Nx}, {"ny", fr.Ny, &rec.Ny}, {"nz", fr.Nz, &rec.Nz}}
	for _, v := range ints {
		if v.src == nil {
			return Record{}, missing(v.name)
		}
		*v.dst = *v.src
	}

	floats := []struct {
		name string
		src  *float64
		dst  *float64
	}{
		{"z_m", fr.DistanceM, &rec.DistanceM}, {"dr_x", fr.DrX, &rec.DrX}, {"dr_y", fr.DrY, &rec.DrY},
		{"x_range", fr.XRange, &rec.XRange}, {"y_range", fr.YRange, &rec.YRange},
		{"ccd_pixel_um", fr.CCDPixelUm, &rec.CCDPixelUm},
	}
	for _, v := range floats {
		if v.src == nil {
			return Record{}, missing(v.name)
		}
		*v.dst = *v.src
	}

	rec.Angle = defaultAngle
	if fr.Angle != nil {
		rec.Angle = *fr.Angle
	} else {
		log.Printf("[WARN] angle not found for scan %s, assuming %v", scanID, defaultAngle)
	}
	return rec, nil
}
