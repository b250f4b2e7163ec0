package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	log "github.com/go-pkgz/lgr"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver
)

// Shard is a catalog database serving scans up to MaxScan inclusive
type Shard struct {
	MaxScan int // math.MaxInt for the last shard
	DSN     string
}

// ParseShards parses "max:dsn" definitions, "*:dsn" for the open-ended shard
func ParseShards(defs []string) ([]Shard, error) {
	res := make([]Shard, 0, len(defs))
	for _, def := range defs {
		limit, dsn, ok := strings.Cut(strings.TrimSpace(def), ":")
		if !ok || dsn == "" {
			return nil, fmt.Errorf("bad catalog definition %q, expected max:dsn", def)
		}
		shard := Shard{MaxScan: math.MaxInt, DSN: dsn}
		if limit != "*" {
			n, err := strconv.Atoi(limit)
			if err != nil {
				return nil, fmt.Errorf("bad scan limit in catalog definition %q: %w", def, err)
			}
			shard.MaxScan = n
		}
		res = append(res, shard)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].MaxScan < res[j].MaxScan })
	return res, nil
}

// CatalogLoader reads scan metadata from sharded sqlite catalogs. The shard is picked by scan id.
type CatalogLoader struct {
	shards   []Shard
	detector string

	lock sync.Mutex
	dbs  map[string]*sqlx.DB
}

type catalogScan struct {
	ScanID        int             `db:"scan_id"`
	XrayEnergyKeV sql.NullFloat64 `db:"xray_energy_kev"`
	DistanceM     sql.NullFloat64 `db:"z_m"`
	Nx            sql.NullInt64   `db:"nx"`
	Ny            sql.NullInt64   `db:"ny"`
	DrX           sql.NullFloat64 `db:"dr_x"`
	DrY           sql.NullFloat64 `db:"dr_y"`
	XRange        sql.NullFloat64 `db:"x_range"`
	YRange        sql.NullFloat64 `db:"y_range"`
	Angle         sql.NullFloat64 `db:"angle"`
	ScanType      sql.NullString  `db:"scan_type"`
	CCDPixelUm    sql.NullFloat64 `db:"ccd_pixel_um"`
}

type catalogPosition struct {
	X  float64 `db:"x"`
	Y  float64 `db:"y"`
	IC float64 `db:"ic"`
}

// NewCatalogLoader makes loader for shards. Preferred detector used if the scan has it.
func NewCatalogLoader(shards []Shard, detector string) *CatalogLoader {
	sorted := append([]Shard{}, shards...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MaxScan < sorted[j].MaxScan })
	return &CatalogLoader{shards: sorted, detector: detector, dbs: map[string]*sqlx.DB{}}
}

// Load reads metadata of the scan
func (l *CatalogLoader) Load(ctx context.Context, scanID string) (Record, error) {
	id, err := strconv.Atoi(scanID)
	if err != nil {
		return Record{}, fmt.Errorf("%w: bad scan id %q", ErrMalformed, scanID)
	}
	shard, ok := l.shard(id)
	if !ok {
		return Record{}, fmt.Errorf("%w: no catalog for scan %d", ErrNotFound, id)
	}
	db, err := l.connect(ctx, shard.DSN)
	if err != nil {
		return Record{}, err
	}

	cs := catalogScan{}
	err = db.GetContext(ctx, &cs, `SELECT scan_id, xray_energy_kev, z_m, nx, ny, dr_x, dr_y, x_range, y_range,
		angle, scan_type, ccd_pixel_um FROM scans WHERE scan_id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: scan %d in %s", ErrNotFound, id, shard.DSN)
	}
	if err != nil {
		return Record{}, fmt.Errorf("%w: can't query scan %d: %w", ErrUnavailable, id, err)
	}

	rec, err := cs.record()
	if err != nil {
		return Record{}, err
	}

	if rec.Detector, err = l.pickDetector(ctx, db, id); err != nil {
		return Record{}, err
	}

	var frames []string
	err = db.SelectContext(ctx, &frames, "SELECT datum FROM frames WHERE scan_id = ? AND detector = ? ORDER BY frame",
		id, rec.Detector)
	if err != nil {
		return Record{}, fmt.Errorf("%w: can't query frames of scan %d: %w", ErrUnavailable, id, err)
	}
	rec.Frames, rec.Nz = frames, len(frames)

	var positions []catalogPosition
	if err = db.SelectContext(ctx, &positions, "SELECT x, y, ic FROM positions WHERE scan_id = ? ORDER BY idx", id); err != nil {
		return Record{}, fmt.Errorf("%w: can't query positions of scan %d: %w", ErrUnavailable, id, err)
	}
	for _, p := range positions {
		rec.Points = append(rec.Points, [2]float64{p.X, p.Y})
		rec.IC = append(rec.IC, p.IC)
	}

	if err := rec.Validate(); err != nil {
		return Record{}, err
	}
	log.Printf("[DEBUG] metadata for scan %d loaded from %s, detector %s, %d frames", id, shard.DSN, rec.Detector, rec.Nz)
	return rec, nil
}

// Close closes all opened catalogs
func (l *CatalogLoader) Close() error {
	l.lock.Lock()
	defer l.lock.Unlock()
	var errs []error
	for dsn, db := range l.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("can't close %s: %w", dsn, err))
		}
		delete(l.dbs, dsn)
	}
	return errors.Join(errs...)
}

func (l *CatalogLoader) String() string {
	dsns := make([]string, 0, len(l.shards))
	for _, s := range l.shards {
		dsns = append(dsns, s.DSN)
	}
	return "catalog:" + strings.Join(dsns, ",")
}

func (l *CatalogLoader) shard(id int) (Shard, bool) {
	for _, s := range l.shards {
		if id <= s.MaxScan {
			return s, true
		}
	}
	return Shard{}, false
}

func (l *CatalogLoader) connect(ctx context.Context, dsn string) (*sqlx.DB, error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	if db, ok := l.dbs[dsn]; ok {
		return db, nil
	}

	// sqlite makes an empty database for a missing file, catalog is never created here
	if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		if _, err := os.Stat(dsn); errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: catalog %s doesn't exist", ErrUnavailable, dsn)
		}
	}

	db, err := sqlx.ConnectContext(ctx, "sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: can't connect to %s: %w", ErrUnavailable, dsn, err)
	}
	l.dbs[dsn] = db
	return db, nil
}

func (l *CatalogLoader) pickDetector(ctx context.Context, db *sqlx.DB, id int) (string, error) {
	var names []string
	if err := db.SelectContext(ctx, &names, "SELECT name FROM detectors WHERE scan_id = ? ORDER BY position", id); err != nil {
		return "", fmt.Errorf("%w: can't query detectors of scan %d: %w", ErrUnavailable, id, err)
	}
	if len(names) == 0 {
		return "", fmt.Errorf("%w: scan %d has no detectors", ErrMalformed, id)
	}
	for _, name := range names {
		if name == l.detector {
			return name, nil
		}
	}
	if l.detector != "" {
		log.Printf("[INFO] detector %s not recorded for scan %d, using %s", l.detector, id, names[0])
	}
	return names[0], nil
}

func (cs catalogScan) record() (Record, error) {
	id := strconv.Itoa(cs.ScanID)
	if !cs.XrayEnergyKeV.Valid || !cs.Nx.Valid || !cs.Ny.Valid {
		return Record{}, fmt.Errorf("%w: scan %s, energy or frame size is missing", ErrMalformed, id)
	}
	rec := Record{
		ScanID:        id,
		XrayEnergyKeV: cs.XrayEnergyKeV.Float64,
		DistanceM:     defaultDistanceM,
		Nx:            int(cs.Nx.Int64),
		Ny:            int(cs.Ny.Int64),
		DrX:           cs.DrX.Float64,
		DrY:           cs.DrY.Float64,
		XRange:        cs.XRange.Float64,
		YRange:        cs.YRange.Float64,
		Angle:         defaultAngle,
		ScanType:      cs.ScanType.String,
		CCDPixelUm:    cs.CCDPixelUm.Float64,
	}
	if cs.DistanceM.Valid {
		rec.DistanceM = cs.DistanceM.Float64
	} else {
		log.Printf("[DEBUG] detector distance unavailable for scan %s, assuming %vm", id, defaultDistanceM)
	}
	if cs.Angle.Valid {
		rec.Angle = cs.Angle.Float64
	} else {
		log.Printf("[WARN] angle not found for scan %s, assuming %v", id, defaultAngle)
	}
	return rec, nil
}
