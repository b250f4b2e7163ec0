package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/bsmind/dpc/app/service/request"
)

// ErrNotFound returned when a run is not recorded
var ErrNotFound = errors.New("run not found")

const opTimeout = 5 * time.Second

// Run is a single recorded job
type Run struct {
	ID            string
	ScanID        string
	BatchID       string
	WorkDir       string
	State         string // running until the job completes
	StartedAt     time.Time
	FinishedAt    time.Time
	ExitCode      int
	Iterations    int // requested
	LastIteration int
	Error         string
}

// Metric is the value reported by the worker for an iteration
type Metric struct {
	Iteration int     `db:"iteration"`
	Value     float64 `db:"metric"`
}

// Batch is a recorded batch outcome
type Batch struct {
	ID         string
	State      string
	Processed  int
	Failed     []string
	StartedAt  time.Time
	FinishedAt time.Time
}

type runRow struct {
	ID            string        `db:"id"`
	ScanID        string        `db:"scan_id"`
	BatchID       string        `db:"batch_id"`
	WorkDir       string        `db:"work_dir"`
	State         string        `db:"state"`
	StartedAt     int64         `db:"started_at"`
	FinishedAt    sql.NullInt64 `db:"finished_at"`
	ExitCode      int           `db:"exit_code"`
	Iterations    int           `db:"iterations"`
	LastIteration int           `db:"last_iteration"`
	Error         string        `db:"error"`
}

type batchRow struct {
	ID         string `db:"id"`
	State      string `db:"state"`
	Processed  int    `db:"processed"`
	Failed     string `db:"failed"`
	StartedAt  int64  `db:"started_at"`
	FinishedAt int64  `db:"finished_at"`
}

// Store implements run history using SQLite
type Store struct {
	db *sqlx.DB
}

// NewStore opens database, enables WAL and creates schema. Missing parent directory is created.
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to make database directory: %w", err)
	}
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to set WAL mode: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			scan_id TEXT NOT NULL,
			batch_id TEXT DEFAULT '',
			work_dir TEXT DEFAULT '',
			state TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER,
			exit_code INTEGER DEFAULT 0,
			iterations INTEGER DEFAULT 0,
			last_iteration INTEGER DEFAULT 0,
			error TEXT DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS metrics (
			run_id TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			metric REAL,
			PRIMARY KEY (run_id, iteration),
			FOREIGN KEY (run_id) REFERENCES runs(id)
		)`,
		`CREATE TABLE IF NOT EXISTS batches (
			id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			processed INTEGER DEFAULT 0,
			failed TEXT DEFAULT '',
			started_at INTEGER,
			finished_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_scan_id ON runs(scan_id)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

// OnJobStart records a new run
func (s *Store) OnJobStart(req request.OnJobStart) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO runs (id, scan_id, batch_id, work_dir, state, started_at,
		iterations) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		req.JobID, req.ScanID, req.BatchID, req.WorkDir, "running", req.StartTime.UnixMilli(), req.Iterations)
	if err != nil {
		log.Printf("[WARN] failed to record start of job %s: %v", req.JobID, err)
	}
}

// OnJobProgress records metric of the iteration
func (s *Store) OnJobProgress(req request.OnJobProgress) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, "INSERT OR REPLACE INTO metrics (run_id, iteration, metric) VALUES (?, ?, ?)",
		req.JobID, req.Iteration, req.Metric)
	if err != nil {
		log.Printf("[WARN] failed to record progress of job %s: %v", req.JobID, err)
	}
}

// OnJobComplete records terminal state of the run
func (s *Store) OnJobComplete(req request.OnJobComplete) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	errMsg := ""
	if req.Err != nil {
		errMsg = req.Err.Error()
	}
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET state = ?, finished_at = ?, exit_code = ?, last_iteration = ?,
		error = ? WHERE id = ?`, req.State, req.EndTime.UnixMilli(), req.ExitCode, req.Iteration, errMsg, req.JobID)
	if err != nil {
		log.Printf("[WARN] failed to record completion of job %s: %v", req.JobID, err)
		return
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		log.Printf("[WARN] no start recorded for job %s", req.JobID)
	}
}

// OnBatchComplete records batch outcome
func (s *Store) OnBatchComplete(req request.OnBatchComplete) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO batches (id, state, processed, failed, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)`, req.BatchID, req.State, req.Processed, strings.Join(req.Failed, ","),
		req.StartTime.UnixMilli(), req.EndTime.UnixMilli())
	if err != nil {
		log.Printf("[WARN] failed to record batch %s: %v", req.BatchID, err)
	}
}

// Recent returns up to n runs, newest first
func (s *Store) Recent(ctx context.Context, n int) ([]Run, error) {
	rows := []runRow{}
	err := s.db.SelectContext(ctx, &rows, `SELECT id, scan_id, batch_id, work_dir, state, started_at, finished_at,
		exit_code, iterations, last_iteration, error FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	res := make([]Run, 0, len(rows))
	for _, r := range rows {
		res = append(res, r.run())
	}
	return res, nil
}

// Get returns the run by id
func (s *Store) Get(ctx context.Context, id string) (Run, error) {
	row := runRow{}
	err := s.db.GetContext(ctx, &row, `SELECT id, scan_id, batch_id, work_dir, state, started_at, finished_at,
		exit_code, iterations, last_iteration, error FROM runs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Run{}, fmt.Errorf("failed to query run %s: %w", id, err)
	}
	return row.run(), nil
}

// Metrics returns metrics of the run ordered by iteration
func (s *Store) Metrics(ctx context.Context, runID string) ([]Metric, error) {
	res := []Metric{}
	err := s.db.SelectContext(ctx, &res, "SELECT iteration, metric FROM metrics WHERE run_id = ? ORDER BY iteration", runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics of %s: %w", runID, err)
	}
	return res, nil
}

// Batches returns up to n batches, newest first
func (s *Store) Batches(ctx context.Context, n int) ([]Batch, error) {
	rows := []batchRow{}
	err := s.db.SelectContext(ctx, &rows, `SELECT id, state, processed, failed, started_at, finished_at FROM batches
		ORDER BY started_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	res := make([]Batch, 0, len(rows))
	for _, r := range rows {
		b := Batch{ID: r.ID, State: r.State, Processed: r.Processed, StartedAt: time.UnixMilli(r.StartedAt),
			FinishedAt: time.UnixMilli(r.FinishedAt)}
		if r.Failed != "" {
			b.Failed = strings.Split(r.Failed, ",")
		}
		res = append(res, b)
	}
	return res, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (r runRow) run() Run {
	res := Run{ID: r.ID, ScanID: r.ScanID, BatchID: r.BatchID, WorkDir: r.WorkDir, State: r.State,
		StartedAt: time.UnixMilli(r.StartedAt), ExitCode: r.ExitCode, Iterations: r.Iterations,
		LastIteration: r.LastIteration, Error: r.Error}
	if r.FinishedAt.Valid {
		res.FinishedAt = time.UnixMilli(r.FinishedAt.Int64)
	}
	return res
}
