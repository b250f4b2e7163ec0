// Package request contains request types for job event handlers
package request

import (
	"time"

	"github.com/bsmind/dpc/app/progress"
)

// OnJobStart contains parameters for job start event
type OnJobStart struct {
	JobID      string
	ScanID     string
	BatchID    string
	WorkDir    string
	Iterations int
	StartTime  time.Time
}

// OnJobProgress contains parameters for job progress event
type OnJobProgress struct {
	JobID     string
	ScanID    string
	Iteration int
	Metric    float64
	Snapshot  *progress.Snapshot // set on preview iterations when artifacts are readable
}

// OnJobComplete contains parameters for job completion event
type OnJobComplete struct {
	JobID     string
	ScanID    string
	BatchID   string
	State     string
	StartTime time.Time
	EndTime   time.Time
	ExitCode  int
	Iteration int
	Output    string
	Err       error
}

// OnBatchComplete contains parameters for batch completion event
type OnBatchComplete struct {
	BatchID   string
	State     string // complete or aborted
	Processed int
	Failed    []string
	StartTime time.Time
	EndTime   time.Time
}
