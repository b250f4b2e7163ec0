package job

import (
	"fmt"
	"strconv"
	"strings"
)

// progressPrefix marks worker stdout lines reporting a finished iteration, i.e. "[PROGRESS] 12 0.0153"
const progressPrefix = "[PROGRESS]"

// Progress reported by the worker
type Progress struct {
	Iteration int
	Metric    float64
}

// ParseProgress parses a worker output line. Returns false for regular output lines.
func ParseProgress(line string) (Progress, bool, error) {
	rest, found := strings.CutPrefix(strings.TrimSpace(line), progressPrefix)
	if !found {
		return Progress{}, false, nil
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 || len(fields) > 2 {
		return Progress{}, true, fmt.Errorf("bad progress line %q", line)
	}
	it, err := strconv.Atoi(fields[0])
	if err != nil || it < 1 {
		return Progress{}, true, fmt.Errorf("bad iteration in progress line %q", line)
	}
	res := Progress{Iteration: it}
	if len(fields) == 2 {
		if res.Metric, err = strconv.ParseFloat(fields[1], 64); err != nil {
			return Progress{}, true, fmt.Errorf("bad metric in progress line %q", line)
		}
	}
	return res, true, nil
}
