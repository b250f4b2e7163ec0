// Package batch runs a list of scans one job at a time. The list comes from a range
// expression like "5,10-14", probe and object seeds may be taken from previous results.
package batch

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// ErrInvalidBatchSpec returned for malformed range expression or seed templates
var ErrInvalidBatchSpec = errors.New("invalid batch spec")

// MaxScans limits number of scans in a single batch
const MaxScans = 100000

// Queue of scan ids, kept in descending order and consumed from the end
type Queue struct {
	items []int
}

// ParseRange makes queue from comma separated scan ids and inclusive ranges, i.e. "5,10-14".
// Step applies to ranges only. Duplicates are removed.
func ParseRange(expr string, step int) (Queue, error) {
	if strings.TrimSpace(expr) == "" {
		return Queue{}, fmt.Errorf("%w: no scans given", ErrInvalidBatchSpec)
	}
	if step < 1 {
		return Queue{}, fmt.Errorf("%w: step must be positive, got %d", ErrInvalidBatchSpec, step)
	}

	seen := map[int]bool{}
	for item := range strings.SplitSeq(expr, ",") {
		item = strings.TrimSpace(item)
		from, to, isRange := strings.Cut(item, "-")
		first, err := parseScan(from, expr)
		if err != nil {
			return Queue{}, err
		}
		if !isRange {
			seen[first] = true
			if len(seen) > MaxScans {
				return Queue{}, fmt.Errorf("%w: more than %d scans", ErrInvalidBatchSpec, MaxScans)
			}
			continue
		}
		last, err := parseScan(to, expr)
		if err != nil {
			return Queue{}, err
		}
		if last < first {
			return Queue{}, fmt.Errorf("%w: reversed range %q", ErrInvalidBatchSpec, item)
		}
		if (last-first)/step+1 > MaxScans {
			return Queue{}, fmt.Errorf("%w: range %q has more than %d scans", ErrInvalidBatchSpec, item, MaxScans)
		}
		for id := first; ; id += step {
			seen[id] = true
			if id > last-step {
				break
			}
		}
		if len(seen) > MaxScans {
			return Queue{}, fmt.Errorf("%w: more than %d scans", ErrInvalidBatchSpec, MaxScans)
		}
	}

	res := Queue{items: make([]int, 0, len(seen))}
	for id := range seen {
		res.items = append(res.items, id)
	}
	slices.Sort(res.items)
	slices.Reverse(res.items)
	return res, nil
}

func parseScan(s, expr string) (int, error) {
	id, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || id < 0 {
		return 0, fmt.Errorf("%w: bad scan id %q in %q", ErrInvalidBatchSpec, strings.TrimSpace(s), expr)
	}
	return id, nil
}

// Pop removes and returns the smallest remaining scan id
func (q *Queue) Pop() (string, bool) {
	if len(q.items) == 0 {
		return "", false
	}
	id := q.items[len(q.items)-1]
	q.items = q.items[:len(q.items)-1]
	return strconv.Itoa(id), true
}

// Len returns number of remaining scans
func (q Queue) Len() int {
	return len(q.items)
}

// Order returns remaining scans in processing order
func (q Queue) Order() []string {
	res := make([]string, 0, len(q.items))
	for i := len(q.items) - 1; i >= 0; i-- {
		res = append(res, strconv.Itoa(q.items[i]))
	}
	return res
}

// Clear drops remaining scans
func (q *Queue) Clear() {
	q.items = nil
}
