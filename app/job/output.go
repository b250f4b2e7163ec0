package job

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
)

const (
	prefixLabelMaxLen = 16
	prefixCutSuffix   = "..."
)

// OutputTail keeps the last lines of worker output. Thread safe.
type OutputTail struct {
	maxLines int
	lines    []string
	mu       sync.Mutex
}

// NewOutputTail makes io.Writer keeping up to maxLines last lines, 0 disables capture
func NewOutputTail(maxLines int) *OutputTail {
	return &OutputTail{maxLines: maxLines}
}

// Write splits data to lines and keeps the last ones
func (o *OutputTail) Write(p []byte) (int, error) {
	if o.maxLines <= 0 {
		return len(p), nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for line := range bytes.SplitSeq(p, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if len(o.lines) >= o.maxLines {
			o.lines = o.lines[1:]
		}
		o.lines = append(o.lines, string(line))
	}
	return len(p), nil
}

// String returns kept lines joined by new line
func (o *OutputTail) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return strings.Join(o.lines, "\n")
}

// LogPrefixer adds "{label} " to each line written to the underlying writer. Thread safe.
type LogPrefixer struct {
	writer io.Writer
	prefix []byte
	mu     sync.Mutex
}

// NewLogPrefixer makes prefixer for label, long labels are cut
func NewLogPrefixer(writer io.Writer, label string) *LogPrefixer {
	if len(label) > prefixLabelMaxLen {
		label = label[:prefixLabelMaxLen] + prefixCutSuffix
	}
	return &LogPrefixer{writer: writer, prefix: []byte(fmt.Sprintf("{%s} ", label))}
}

func (p *LogPrefixer) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	reader := bufio.NewReader(bytes.NewReader(data))
	written := 0
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if _, werr := p.writer.Write(p.prefix); werr != nil {
				return written, werr
			}
			n, werr := p.writer.Write(line)
			written += n
			if werr != nil {
				return written, werr
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}

// syncWriter serializes writes of stdout and stderr copiers
type syncWriter struct {
	w  io.Writer
	mu sync.Mutex
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
