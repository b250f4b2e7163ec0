package job

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"github.com/bsmind/dpc/app/param"
)

// commandData is available to worker command template, i.e. "mpirun -n {{.Processes}} recon {{.Config}}"
type commandData struct {
	Config     string // snapshot file
	Scan       string
	WorkDir    string
	Processes  int
	GPUs       string // comma separated gpu indices
	MPIFile    string
	Iterations int
}

// expandCommand makes worker command line for the parameter set
func expandCommand(cmdTemplate, snapshot string, p param.Param) (string, error) {
	gpus := make([]string, 0, len(p.GPUs))
	for _, g := range p.GPUs {
		gpus = append(gpus, strconv.Itoa(g))
	}
	data := commandData{
		Config:     snapshot,
		Scan:       p.ScanNum,
		WorkDir:    p.WorkingDirectory,
		Processes:  p.Workers(),
		GPUs:       strings.Join(gpus, ","),
		MPIFile:    p.MPIFilePath,
		Iterations: p.NIterations,
	}

	tmpl, err := template.New("worker").Funcs(template.FuncMap{"quote": shellQuote}).Parse(cmdTemplate)
	if err != nil {
		return "", fmt.Errorf("can't parse worker command %q: %w", cmdTemplate, err)
	}
	buf := bytes.Buffer{}
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("can't make worker command from %q: %w", cmdTemplate, err)
	}
	res := strings.TrimSpace(buf.String())
	if res == "" {
		return "", fmt.Errorf("empty worker command from %q", cmdTemplate)
	}
	return res, nil
}

// shellQuote makes a single word for sh, i.e. /data/my scan -> '/data/my scan'
func shellQuote(v any) string {
	s := fmt.Sprint(v)
	if s != "" && strings.Trim(s, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_-./,:=@%+") == "" {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
