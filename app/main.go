package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	ntf "github.com/go-pkgz/notify"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/robfig/cron/v3"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/bsmind/dpc/app/batch"
	"github.com/bsmind/dpc/app/conditions"
	"github.com/bsmind/dpc/app/job"
	"github.com/bsmind/dpc/app/metadata"
	"github.com/bsmind/dpc/app/notify"
	"github.com/bsmind/dpc/app/param"
	"github.com/bsmind/dpc/app/persistence"
	"github.com/bsmind/dpc/app/reclaim"
	"github.com/bsmind/dpc/app/service"
	"github.com/bsmind/dpc/app/service/request"
)

var opts struct {
	Params     string `short:"p" long:"params" env:"PARAMS" description:"parameter file, [GUI] format"`
	Scan       string `short:"s" long:"scan" env:"SCAN" description:"scan to reconstruct"`
	WorkDir    string `short:"w" long:"workdir" env:"WORKDIR" description:"working directory, overrides parameter file"`
	Iterations int    `short:"n" long:"iterations" env:"ITERATIONS" description:"number of iterations, overrides parameter file"`
	Export     string `long:"export" env:"EXPORT" description:"write effective parameters to file and exit"`
	Reclaim    string `long:"reclaim" env:"RECLAIM" default:"~/.dpc/jobs" description:"location of job markers"`

	Worker struct {
		Command     string `long:"command" env:"COMMAND" default:"mpirun -n {{.Processes}} recon_ptycho_gui {{quote .Config}}" description:"worker command template"`
		Snapshot    string `long:"snapshot" env:"SNAPSHOT" default:"/tmp/ptycho_gui_config" description:"parameter snapshot read by the worker"`
		LogPrefix   bool   `long:"log-prefix" env:"LOG_PREFIX" description:"prefix worker output with scan"`
		MaxLogLines int    `long:"max-log" env:"MAX_LOG" default:"100" description:"max number of worker output lines kept"`
	} `group:"worker" namespace:"worker" env-namespace:"WORKER"`

	Batch struct {
		Range  string `long:"range" env:"RANGE" description:"scans to process, i.e. 100-110,120"`
		Step   int    `long:"step" env:"STEP" default:"1" description:"step of scan ranges"`
		Probe  string `long:"probe" env:"PROBE" description:"probe seed template with * for scan, i.e. S*_t1_probe.npy"`
		Object string `long:"object" env:"OBJECT" description:"object seed template with * for scan"`
		At     string `long:"at" env:"AT" description:"cron expression, batch starts at the next matching time"`
	} `group:"batch" namespace:"batch" env-namespace:"BATCH"`

	Metadata struct {
		Dir      string   `long:"dir" env:"DIR" description:"directory with scan_<id>.yaml files"`
		Catalog  []string `long:"catalog" env:"CATALOG" env-delim:";" description:"catalog shard max_scan:dsn, *:dsn for the last one"`
		Detector string   `long:"detector" env:"DETECTOR" description:"preferred detector"`
	} `group:"metadata" namespace:"metadata" env-namespace:"METADATA"`

	Repeater struct {
		Attempts int           `long:"attempts" env:"ATTEMPTS" default:"3" description:"how many times to retry metadata fetch"`
		Duration time.Duration `long:"duration" env:"DURATION" default:"1s" description:"initial duration"`
		Factor   float64       `long:"factor" env:"FACTOR" default:"3" description:"backoff factor"`
		Jitter   bool          `long:"jitter" env:"JITTER" description:"jitter"`
	} `group:"repeater" namespace:"repeater" env-namespace:"REPEATER"`

	Conditions struct {
		CPUBelow      int     `long:"cpu-below" env:"CPU_BELOW" description:"max cpu usage percent to launch"`
		MemoryBelow   int     `long:"mem-below" env:"MEM_BELOW" description:"max memory usage percent to launch"`
		LoadAvgBelow  float64 `long:"load-below" env:"LOAD_BELOW" description:"max 1 minute load average to launch"`
		DiskFreeAbove int     `long:"disk-free-above" env:"DISK_FREE_ABOVE" description:"min free disk percent to launch"`
		DiskFreePath  string  `long:"disk-path" env:"DISK_PATH" description:"disk to check, working directory by default"`
		Custom        string  `long:"custom" env:"CUSTOM" description:"shell command, launch allowed on exit code 0"`
	} `group:"conditions" namespace:"conditions" env-namespace:"CONDITIONS"`

	Notify struct {
		EnabledError       bool          `long:"enabled-error" env:"ENABLED_ERROR" description:"enable notifications on failed jobs"`
		EnabledCompletion  bool          `long:"enabled-complete" env:"ENABLED_COMPLETE" description:"enable batch completion notifications"`
		SMTPHost           string        `long:"smtp-host" env:"SMTP_HOST" description:"SMTP host"`
		SMTPPort           int           `long:"smtp-port" env:"SMTP_PORT" default:"25" description:"SMTP port"`
		SMTPUsername       string        `long:"smtp-username" env:"SMTP_USERNAME" description:"SMTP user name"`
		SMTPPassword       string        `long:"smtp-password" env:"SMTP_PASSWORD" description:"SMTP password"`
		SMTPTLS            bool          `long:"smtp-tls" env:"SMTP_TLS" description:"enable SMTP TLS"`
		SMTPTimeOut        time.Duration `long:"smtp-timeout" env:"SMTP_TIMEOUT" default:"10s" description:"SMTP TCP connection timeout"`
		FromEmail          string        `long:"from" env:"FROM" description:"SMTP from email"`
		ToEmails           []string      `long:"to" env:"TO" description:"SMTP to email(s)" env-delim:","`
		Webhooks           []string      `long:"webhook" env:"WEBHOOK" description:"webhook url(s)" env-delim:","`
		ErrorTemplate      string        `long:"err-template" env:"ERR_TEMPLATE" description:"failure message template file"`
		CompletionTemplate string        `long:"complete-template" env:"COMPLETE_TEMPLATE" description:"completion message template file"`
		HostName           string        `long:"host" env:"HOSTNAME" description:"host name running dpc"`
	} `group:"notify" namespace:"notify" env-namespace:"NOTIFY"`

	History struct {
		Config string `long:"config" env:"CONFIG" description:"config history file, restored on start"`
		DB     string `long:"db" env:"DB" default:"~/.dpc/history.db" description:"run history database"`
		Show   int    `long:"show" env:"SHOW" description:"print N recent runs and exit"`
	} `group:"history" namespace:"history" env-namespace:"HISTORY"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable logging to file"`
		Filename        string `long:"filename" env:"FILENAME" default:"dpc.log" description:"log file name"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max log file size in megabytes"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"max number of old log files"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"max days to keep old log files"`
		EnabledCompress bool   `long:"enabled-compress" env:"ENABLED_COMPRESS" description:"compress rotated log files"`
	} `group:"log" namespace:"log" env-namespace:"LOG"`

	Dbg bool `long:"dbg" env:"DEBUG" description:"debug mode"`
}

var revision = "unknown"

func main() {
	fmt.Printf("dpc %s\n", revision)

	p := flags.NewParser(&opts, flags.Default)
	p.NamespaceDelimiter = "."
	p.EnvNamespace = "DPC"
	if _, err := p.Parse(); err != nil {
		os.Exit(2)
	}
	logWriter := setupLogs()

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT and SIGTERM

	if err := run(ctx, logWriter); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logWriter io.Writer) error {
	if opts.History.Show > 0 {
		return showHistory(ctx, os.Stdout, opts.History.Show)
	}

	params, imported, err := makeParams()
	if err != nil {
		return err
	}
	if opts.Export != "" {
		if err := param.Export(expandHome(opts.Export), params); err != nil {
			return err
		}
		log.Printf("[INFO] parameters exported to %s", opts.Export)
		return nil
	}
	if opts.Scan == "" && opts.Batch.Range == "" && imported == "" {
		return errors.New("nothing to do, scan, batch range or parameter file is required")
	}

	loader, err := makeLoader()
	if err != nil {
		return err
	}
	if c, ok := loader.(io.Closer); ok {
		defer c.Close()
	}

	reclaimer := reclaim.New(expandHome(opts.Reclaim))
	reporter := &eventsReporter{}
	handlers := multiHandler{reporter}
	if opts.History.DB != "" {
		store, err := persistence.NewStore(expandHome(opts.History.DB))
		if err != nil {
			return fmt.Errorf("can't open run history: %w", err)
		}
		defer store.Close()
		handlers = append(handlers, store)
	}

	orch := &service.Orchestrator{
		Params: params,
		Handle: &job.Handle{
			SnapshotPath:    expandHome(opts.Worker.Snapshot),
			Command:         opts.Worker.Command,
			Stdout:          logWriter,
			EnableLogPrefix: opts.Worker.LogPrefix,
			MaxLogLines:     opts.Worker.MaxLogLines,
			ResetArtifacts:  reclaimer.Sweep,
		},
		Loader: loader,
		Repeater: repeater.New(&strategy.Backoff{Repeats: opts.Repeater.Attempts, Duration: opts.Repeater.Duration,
			Factor: opts.Repeater.Factor, Jitter: opts.Repeater.Jitter}),
		Reclaimer:          reclaimer,
		ReclaimConcurrency: 4,
		Notifier:           makeNotifier(),
		JobEventHandler:    handlers,
		HostName:           makeHostName(),
		Oneshot:            true,
	}
	if cc := makeConditions(); !cc.Empty() {
		orch.ConditionChecker = conditions.NewChecker(cc, 1)
	}
	if opts.History.Config != "" {
		orch.History = &param.History{Path: expandHome(opts.History.Config)}
	}

	doCtx, doCancel := context.WithCancel(ctx)
	defer doCancel()
	doErr := make(chan error, 1)
	go func() { doErr <- orch.Do(doCtx) }()

	if err := submit(ctx, orch, imported); err != nil {
		doCancel()
		<-doErr
		return err
	}

	if err := <-doErr; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if n := reporter.Failed(); n > 0 {
		return fmt.Errorf("%d job(s) failed", n)
	}
	return nil
}

// submit sends work to the orchestrator, a batch if range is set, a single job otherwise
func submit(ctx context.Context, orch *service.Orchestrator, imported string) error {
	if opts.Batch.Range != "" {
		if err := waitSchedule(ctx, opts.Batch.At, time.Now()); err != nil {
			return err
		}
		seeds := batch.Seeds{Probe: opts.Batch.Probe, Object: opts.Batch.Object}
		id, err := orch.StartBatch(ctx, opts.Batch.Range, opts.Batch.Step, seeds)
		if err != nil {
			return fmt.Errorf("can't start batch: %w", err)
		}
		log.Printf("[INFO] batch %s submitted, scans %s", id, opts.Batch.Range)
		return nil
	}

	if imported != "" {
		if err := orch.Import(ctx, imported); err != nil {
			return err
		}
	}
	if opts.Scan != "" && opts.Scan != imported {
		if err := orch.Load(ctx, opts.Scan); err != nil {
			return err
		}
	}
	id, err := orch.Start(ctx, opts.Scan)
	if err != nil {
		return fmt.Errorf("can't start job: %w", err)
	}
	log.Printf("[INFO] job %s submitted", id)
	return nil
}

// makeParams builds base parameter set from history, parameter file and overrides.
// Returns scan of the parameter file if it was imported.
func makeParams() (res param.Param, imported string, err error) {
	res = param.Default()
	if opts.History.Config != "" {
		h := param.History{Path: expandHome(opts.History.Config)}
		if res, _, err = h.Retrieve(res); err != nil {
			log.Printf("[WARN] %v", err)
		}
	}
	if opts.Params != "" {
		if res, err = param.Import(expandHome(opts.Params), res); err != nil {
			return res, "", err
		}
		imported = res.ScanNum
	}
	if opts.WorkDir != "" {
		res.WorkingDirectory = expandHome(opts.WorkDir)
	}
	if opts.Iterations > 0 {
		res.NIterations = opts.Iterations
	}
	if opts.Scan != "" {
		res.ScanNum = opts.Scan
	}
	return res, imported, nil
}

func makeLoader() (service.MetadataLoader, error) {
	if len(opts.Metadata.Catalog) > 0 {
		shards, err := metadata.ParseShards(opts.Metadata.Catalog)
		if err != nil {
			return nil, err
		}
		return metadata.NewCatalogLoader(shards, opts.Metadata.Detector), nil
	}
	dir := opts.Metadata.Dir
	if dir == "" {
		dir = "."
	}
	return metadata.FileLoader{Dir: expandHome(dir)}, nil
}

func makeConditions() conditions.Config {
	res := conditions.Config{DiskFreePath: opts.Conditions.DiskFreePath, Custom: opts.Conditions.Custom}
	if opts.Conditions.CPUBelow > 0 {
		res.CPUBelow = &opts.Conditions.CPUBelow
	}
	if opts.Conditions.MemoryBelow > 0 {
		res.MemoryBelow = &opts.Conditions.MemoryBelow
	}
	if opts.Conditions.LoadAvgBelow > 0 {
		res.LoadAvgBelow = &opts.Conditions.LoadAvgBelow
	}
	if opts.Conditions.DiskFreeAbove > 0 {
		res.DiskFreeAbove = &opts.Conditions.DiskFreeAbove
	}
	return res
}

func makeNotifier() *notify.Service {
	if !opts.Notify.EnabledError && !opts.Notify.EnabledCompletion {
		return nil
	}

	if opts.Notify.FromEmail == "" {
		opts.Notify.FromEmail = "dpc@" + makeHostName()
	}

	return notify.NewService(
		notify.Params{
			EnabledError:       opts.Notify.EnabledError,
			EnabledCompletion:  opts.Notify.EnabledCompletion,
			ErrorTemplate:      opts.Notify.ErrorTemplate,
			CompletionTemplate: opts.Notify.CompletionTemplate,
			Host:               makeHostName(),
		},
		notify.SendersParams{
			SMTPParams: ntf.SMTPParams{
				Host:        opts.Notify.SMTPHost,
				Port:        opts.Notify.SMTPPort,
				TLS:         opts.Notify.SMTPTLS,
				ContentType: "text/html",
				Username:    opts.Notify.SMTPUsername,
				Password:    opts.Notify.SMTPPassword,
				TimeOut:     opts.Notify.SMTPTimeOut,
			},
			FromEmail: opts.Notify.FromEmail,
			ToEmails:  opts.Notify.ToEmails,
			Webhooks:  opts.Notify.Webhooks,
		},
	)
}

func makeHostName() string {
	if opts.Notify.HostName != "" {
		return opts.Notify.HostName
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// waitSchedule blocks till the next time matching cron expression, no-op for empty expression
func waitSchedule(ctx context.Context, spec string, now time.Time) error {
	if spec == "" {
		return nil
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("can't parse batch schedule %q: %w", spec, err)
	}
	next := sched.Next(now)
	log.Printf("[INFO] batch scheduled at %s", next.Format(time.RFC3339))
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func showHistory(ctx context.Context, w io.Writer, n int) error {
	store, err := persistence.NewStore(expandHome(opts.History.DB))
	if err != nil {
		return fmt.Errorf("can't open run history: %w", err)
	}
	defer store.Close()

	runs, err := store.Recent(ctx, n)
	if err != nil {
		return err
	}
	for _, r := range runs {
		finished := "-"
		if !r.FinishedAt.IsZero() {
			finished = r.FinishedAt.Sub(r.StartedAt).Truncate(time.Second).String()
		}
		line := fmt.Sprintf("%s  scan %-8s %-9s %3d/%-3d %8s  %s", r.StartedAt.Format("2006-01-02 15:04:05"),
			r.ScanID, r.State, r.LastIteration, r.Iterations, finished, r.ID)
		if r.Error != "" {
			line += "  " + r.Error
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func expandHome(path string) string {
	rest, ok := strings.CutPrefix(path, "~")
	if !ok || (rest != "" && !strings.HasPrefix(rest, "/")) {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		log.Printf("[WARN] can't expand %s, %v", path, err)
		return path
	}
	return filepath.Join(home, rest)
}

func setupLogs() io.Writer {
	logOpts := []log.Option{log.Msec, log.LevelBraces}
	if opts.Dbg {
		logOpts = []log.Option{log.Debug, log.CallerFunc, log.Msec, log.LevelBraces}
	}

	var out io.Writer = os.Stdout
	if opts.Log.Enabled {
		out = &lumberjack.Logger{
			Filename:   opts.Log.Filename,
			MaxSize:    opts.Log.MaxSize,
			MaxBackups: opts.Log.MaxBackups,
			MaxAge:     opts.Log.MaxAge,
			Compress:   opts.Log.EnabledCompress,
		}
	}
	logOpts = append(logOpts, log.Out(out), log.Err(out))
	log.Setup(logOpts...)
	return out
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			log.Printf("[INFO] %s received, terminating", sig)
			cancel()
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
}

// multiHandler passes events to all handlers in order
type multiHandler []service.JobEventHandler

func (m multiHandler) OnJobStart(req request.OnJobStart) {
	for _, h := range m {
		h.OnJobStart(req)
	}
}

func (m multiHandler) OnJobProgress(req request.OnJobProgress) {
	for _, h := range m {
		h.OnJobProgress(req)
	}
}

func (m multiHandler) OnJobComplete(req request.OnJobComplete) {
	for _, h := range m {
		h.OnJobComplete(req)
	}
}

func (m multiHandler) OnBatchComplete(req request.OnBatchComplete) {
	for _, h := range m {
		h.OnBatchComplete(req)
	}
}

// eventsReporter logs job progress and counts failed jobs
type eventsReporter struct {
	lock   sync.Mutex
	failed int
}

func (r *eventsReporter) OnJobStart(req request.OnJobStart) {
	log.Printf("[INFO] reconstruction of scan %s started in %s, %d iterations", req.ScanID, req.WorkDir, req.Iterations)
}

func (r *eventsReporter) OnJobProgress(req request.OnJobProgress) {
	msg := fmt.Sprintf("[INFO] scan %s, iteration %d, metric %g", req.ScanID, req.Iteration, req.Metric)
	if s := req.Snapshot; s != nil {
		msg += fmt.Sprintf(", object %dx%d, probe %dx%d", s.ObjectAmplitude.Rows, s.ObjectAmplitude.Cols,
			s.ProbeAmplitude.Rows, s.ProbeAmplitude.Cols)
	}
	log.Print(msg)
}

func (r *eventsReporter) OnJobComplete(req request.OnJobComplete) {
	if req.State == string(job.StateFailed) {
		r.lock.Lock()
		r.failed++
		r.lock.Unlock()
		log.Printf("[WARN] reconstruction of scan %s failed, exit code %d, %v", req.ScanID, req.ExitCode, req.Err)
		return
	}
	log.Printf("[INFO] reconstruction of scan %s %s in %v, %d iterations", req.ScanID, req.State,
		req.EndTime.Sub(req.StartTime).Truncate(time.Millisecond), req.Iteration)
}

func (r *eventsReporter) OnBatchComplete(req request.OnBatchComplete) {
	log.Printf("[INFO] batch %s %s, %d processed, failed %v", req.BatchID, req.State, req.Processed, req.Failed)
}

// Failed returns number of failed jobs
func (r *eventsReporter) Failed() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.failed
}
