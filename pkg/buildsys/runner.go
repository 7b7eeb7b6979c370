package buildsys

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ngld/assetflow/pkg/buildlog"
	"github.com/ngld/assetflow/pkg/pipeline"
	"github.com/oklog/ulid/v2"
	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"
)

// RunRecord describes a single task execution.
type RunRecord struct {
	ID        string        `json:"id"`
	Task      string        `json:"task"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
	Status    string        `json:"status"`
	Error     string        `json:"error,omitempty"`
	Files     int           `json:"files"`
	Recovered int           `json:"recovered"`
}

// Recorder persists finished task runs.
type Recorder interface {
	RecordRun(ctx context.Context, run RunRecord) error
}

// Report summarizes a call to Runner.Execute.
type Report struct {
	lock sync.Mutex
	// Executed lists the tasks that ran, in the order they finished.
	Executed []string
	// Skipped lists the tasks that were up to date (or all planned tasks in a dry run).
	Skipped []string
	// Recovered holds the stage errors that were logged instead of failing a task.
	Recovered []error
}

func (r *Report) executed(name string, recovered []error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.Executed = append(r.Executed, name)
	r.Recovered = append(r.Recovered, recovered...)
}

func (r *Report) skipped(name string) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.Skipped = append(r.Skipped, name)
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithParallel runs the dependencies of a task concurrently instead of in their listed order.
func WithParallel(parallel bool) RunnerOption {
	return func(r *Runner) { r.parallel = parallel }
}

// WithDryRun only logs what would be executed.
func WithDryRun(dryRun bool) RunnerOption {
	return func(r *Runner) { r.dryRun = dryRun }
}

// WithForce disables the up-to-date check.
func WithForce(force bool) RunnerOption {
	return func(r *Runner) { r.force = force }
}

// WithRecorder stores every task run in the given recorder.
func WithRecorder(recorder Recorder) RunnerOption {
	return func(r *Runner) { r.recorder = recorder }
}

// Runner executes tasks from a registry. A Runner may be used by several goroutines at once; a
// task never runs twice at the same time.
type Runner struct {
	registry *Registry
	parallel bool
	dryRun   bool
	force    bool
	recorder Recorder

	locksLock sync.Mutex
	locks     map[string]*sync.Mutex
}

// NewRunner creates a runner for the tasks in reg.
func NewRunner(reg *Registry, opts ...RunnerOption) *Runner {
	r := &Runner{
		registry: reg,
		locks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registry returns the registry the runner was created with.
func (r *Runner) Registry() *Registry {
	return r.registry
}

// Run executes the named tasks and their dependencies.
func (r *Runner) Run(ctx context.Context, names ...string) error {
	_, err := r.Execute(ctx, names...)
	return err
}

// Execute works like Run but also reports which tasks ran and which stage errors were recovered.
func (r *Runner) Execute(ctx context.Context, names ...string) (*Report, error) {
	if len(names) == 0 {
		return nil, eris.New("no task given")
	}

	// resolving the plan first makes sure that missing tasks are reported before anything runs
	plan, err := r.registry.Plan(names...)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	if r.dryRun {
		for _, name := range plan {
			task, _ := r.registry.Lookup(name)
			logTask(buildlog.WithTask(ctx, name), task)
			report.skipped(name)
		}
		return report, nil
	}

	exec := &execution{
		runner: r,
		report: report,
		calls:  make(map[string]*call),
	}
	for _, name := range names {
		if err := exec.visit(ctx, name); err != nil {
			return report, err
		}
	}
	return report, nil
}

func logTask(ctx context.Context, task *Task) {
	logger := buildlog.Log(ctx)
	logger.Info().Strs("deps", task.Deps).Msg(task.Desc)
	for _, desc := range task.Descriptors() {
		logger.Info().Str("stage", desc.Name).Msg(desc.String())
	}
	for _, cmd := range task.Cmds {
		logger.Info().Bool("command", true).Msg(cmd)
	}
}

type call struct {
	done chan struct{}
	err  error
}

// execution tracks the tasks of a single Execute call so that each of them runs at most once.
type execution struct {
	runner *Runner
	report *Report
	lock   sync.Mutex
	calls  map[string]*call
}

func (e *execution) visit(ctx context.Context, name string) error {
	e.lock.Lock()
	if c, ok := e.calls[name]; ok {
		e.lock.Unlock()
		<-c.done
		if c.err != nil {
			buildlog.Log(ctx).Debug().Msgf("Task %s already failed", name)
		}
		return c.err
	}

	c := &call{done: make(chan struct{})}
	e.calls[name] = c
	e.lock.Unlock()

	c.err = e.run(ctx, name)
	close(c.done)
	return c.err
}

func (e *execution) run(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	task, ok := e.runner.registry.Lookup(name)
	if !ok {
		return &MissingTaskError{Name: name}
	}

	if e.runner.parallel && len(task.Deps) > 1 {
		g, gctx := errgroup.WithContext(ctx)
		for _, dep := range task.Deps {
			dep := dep
			g.Go(func() error {
				return e.visit(gctx, dep)
			})
		}

		if err := g.Wait(); err != nil {
			return err
		}
	} else {
		for _, dep := range task.Deps {
			if err := e.visit(ctx, dep); err != nil {
				return err
			}
		}
	}

	return e.runner.runTask(ctx, task, e.report)
}

func (r *Runner) taskLock(name string) *sync.Mutex {
	r.locksLock.Lock()
	defer r.locksLock.Unlock()

	lock, ok := r.locks[name]
	if !ok {
		lock = new(sync.Mutex)
		r.locks[name] = lock
	}
	return lock
}

func (r *Runner) runTask(ctx context.Context, task *Task, report *Report) error {
	ctx = buildlog.WithTask(ctx, task.Short)
	logger := buildlog.Log(ctx)

	if !r.force {
		fresh, err := upToDate(ctx, task)
		if err != nil {
			return &TaskError{Task: task.Short, Err: err}
		}

		if fresh {
			taskRunsTotal.WithLabelValues(task.Short, statusSkipped).Inc()
			report.skipped(task.Short)
			return nil
		}
	}

	lock := r.taskLock(task.Short)
	lock.Lock()
	defer lock.Unlock()

	started := time.Now()
	logger.Info().Msg("Starting")

	result, err := task.execute(ctx)
	duration := time.Since(started)

	taskDuration.WithLabelValues(task.Short).Observe(duration.Seconds())
	pipelineFilesTotal.WithLabelValues(task.Short).Add(float64(result.Files))
	stageErrorsTotal.WithLabelValues(task.Short).Add(float64(len(result.Recovered)))

	record := RunRecord{
		ID:        ulid.Make().String(),
		Task:      task.Short,
		Started:   started,
		Duration:  duration,
		Status:    statusSucceeded,
		Files:     result.Files,
		Recovered: len(result.Recovered),
	}
	if err != nil {
		record.Status = statusFailed
		record.Error = err.Error()
	}
	taskRunsTotal.WithLabelValues(task.Short, record.Status).Inc()

	if r.recorder != nil {
		if recErr := r.recorder.RecordRun(ctx, record); recErr != nil {
			logger.Warn().Err(recErr).Msg("Failed to record task run")
		}
	}

	if err != nil {
		logger.Error().Err(err).Msgf("Failed after %s", duration.Round(time.Millisecond))
		return &TaskError{Task: task.Short, Err: err}
	}

	logger.Info().Msgf("Finished after %s", duration.Round(time.Millisecond))
	report.executed(task.Short, result.Recovered)
	return nil
}

func (t *Task) execute(ctx context.Context) (pipeline.Result, error) {
	var result pipeline.Result

	if t.Pipeline != nil {
		var err error
		result, err = t.Pipeline.Run(ctx)
		if err != nil {
			return result, err
		}
	}

	for idx, cmd := range t.Cmds {
		buildlog.Log(ctx).Info().Bool("command", true).Msg(cmd)

		err := pipeline.RunShell(ctx, fmt.Sprintf("%s:%d", t.Short, idx), cmd, pipeline.ShellOptions{
			Dir:    t.Base,
			Env:    t.Env,
			Stdout: os.Stdout,
			Stderr: os.Stderr,
		})
		if err != nil {
			return result, err
		}

		if err = ctx.Err(); err != nil {
			return result, err
		}
	}

	if t.Action != nil {
		return result, t.Action(ctx)
	}
	return result, nil
}

// upToDate reports whether all outputs of a task are newer than its newest input. Tasks without
// inputs or outputs are never up to date.
func upToDate(ctx context.Context, task *Task) (bool, error) {
	if len(task.Inputs) == 0 || len(task.Outputs) == 0 {
		return false, nil
	}

	inputList, err := pipeline.Source{Base: task.Base, Patterns: task.Inputs}.Resolve()
	if err != nil {
		return false, eris.Wrap(err, "failed to resolve inputs")
	}

	outputList, err := pipeline.Source{Base: task.Base, Patterns: task.Outputs}.Resolve()
	if err != nil {
		return false, eris.Wrap(err, "failed to resolve output list")
	}

	if len(inputList) == 0 || len(outputList) == 0 {
		return false, nil
	}

	var newestInput time.Time
	for _, item := range inputList {
		info, err := os.Stat(item.Path)
		if err != nil {
			return false, eris.Wrapf(err, "Failed to check input %s", item.Path)
		}

		if info.ModTime().After(newestInput) {
			newestInput = info.ModTime()
		}
	}

	var newestOutput, oldestOutput time.Time
	for idx, item := range outputList {
		info, err := os.Stat(item.Path)
		if err != nil {
			return false, eris.Wrapf(err, "Failed to check output %s", item.Path)
		}

		mt := info.ModTime()
		if mt.After(newestOutput) {
			newestOutput = mt
		}
		if idx == 0 || mt.Before(oldestOutput) {
			oldestOutput = mt
		}
	}

	if newestOutput.Sub(oldestOutput) > 10*time.Minute {
		buildlog.Log(ctx).Warn().
			Msgf("oldest output is %f minutes older than the newest output", newestOutput.Sub(oldestOutput).Minutes())
	}

	if oldestOutput.After(newestInput) {
		buildlog.Log(ctx).Info().
			Msgf("nothing to do (output is %f seconds newer)", oldestOutput.Sub(newestInput).Seconds())
		return true, nil
	}
	return false, nil
}
