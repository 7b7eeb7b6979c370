package watch

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ngld/assetflow/pkg/buildlog"
	"github.com/ngld/assetflow/pkg/buildsys"
	"github.com/ngld/assetflow/pkg/pipeline"
	"github.com/rotisserie/eris"
)

// State of a Controller.
type State int

const (
	// Idle means the initial tasks haven't finished yet.
	Idle State = iota
	// Watching means file changes are being dispatched.
	Watching
)

func (s State) String() string {
	if s == Watching {
		return "watching"
	}
	return "idle"
}

type job struct {
	running bool
	pending bool
}

// Controller runs a watch session: it executes the initial tasks once and then re-runs the tasks
// bound to the patterns matching each changed file.
type Controller struct {
	runner  *buildsys.Runner
	session *buildsys.WatchSession
	watcher Watcher

	mu    sync.Mutex
	state State
	jobs  map[string]*job
	wg    sync.WaitGroup
}

// NewController creates a controller for session. Tasks are executed through runner.
func NewController(runner *buildsys.Runner, session *buildsys.WatchSession, watcher Watcher) *Controller {
	return &Controller{
		runner:  runner,
		session: session,
		watcher: watcher,
		jobs:    make(map[string]*job),
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func isRegistryError(err error) bool {
	var missing *buildsys.MissingTaskError
	var cycle *buildsys.CycleError
	return errors.As(err, &missing) || errors.As(err, &cycle)
}

// Start runs the initial tasks and starts watching the directories the bindings refer to. Task
// failures are logged; only an invalid task graph or an unusable watcher is an error.
func (c *Controller) Start(ctx context.Context) error {
	logger := buildlog.Log(ctx)

	if len(c.session.Initial) > 0 {
		report, err := c.runner.Execute(ctx, c.session.Initial...)
		if err != nil {
			if isRegistryError(err) || errors.Is(err, context.Canceled) {
				return err
			}
			logger.Error().Err(err).Msg("Initial build failed")
		} else if len(report.Recovered) > 0 {
			logger.Warn().Msgf("Initial build finished with %d errors", len(report.Recovered))
		}
	}

	for _, dir := range c.Dirs() {
		err := c.watcher.WatchRecursive(dir)
		if err != nil {
			if errors.Is(err, ErrPathNotExist) {
				logger.Warn().Str("path", dir).Msg("Not watching missing directory")
				continue
			}
			return eris.Wrapf(err, "failed to watch %s", dir)
		}
		logger.Debug().Str("path", dir).Msg("Watching")
	}

	c.mu.Lock()
	c.state = Watching
	c.mu.Unlock()

	logger.Info().Msgf("Watching for changes (session %s)", c.session.Name)
	return nil
}

// Dirs returns the static base directories of all binding patterns. Directories below another
// returned directory are left out.
func (c *Controller) Dirs() []string {
	seen := map[string]bool{}
	for _, binding := range c.session.Bindings {
		for _, pattern := range binding.Patterns {
			if strings.HasPrefix(pattern, "!") {
				continue
			}
			seen[pipeline.GlobBase(c.session.Base, pattern)] = true
		}
	}

	dirs := make([]string, 0, len(seen))
	for dir := range seen {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)

	result := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		if len(result) > 0 {
			last := result[len(result)-1]
			if dir == last || strings.HasPrefix(dir, last+string(filepath.Separator)) {
				continue
			}
		}
		result = append(result, dir)
	}
	return result
}

// Match returns the tasks bound to path in binding order, without duplicates.
func (c *Controller) Match(path string) []string {
	result := []string{}
	seen := map[string]bool{}
	for _, binding := range c.session.Bindings {
		if !pipeline.MatchAny(c.session.Base, binding.Patterns, path) {
			continue
		}

		for _, task := range binding.Tasks {
			if !seen[task] {
				seen[task] = true
				result = append(result, task)
			}
		}
	}
	return result
}

// Run dispatches file events until ctx is cancelled or the watcher is closed. It waits for
// running tasks before returning.
func (c *Controller) Run(ctx context.Context) error {
	defer c.wg.Wait()
	logger := buildlog.Log(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-c.watcher.Events():
			if !ok {
				return nil
			}

			tasks := c.Match(event.Path)
			if len(tasks) == 0 {
				continue
			}

			logger.Info().Str("path", event.Path).Msgf("%s changed", filepath.Base(event.Path))
			for _, task := range tasks {
				c.schedule(ctx, task)
			}

		case err, ok := <-c.watcher.Errors():
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("Watcher error")
		}
	}
}

// schedule starts the task unless it's already running. Events arriving while it runs cause
// exactly one follow-up run.
func (c *Controller) schedule(ctx context.Context, name string) {
	c.mu.Lock()
	j, ok := c.jobs[name]
	if !ok {
		j = &job{}
		c.jobs[name] = j
	}

	if j.running {
		j.pending = true
		c.mu.Unlock()
		return
	}
	j.running = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		for {
			c.runTask(ctx, name)

			c.mu.Lock()
			if !j.pending || ctx.Err() != nil {
				j.running = false
				j.pending = false
				c.mu.Unlock()
				return
			}
			j.pending = false
			c.mu.Unlock()
		}
	}()
}

func (c *Controller) runTask(ctx context.Context, name string) {
	logger := buildlog.Log(ctx)

	report, err := c.runner.Execute(ctx, name)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}

		// keep watching, the next change might fix it
		logger.Error().Err(err).Msgf("%s failed", name)
		return
	}

	if len(report.Recovered) > 0 {
		logger.Warn().Msgf("%s finished with %d errors", name, len(report.Recovered))
	}
}
