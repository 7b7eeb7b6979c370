package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ngld/assetflow/pkg"
	"github.com/ngld/assetflow/pkg/buildlog"
	"github.com/ngld/assetflow/pkg/buildsys"
	"github.com/ngld/assetflow/pkg/devserver"
	"github.com/ngld/assetflow/pkg/pipeline"
	"github.com/ngld/assetflow/pkg/state"
	"github.com/ngld/assetflow/pkg/watch"
)

var runCmd = &cobra.Command{
	Use:   "run [task...] [option=value...]",
	Short: "Runs tasks or a watch session",
	Long: `Runs the given tasks and their dependencies. Without a task, "default" is run if the
script declares it; otherwise the available tasks are listed. Naming a watch session
builds its initial tasks and then rebuilds on every change until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		dryRun, err := flags.GetBool("dry")
		if err != nil {
			return err
		}

		force, err := flags.GetBool("force")
		if err != nil {
			return err
		}

		progress, err := flags.GetBool("progress")
		if err != nil {
			return err
		}

		taskArgs, options := pkg.SplitArgs(args)

		ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
		defer stop()

		p, err := loadProject(ctx, options)
		if err != nil {
			return err
		}

		if len(taskArgs) == 0 {
			if _, ok := p.registry.Lookup("default"); !ok {
				printTasks(cmd.OutOrStdout(), p)
				return nil
			}
			taskArgs = []string{"default"}
		}

		runnerOpts := []buildsys.RunnerOption{
			buildsys.WithParallel(cfg.Parallel),
			buildsys.WithDryRun(dryRun),
			buildsys.WithForce(force),
		}

		if !dryRun {
			store, err := state.Open(p.statePath())
			if err != nil {
				buildlog.Log(ctx).Warn().Err(err).Msg("Run history disabled")
			} else {
				defer store.Close()
				defer pruneHistory(ctx, store)
				runnerOpts = append(runnerOpts, buildsys.WithRecorder(store))
			}
		}

		if progress {
			ctx = pipeline.WithObserver(ctx, newProgressObserver(cmd.ErrOrStderr()))
		}

		runner := buildsys.NewRunner(p.registry, runnerOpts...)

		if session, ok := p.registry.Session(taskArgs[0]); ok {
			if len(taskArgs) > 1 {
				return eris.Errorf("watch session %s can't be combined with other tasks", session.Name)
			}
			if dryRun {
				return runner.Run(ctx, session.Initial...)
			}
			return runWatch(ctx, runner, session)
		}

		report, err := runner.Execute(ctx, taskArgs...)
		if err != nil {
			return err
		}

		if len(report.Recovered) > 0 {
			return eris.Errorf("%d errors occurred during the build", len(report.Recovered))
		}
		return nil
	},
}

func init() {
	flags := runCmd.Flags()
	flags.BoolP("dry", "n", false, "dry run; only print the commands, don't execute anything")
	flags.BoolP("force", "f", false, "force build; always execute the passed steps even if they don't have to run")
	flags.Bool("parallel", false, "run independent dependencies in parallel")
	flags.Bool("progress", false, "show a progress bar for each pipeline")

	rootCmd.AddCommand(runCmd)
}

func pruneHistory(ctx context.Context, store *state.Store) {
	if cfg.History == 0 {
		return
	}

	deleted, err := store.Prune(ctx, cfg.History)
	if err != nil {
		buildlog.Log(ctx).Warn().Err(err).Msg("Failed to prune run history")
		return
	}
	if deleted > 0 {
		buildlog.Log(ctx).Debug().Msgf("Pruned %d runs from the history", deleted)
	}
}

// watcherOptions maps the watch config onto the watcher. Configured ignore patterns extend the
// defaults.
func watcherOptions() []watch.WatcherOption {
	return []watch.WatcherOption{
		watch.WithIgnoreHidden(cfg.Watch.IgnoreHidden),
		watch.WithExtraIgnore(cfg.Watch.Ignore),
	}
}

func newWatcher() (watch.Watcher, error) {
	fsWatcher, err := watch.NewFSNotifyWatcher(watcherOptions()...)
	if err != nil {
		return nil, eris.Wrap(err, "failed to create file watcher")
	}

	if cfg.Watch.Debounce > 0 {
		return watch.NewDebouncedWatcher(fsWatcher, cfg.Watch.Debounce), nil
	}
	return fsWatcher, nil
}

func runWatch(ctx context.Context, runner *buildsys.Runner, session *buildsys.WatchSession) error {
	watcher, err := newWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)
	if session.Server != nil {
		opts := *session.Server
		if cfg.Serve.Address != "" {
			opts.Address = cfg.Serve.Address
		}

		srv := devserver.New(opts)
		ctx = pipeline.WithNotifier(ctx, srv)
		eg.Go(func() error {
			return srv.ListenAndServe(ctx)
		})
	}

	ctrl := watch.NewController(runner, session, watcher)
	err = ctrl.Start(ctx)
	if err != nil {
		// a server that failed to listen cancels ctx; its error names the cause
		cancel()
		if serveErr := eg.Wait(); serveErr != nil && !eris.Is(serveErr, context.Canceled) {
			return serveErr
		}
		return err
	}

	eg.Go(func() error {
		return ctrl.Run(ctx)
	})

	err = eg.Wait()
	if err != nil && !eris.Is(err, context.Canceled) {
		return err
	}

	buildlog.Log(ctx).Info().Msg("Stopped watching")
	return nil
}
