package cmd

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ngld/assetflow/pkg"
	"github.com/ngld/assetflow/pkg/buildlog"
	"github.com/ngld/assetflow/pkg/buildsys"
	"github.com/ngld/assetflow/pkg/config"
	"github.com/ngld/assetflow/pkg/console"
)

var (
	cfg        *config.Config
	logCleanup func()
)

var rootCmd = &cobra.Command{
	Use:   "assetflow",
	Short: "Task runner and asset pipeline for static sites",
	Long: `assetflow loads the task script (tasks.star by default) from the current directory or one
of its parents and runs the requested tasks. Watch sessions declared in the script rebuild
assets on change and serve them with live reload.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfgFile, err := cmd.Flags().GetString("config")
		if err != nil {
			return err
		}

		files := []string{}
		if cfgFile != "" {
			files = append(files, cfgFile)
		}

		loaded, loader := config.Loader(files...)
		err = loader.Load()
		if err != nil {
			return eris.Wrap(err, "failed to load configuration")
		}

		err = applyFlags(cmd, loaded)
		if err != nil {
			return err
		}

		err = loaded.Validate()
		if err != nil {
			return err
		}

		cfg = loaded
		return setupLogging(cfg, cmd.ErrOrStderr())
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCleanup != nil {
			logCleanup()
		}
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default is "+config.DefaultFile+")")
	flags.String("file", "", "task script to load")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")
	flags.BoolP("verbose", "v", false, "shortcut for --log-level debug")
}

func applyFlags(cmd *cobra.Command, c *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("file") {
		value, err := flags.GetString("file")
		if err != nil {
			return err
		}
		c.File = value
	}

	if flags.Changed("log-level") {
		value, err := flags.GetString("log-level")
		if err != nil {
			return err
		}
		c.Log.Level = value
	}

	verbose, err := flags.GetBool("verbose")
	if err != nil {
		return err
	}
	if verbose {
		c.Log.Level = "debug"
	}

	if flags.Lookup("parallel") != nil && flags.Changed("parallel") {
		value, err := flags.GetBool("parallel")
		if err != nil {
			return err
		}
		c.Parallel = value
	}

	return nil
}

func setupLogging(c *config.Config, stderr io.Writer) error {
	var out io.Writer
	if c.Log.JSON {
		zerolog.ErrorStackMarshaler = func(err error) interface{} {
			return eris.ToJSON(err, true)
		}
		out = stderr
	} else {
		zerolog.ErrorMarshalFunc = func(err error) interface{} {
			return eris.ToString(err, c.LogLevel() <= zerolog.DebugLevel)
		}
		out = &console.ConsoleWriter{Out: stderr, Debug: os.Getenv("ASSETFLOW_DEBUG") != ""}
	}

	zerolog.SetGlobalLevel(c.LogLevel())
	logCleanup = nil
	if c.Log.File != "" {
		logFile, err := os.Create(c.Log.File)
		if err != nil {
			return eris.Wrap(err, "failed to open log file")
		}
		logCleanup = func() { logFile.Close() }

		var fileOut io.Writer = logFile
		if !c.Log.JSON {
			fileOut = &console.ConsoleWriter{Out: logFile, NoColor: true}
		}
		out = zerolog.MultiLevelWriter(out, fileOut)
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	if c.LogLevel() <= zerolog.DebugLevel {
		log.Logger = log.Logger.With().Caller().Stack().Logger()
	}
	return nil
}

// project is a loaded task script.
type project struct {
	root     string
	file     string
	registry *buildsys.Registry
	options  map[string]buildsys.ScriptOption
}

func loadProject(ctx context.Context, options map[string]string) (*project, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, eris.Wrap(err, "failed to retrieve the current working directory")
	}

	taskPath, err := pkg.FindTaskFile(wd, cfg.File)
	if err != nil {
		return nil, err
	}

	p := &project{
		root:     filepath.Dir(taskPath),
		file:     taskPath,
		registry: buildsys.NewRegistry(),
	}

	buildlog.Log(ctx).Debug().Str("path", taskPath).Msg("Loading tasks")
	p.options, err = buildsys.Load(ctx, taskPath, p.root, p.registry, buildsys.LoadOptions{
		Options:     options,
		SassCommand: cfg.Sass.Command,
	})
	if err != nil {
		return nil, eris.Wrap(err, "failed to parse tasks")
	}

	return p, nil
}

func (p *project) statePath() string {
	if filepath.IsAbs(cfg.State) {
		return cfg.State
	}
	return filepath.Join(p.root, cfg.State)
}

func commandContext(cmd *cobra.Command) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return buildlog.WithLogger(ctx, &log.Logger)
}

// Execute runs the CLI.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		console.PrintError(os.Stderr, err.Error())
		os.Exit(1)
	}
}
