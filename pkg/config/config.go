package config

import (
	"net"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigtoml"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// DefaultFile is the config file looked up in the working directory.
const DefaultFile = "assetflow.toml"

// Config describes all configuration options
type Config struct {
	File     string `default:"tasks.star" toml:"file" usage:"Task script to load"`
	Parallel bool   `default:"false" toml:"parallel" usage:"Run independent dependencies in parallel"`
	State    string `default:".assetflow/state.db" toml:"state" usage:"Path to the run history database"`
	History  int    `default:"500" toml:"history" usage:"Number of runs to keep in the history"`
	Log      struct {
		Level string `default:"info" toml:"level"`
		File  string `toml:"file"`
		JSON  bool   `default:"false" toml:"json" usage:"Output JSONND instead of pretty console messages"`
	} `toml:"log"`
	Watch struct {
		Debounce     time.Duration `default:"100ms" toml:"debounce" usage:"Delay before a changed file triggers its tasks"`
		IgnoreHidden bool          `default:"true" toml:"ignore_hidden"`
		Ignore       []string      `toml:"ignore" usage:"Additional patterns to ignore"`
	} `toml:"watch"`
	Serve struct {
		Address string `toml:"address" usage:"Overrides the address of the development server"`
	} `toml:"serve"`
	Sass struct {
		Command string `default:"sass" toml:"command" usage:"Sass compiler binary"`
	} `toml:"sass"`
}

var logLevels = map[string]zerolog.Level{
	"trace":   zerolog.TraceLevel,
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
	"fatal":   zerolog.FatalLevel,
}

// Loader initializes an empty config object and returns a new Loader for this object. Without
// files, assetflow.toml in the working directory is used if it exists.
func Loader(files ...string) (*Config, *aconfig.Loader) {
	if len(files) == 0 {
		files = []string{DefaultFile}
	}

	cfg := Config{}
	return &cfg, aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "ASSETFLOW",
		SkipFlags: true,
		Files:     files,
		FileDecoders: map[string]aconfig.FileDecoder{
			".toml": aconfigtoml.New(),
		},
	})
}

// Load is a shortcut for Loader followed by Load and Validate.
func Load(files ...string) (*Config, error) {
	cfg, loader := Loader(files...)
	err := loader.Load()
	if err != nil {
		return nil, eris.Wrap(err, "failed to load configuration")
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate verifies that all config fields have valid values
func (cfg *Config) Validate() error {
	_, ok := logLevels[cfg.Log.Level]
	if !ok {
		return eris.Errorf(`Invalid value for log.level: %s`, cfg.Log.Level)
	}

	if cfg.File == "" {
		return eris.New(`Invalid value for file: must not be empty`)
	}

	if cfg.State == "" {
		return eris.New(`Invalid value for state: must not be empty`)
	}

	if cfg.History < 0 {
		return eris.Errorf(`Invalid value for history: %d (must not be negative)`, cfg.History)
	}

	if cfg.Watch.Debounce < 0 {
		return eris.Errorf(`Invalid value for watch.debounce: %s (must not be negative)`, cfg.Watch.Debounce)
	}

	if cfg.Serve.Address != "" {
		_, _, err := net.SplitHostPort(cfg.Serve.Address)
		if err != nil {
			return eris.Wrapf(err, `Invalid value for serve.address: %s`, cfg.Serve.Address)
		}
	}

	if cfg.Sass.Command == "" {
		return eris.New(`Invalid value for sass.command: must not be empty`)
	}

	return nil
}

// LogLevel converts the .Log.Level field to a zerolog.Level
func (cfg *Config) LogLevel() zerolog.Level {
	return logLevels[cfg.Log.Level]
}
