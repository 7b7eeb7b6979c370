package pkg

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// FindTaskFile looks for name in dir and all its parents and returns the first match.
func FindTaskFile(dir, name string) (string, error) {
	if filepath.IsAbs(name) {
		_, err := os.Stat(name)
		if err != nil {
			return "", eris.Wrapf(err, "failed to open %s", name)
		}
		return name, nil
	}

	path, err := filepath.Abs(dir)
	if err != nil {
		return "", eris.Wrap(err, "failed to resolve working directory")
	}

	for {
		taskPath := filepath.Join(path, name)
		_, err := os.Stat(taskPath)
		if err == nil {
			return taskPath, nil
		}

		if !eris.Is(err, os.ErrNotExist) {
			return "", eris.Wrapf(err, "failed to check %s", taskPath)
		}

		parent := filepath.Dir(path)
		if parent == path {
			break
		}
		path = parent
	}

	return "", eris.Errorf("no %s file found", name)
}

// SplitArgs separates key=value options from task names.
func SplitArgs(args []string) ([]string, map[string]string) {
	names := make([]string, 0)
	options := make(map[string]string)
	for _, part := range args {
		if key, value, found := strings.Cut(part, "="); found {
			options[key] = value
		} else {
			names = append(names, part)
		}
	}
	return names, options
}
