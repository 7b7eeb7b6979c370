package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// ShellOptions configures RunShell.
type ShellOptions struct {
	Dir    string
	Env    map[string]string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

var defaultOpenHandler = interp.DefaultOpenHandler()

func openHandler(ctx context.Context, path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	if path == "/dev/null" {
		path = os.DevNull
	}

	return defaultOpenHandler(ctx, path, flag, perm)
}

// Environ merges the process environment with the given overrides.
func Environ(overrides map[string]string) []string {
	osEnv := os.Environ()
	result := make([]string, 0, len(osEnv)+len(overrides))
	for _, item := range osEnv {
		parts := strings.SplitN(item, "=", 2)
		if runtime.GOOS == "windows" {
			parts[0] = strings.ToUpper(parts[0])
		}

		// skip overriden entries to avoid conflicts
		if _, present := overrides[parts[0]]; !present {
			result = append(result, item)
		}
	}

	for k, v := range overrides {
		result = append(result, fmt.Sprintf("%s=%s", k, v))
	}
	return result
}

// RunShell executes a POSIX shell script with the portable interpreter from mvdan.cc/sh.
func RunShell(ctx context.Context, name, script string, opts ShellOptions) error {
	prog, err := syntax.NewParser().Parse(strings.NewReader(script), name)
	if err != nil {
		return eris.Wrapf(err, "failed to parse command %s", script)
	}

	dir := opts.Dir
	if dir == "" {
		dir, err = os.Getwd()
		if err != nil {
			return eris.Wrap(err, "failed to determine working directory")
		}
	}

	runner, err := interp.New(
		interp.Dir(dir),
		interp.Env(expand.ListEnviron(Environ(opts.Env)...)),
		interp.ExecHandler(interp.DefaultExecHandler(2*time.Second)),
		interp.OpenHandler(openHandler),
		interp.StdIO(opts.Stdin, opts.Stdout, opts.Stderr),
		interp.Params("-e"),
	)
	if err != nil {
		return eris.Wrap(err, "failed to initialize runner")
	}

	return runner.Run(ctx, prog)
}

type execStage struct {
	script string
	dir    string
	env    map[string]string
}

// Exec pipes the contents of every file through a shell command and replaces them with its
// output. The command sees the file path in $FILE.
func Exec(script, dir string, env map[string]string) Stage {
	return &execStage{script: script, dir: dir, env: env}
}

func (s *execStage) Name() string { return "exec" }

func (s *execStage) Descriptor() Descriptor {
	return Descriptor{Name: "exec", Options: map[string]interface{}{"cmd": s.script}}
}

func (s *execStage) Transform(ctx context.Context, file *File) ([]*File, error) {
	env := make(map[string]string, len(s.env)+1)
	for k, v := range s.env {
		env[k] = v
	}
	env["FILE"] = file.Path

	stdout := bytes.Buffer{}
	stderr := bytes.Buffer{}
	err := RunShell(ctx, "exec", s.script, ShellOptions{
		Dir:    s.dir,
		Env:    env,
		Stdin:  bytes.NewReader(file.Contents),
		Stdout: &stdout,
		Stderr: &stderr,
	})
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, eris.Wrap(err, msg)
		}
		return nil, err
	}

	out := file.Clone()
	out.Contents = stdout.Bytes()
	return []*File{out}, nil
}
