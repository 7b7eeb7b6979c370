package pipeline

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// SassOptions mirrors the options of the style-sheet compiler.
type SassOptions struct {
	// SourceComments embeds a source map into the output.
	SourceComments bool
	// OutputStyle is either "expanded" or "compressed". The legacy "nested" and "compact" styles
	// map to "expanded".
	OutputStyle string
	// IncludePaths are additional load paths for @use and @import.
	IncludePaths []string
	// Command is the compiler executable. Defaults to "sass".
	Command string
}

// Compiler compiles a single style sheet.
type Compiler interface {
	Compile(ctx context.Context, file *File, opts SassOptions) ([]byte, error)
}

// CompilerFunc adapts a function to the Compiler interface.
type CompilerFunc func(ctx context.Context, file *File, opts SassOptions) ([]byte, error)

func (f CompilerFunc) Compile(ctx context.Context, file *File, opts SassOptions) ([]byte, error) {
	return f(ctx, file, opts)
}

// ExecCompiler runs an external sass executable and feeds it the style sheet through stdin.
type ExecCompiler struct{}

func shellQuote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}

func (ExecCompiler) command(file *File, opts SassOptions) string {
	cmd := opts.Command
	if cmd == "" {
		cmd = "sass"
	}

	style := "expanded"
	if opts.OutputStyle == "compressed" {
		style = "compressed"
	}

	parts := []string{cmd, "--stdin", "--style=" + style}
	if file.Ext() == ".sass" {
		parts = append(parts, "--indented")
	}
	if opts.SourceComments {
		parts = append(parts, "--embed-source-map", "--embed-sources")
	} else {
		parts = append(parts, "--no-source-map")
	}

	parts = append(parts, "--load-path="+shellQuote(filepath.Dir(file.Path)))
	for _, path := range opts.IncludePaths {
		parts = append(parts, "--load-path="+shellQuote(path))
	}
	return strings.Join(parts, " ")
}

func (c ExecCompiler) Compile(ctx context.Context, file *File, opts SassOptions) ([]byte, error) {
	stdout := bytes.Buffer{}
	stderr := bytes.Buffer{}

	err := RunShell(ctx, "sass", c.command(file, opts), ShellOptions{
		Dir:    filepath.Dir(file.Path),
		Stdin:  bytes.NewReader(file.Contents),
		Stdout: &stdout,
		Stderr: &stderr,
	})
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, eris.Wrap(err, "sass failed")
		}
		return nil, eris.New(msg)
	}

	return stdout.Bytes(), nil
}

type sassStage struct {
	opts     SassOptions
	compiler Compiler
}

// Sass compiles .scss and .sass files to CSS. Partials (files starting with an underscore) are
// dropped and other files pass through untouched. A nil compiler uses ExecCompiler.
func Sass(opts SassOptions, compiler Compiler) Stage {
	if compiler == nil {
		compiler = ExecCompiler{}
	}
	return &sassStage{opts: opts, compiler: compiler}
}

func (s *sassStage) Name() string { return "sass" }

func (s *sassStage) Descriptor() Descriptor {
	style := s.opts.OutputStyle
	if style == "" {
		style = "expanded"
	}

	opts := map[string]interface{}{
		"source_comments": s.opts.SourceComments,
		"output_style":    style,
	}
	if len(s.opts.IncludePaths) > 0 {
		opts["include_paths"] = s.opts.IncludePaths
	}
	return Descriptor{Name: "sass", Options: opts}
}

func (s *sassStage) Transform(ctx context.Context, file *File) ([]*File, error) {
	ext := file.Ext()
	if ext != ".scss" && ext != ".sass" {
		return []*File{file}, nil
	}

	if strings.HasPrefix(filepath.Base(file.Path), "_") {
		return nil, nil
	}

	out := file.WithExt(".css")
	if len(bytes.TrimSpace(file.Contents)) == 0 {
		out.Contents = []byte{}
		return []*File{out}, nil
	}

	css, err := s.compiler.Compile(ctx, file, s.opts)
	if err != nil {
		return nil, err
	}

	out.Contents = css
	return []*File{out}, nil
}
