package buildsys

import (
	"path/filepath"

	"github.com/ngld/assetflow/pkg/pipeline"
	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
)

func stageBuiltins() starlark.StringDict {
	return starlark.StringDict{
		"dest":         starlark.NewBuiltin("dest", starDest),
		"reload":       starlark.NewBuiltin("reload", starReload),
		"imagemin":     starlark.NewBuiltin("imagemin", starImagemin),
		"sass":         starlark.NewBuiltin("sass", starSass),
		"postcss":      starlark.NewBuiltin("postcss", starPostcss),
		"autoprefixer": starlark.NewBuiltin("autoprefixer", starAutoprefixer),
		"atimport":     starlark.NewBuiltin("atimport", starAtImport),
		"minify":       starlark.NewBuiltin("minify", starMinify),
		"compress":     starlark.NewBuiltin("compress", starCompress),
		"exec":         starlark.NewBuiltin("exec", starExecStage),
	}
}

// makeStage wraps stage in a step. onError overrides the stage's default policy.
func makeStage(stage pipeline.Stage, onError string, defaultPolicy pipeline.ErrorPolicy) (starlark.Value, error) {
	policy := defaultPolicy
	if onError != "" {
		var err error
		policy, err = pipeline.ParsePolicy(onError)
		if err != nil {
			return nil, err
		}
	}

	if policy == pipeline.PolicyLog {
		return &StageValue{Step: pipeline.Recover(stage, nil)}, nil
	}
	return &StageValue{Step: pipeline.Abort(stage)}, nil
}

func starDest(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var dir string

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "path", &dir)
	if err != nil {
		return nil, err
	}

	return makeStage(pipeline.Dest(normalizePath(getCtx(thread), dir)), "", pipeline.PolicyAbort)
}

func starReload(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	err := starlark.UnpackArgs(fn.Name(), args, kwargs)
	if err != nil {
		return nil, err
	}

	return makeStage(pipeline.Reload(), "", pipeline.PolicyAbort)
}

func starImagemin(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	opts := pipeline.ImageminOptions{}
	var onError string

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "verbose?", &opts.Verbose, "jpeg_quality?", &opts.JPEGQuality,
		"on_error?", &onError)
	if err != nil {
		return nil, err
	}

	if opts.JPEGQuality < 0 || opts.JPEGQuality > 100 {
		return nil, eris.Errorf("%s: jpeg_quality has to be between 0 and 100", fn.Name())
	}

	return makeStage(pipeline.Imagemin(opts), onError, pipeline.PolicyAbort)
}

func starSass(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var includePaths *starlark.List
	var onError string

	ctx := getCtx(thread)
	opts := pipeline.SassOptions{Command: ctx.sassCommand}
	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "source_comments?", &opts.SourceComments,
		"output_style?", &opts.OutputStyle, "include_paths?", &includePaths, "on_error?", &onError)
	if err != nil {
		return nil, err
	}

	switch opts.OutputStyle {
	case "", "expanded", "compressed", "nested", "compact":
	default:
		return nil, eris.Errorf("%s: unknown output_style %s", fn.Name(), opts.OutputStyle)
	}

	paths, err := starlarkIterable2stringSlice(includePaths, "include_paths")
	if err != nil {
		return nil, err
	}
	for _, path := range paths {
		opts.IncludePaths = append(opts.IncludePaths, normalizePath(ctx, path))
	}

	// compile errors are logged and the file is dropped unless on_error says otherwise
	return makeStage(pipeline.Sass(opts, nil), onError, pipeline.PolicyLog)
}

func starPostcss(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var onError string

	err := starlark.UnpackArgs(fn.Name(), nil, kwargs, "on_error?", &onError)
	if err != nil {
		return nil, err
	}

	plugins := make([]pipeline.CSSPlugin, len(args))
	for idx, arg := range args {
		plugin, ok := arg.(*PluginValue)
		if !ok {
			return nil, eris.Errorf("%s: argument %d is a %s, expected a postcss plugin", fn.Name(), idx+1, arg.Type())
		}
		plugins[idx] = plugin.Plugin
	}

	return makeStage(pipeline.PostCSS(plugins...), onError, pipeline.PolicyAbort)
}

func starAutoprefixer(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	err := starlark.UnpackArgs(fn.Name(), args, kwargs)
	if err != nil {
		return nil, err
	}

	return &PluginValue{Plugin: pipeline.Autoprefixer()}, nil
}

func starAtImport(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var paths *starlark.List

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "paths?", &paths)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	list, err := starlarkIterable2stringSlice(paths, "paths")
	if err != nil {
		return nil, err
	}

	resolved := make([]string, 0, len(list)+1)
	for _, path := range list {
		resolved = append(resolved, normalizePath(ctx, path))
	}
	resolved = append(resolved, filepath.Join(ctx.projectRoot, "node_modules"))

	return &PluginValue{Plugin: pipeline.AtImport(resolved...)}, nil
}

func starMinify(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var onError string

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "on_error?", &onError)
	if err != nil {
		return nil, err
	}

	return makeStage(pipeline.Minify(), onError, pipeline.PolicyAbort)
}

func starCompress(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	format := "br"

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "format?", &format)
	if err != nil {
		return nil, err
	}

	stage, err := pipeline.Compress(format)
	if err != nil {
		return nil, err
	}

	return makeStage(stage, "", pipeline.PolicyAbort)
}

func starExecStage(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var command string
	var onError string

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "cmd", &command, "on_error?", &onError)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	// the stage sees the overrides as they were at declaration time
	env := make(map[string]string, len(ctx.envOverrides))
	for k, v := range ctx.envOverrides {
		env[k] = v
	}

	return makeStage(pipeline.Exec(command, filepath.Dir(ctx.filepath), env), onError, pipeline.PolicyAbort)
}
