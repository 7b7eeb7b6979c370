package buildsys

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/aidarkhanov/nanoid"
	"github.com/ngld/assetflow/pkg/buildlog"
	"github.com/ngld/assetflow/pkg/pipeline"
	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
)

// LoadOptions configures Load.
type LoadOptions struct {
	// Options holds the values for option() calls.
	Options map[string]string
	// SassCommand overrides the compiler executable used by sass().
	SassCommand string
}

type parserCtx struct {
	ctx          context.Context
	options      map[string]ScriptOption
	optionValues map[string]string
	envOverrides map[string]string
	yamlCache    map[string]interface{}
	filepath     string
	projectRoot  string
	sassCommand  string
	tasks        []*Task
	sessions     []*WatchSession
}

// * Helpers

func getCtx(thread *starlark.Thread) *parserCtx {
	return thread.Local("parserCtx").(*parserCtx)
}

func info(thread *starlark.Thread, msg string, args ...interface{}) {
	ctx := getCtx(thread)
	pos := thread.CallFrame(1).Pos

	filepath := simplifyPath(ctx, ctx.filepath)

	buildlog.Log(ctx.ctx).Info().
		Msgf("%s:%d:%d: %s", filepath, pos.Line, pos.Col, fmt.Sprintf(msg, args...))
}

func warn(thread *starlark.Thread, msg string, args ...interface{}) {
	ctx := getCtx(thread)
	pos := thread.CallFrame(1).Pos

	filepath := simplifyPath(ctx, ctx.filepath)

	buildlog.Log(ctx.ctx).Warn().
		Msgf("%s:%d:%d: %s", filepath, pos.Line, pos.Col, fmt.Sprintf(msg, args...))
}

// * Builtin functions

func option(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var defaultValue starlark.String
	var help string

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "default?", &defaultValue, "help?", &help)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	ctx.options[name] = ScriptOption{
		DefaultValue: defaultValue,
		Help:         help,
	}

	value, ok := ctx.optionValues[name]
	if ok {
		return starlark.String(value), nil
	}

	return defaultValue, nil
}

func task(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var deps *starlark.List
	var src starlark.Value
	var pipe *starlark.List
	var inputs *starlark.List
	var outputs *starlark.List
	var env *starlark.Dict
	var cmds *starlark.List

	task := new(Task)

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name?", &task.Short, "hidden?", &task.Hidden,
		"desc?", &task.Desc, "deps?", &deps, "src?", &src, "pipe?", &pipe, "base?", &task.Base,
		"inputs?", &inputs, "outputs?", &outputs, "env?", &env, "cmds?", &cmds)
	if err != nil {
		return nil, err
	}

	if task.Short == "" {
		task.Hidden = true
		task.Short = "auto#" + nanoid.New()
	}

	if task.Base == "" {
		task.Base = "."
	}
	task.Base = normalizePath(getCtx(thread), task.Base)

	task.Deps, err = taskNames(deps, "deps")
	if err != nil {
		return nil, err
	}

	task.Inputs, err = starlarkIterable2stringSlice(inputs, "inputs")
	if err != nil {
		return nil, err
	}

	task.Outputs, err = starlarkIterable2stringSlice(outputs, "outputs")
	if err != nil {
		return nil, err
	}

	task.Env, err = stringDict(env, "env")
	if err != nil {
		return nil, err
	}

	task.Cmds, err = starlarkIterable2stringSlice(cmds, "cmds")
	if err != nil {
		return nil, err
	}

	patterns, err := stringOrList(src, "src")
	if err != nil {
		return nil, err
	}

	if pipe != nil && pipe.Len() > 0 {
		if len(patterns) == 0 {
			return nil, eris.Errorf("%s: %s has a pipe but no src", fn.Name(), task.Short)
		}

		steps := make([]pipeline.Step, 0, pipe.Len())
		iter := pipe.Iterate()
		var item starlark.Value
		for iter.Next(&item) {
			stage, ok := item.(*StageValue)
			if !ok {
				iter.Done()
				return nil, eris.Errorf("%s: expected all items in pipe to be stages but found %s", fn.Name(), item.Type())
			}
			steps = append(steps, stage.Step)
		}
		iter.Done()

		task.Pipeline = &pipeline.Pipeline{
			Task:   task.Short,
			Source: pipeline.Source{Base: task.Base, Patterns: patterns},
			Steps:  steps,
		}
	} else if len(patterns) > 0 {
		warn(thread, "%s: %s has a src but no pipe", fn.Name(), task.Short)
	}

	if len(task.Inputs) > 0 && len(task.Outputs) == 0 {
		warn(thread, "%s: found inputs but no outputs", fn.Name())
	}

	ctx := getCtx(thread)
	ctx.tasks = append(ctx.tasks, task)
	return task, nil
}

func server(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	value := &ServerValue{}
	value.Options.Root = "dist"

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "root?", &value.Options.Root, "open?", &value.Options.Open,
		"address?", &value.Options.Address)
	if err != nil {
		return nil, err
	}

	value.Options.Root = normalizePath(getCtx(thread), value.Options.Root)
	return value, nil
}

func watch(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var deps *starlark.List
	var bindings *starlark.Dict
	var serverValue starlark.Value

	session := &WatchSession{Name: "watch"}
	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name?", &session.Name, "desc?", &session.Desc,
		"deps?", &deps, "bindings?", &bindings, "server?", &serverValue)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	session.Base = filepath.Dir(ctx.filepath)

	session.Initial, err = taskNames(deps, "deps")
	if err != nil {
		return nil, err
	}

	switch value := serverValue.(type) {
	case nil, starlark.NoneType:
	case *ServerValue:
		opts := value.Options
		session.Server = &opts
	default:
		return nil, eris.Errorf("%s: expected server to be the result of server() but found %s", fn.Name(), serverValue.Type())
	}

	if bindings != nil {
		for _, item := range bindings.Items() {
			var patterns []string
			switch key := item[0].(type) {
			case starlark.String:
				patterns = []string{key.GoString()}
			case starlark.Tuple:
				patterns, err = starlarkIterable2stringSlice(key, "bindings")
				if err != nil {
					return nil, err
				}
			default:
				return nil, eris.Errorf("%s: binding keys have to be patterns but found %s", fn.Name(), item[0].Type())
			}

			var tasks []string
			switch value := item[1].(type) {
			case starlark.String:
				tasks = []string{value.GoString()}
			case *Task:
				tasks = []string{value.Short}
			case *starlark.List:
				tasks, err = taskNames(value, "bindings")
				if err != nil {
					return nil, err
				}
			default:
				return nil, eris.Errorf("%s: bound tasks have to be a task or a list of tasks but found %s", fn.Name(), item[1].Type())
			}

			session.Bindings = append(session.Bindings, WatchBinding{Patterns: patterns, Tasks: tasks})
		}
	}

	if len(session.Bindings) == 0 {
		warn(thread, "%s: %s doesn't bind any patterns", fn.Name(), session.Name)
	}

	ctx.sessions = append(ctx.sessions, session)
	return starlark.None, nil
}

// Load executes a task script and registers the declared tasks and watch sessions in reg. It
// returns the options declared by the script.
func Load(ctx context.Context, filename, projectRoot string, reg *Registry, opts LoadOptions) (map[string]ScriptOption, error) {
	projectRoot, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, err
	}

	filename, err = filepath.Abs(filename)
	if err != nil {
		return nil, err
	}

	optionValues := opts.Options
	if optionValues == nil {
		optionValues = map[string]string{}
	}

	builtins := starlark.StringDict{
		"OS":              starlark.String(runtime.GOOS),
		"ARCH":            starlark.String(runtime.GOARCH),
		"info":            starlark.NewBuiltin("info", starInfo),
		"warn":            starlark.NewBuiltin("warn", starWarn),
		"error":           starlark.NewBuiltin("error", starError),
		"resolve_path":    starlark.NewBuiltin("resolve_path", resolvePath),
		"option":          starlark.NewBuiltin("option", option),
		"getenv":          starlark.NewBuiltin("getenv", getenv),
		"setenv":          starlark.NewBuiltin("setenv", setenv),
		"prepend_path":    starlark.NewBuiltin("prepend_path", prependPathDir),
		"read_yaml":       starlark.NewBuiltin("read_yaml", readYaml),
		"isdir":           starlark.NewBuiltin("isdir", starIsdir),
		"isfile":          starlark.NewBuiltin("isfile", starIsfile),
		"execute":         starlark.NewBuiltin("execute", starExec),
		"require_version": starlark.NewBuiltin("require_version", requireVersion),
		"task":            starlark.NewBuiltin("task", task),
		"watch":           starlark.NewBuiltin("watch", watch),
		"server":          starlark.NewBuiltin("server", server),
	}
	for name, value := range stageBuiltins() {
		builtins[name] = value
	}

	thread := &starlark.Thread{
		Name: "main",
		Print: func(thread *starlark.Thread, msg string) {
			buildlog.Log(ctx).Info().Str("thread", thread.Name).Msg(msg)
		},
	}
	threadCtx := parserCtx{
		ctx:          ctx,
		filepath:     filename,
		projectRoot:  projectRoot,
		sassCommand:  opts.SassCommand,
		options:      make(map[string]ScriptOption),
		optionValues: optionValues,
		envOverrides: make(map[string]string),
		tasks:        make([]*Task, 0),
		yamlCache:    make(map[string]interface{}),
	}
	thread.SetLocal("parserCtx", &threadCtx)

	script, err := os.ReadFile(filename)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read file")
	}

	_, err = starlark.ExecFile(thread, simplifyPath(&threadCtx, filename), script, builtins)
	if err != nil {
		var evalError *starlark.EvalError
		if errors.As(err, &evalError) {
			return nil, eris.Errorf("failed to execute %s:\n%s", simplifyPath(&threadCtx, filename), evalError.Backtrace())
		}
		return nil, eris.Wrap(err, "failed to execute")
	}

	for _, task := range threadCtx.tasks {
		for name, value := range threadCtx.envOverrides {
			_, present := task.Env[name]
			if !present {
				task.Env[name] = value
			}
		}
	}

	err = reg.RegisterBatch(threadCtx.tasks, threadCtx.sessions)
	if err != nil {
		return nil, err
	}

	return threadCtx.options, nil
}
