package buildsys

import (
	"context"
	"fmt"

	"github.com/ngld/assetflow/pkg/pipeline"
	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
)

// Action is the Go implementation of a task.
type Action func(ctx context.Context) error

// Task contains the processed values passed to task() by the task script
type Task struct {
	Env      map[string]string  `yaml:"env,omitempty"`
	Short    string             `yaml:"name"`
	Desc     string             `yaml:"desc,omitempty"`
	Base     string             `yaml:"base,omitempty"`
	Inputs   []string           `yaml:"inputs,omitempty"`
	Deps     []string           `yaml:"deps,omitempty"`
	Outputs  []string           `yaml:"outputs,omitempty"`
	Cmds     []string           `yaml:"cmds,omitempty"`
	Pipeline *pipeline.Pipeline `yaml:"-"`
	Action   Action             `yaml:"-"`
	Hidden   bool               `yaml:"hidden,omitempty"`
}

// TaskList maps short names to each relevant task
type TaskList map[string]*Task

// WatchBinding maps glob patterns to the tasks that should re-run when a matching file changes.
type WatchBinding struct {
	Patterns []string `yaml:"patterns"`
	Tasks    []string `yaml:"tasks"`
}

// ServerOptions configures the development server of a watch session.
type ServerOptions struct {
	Root    string `yaml:"root"`
	Open    bool   `yaml:"open"`
	Address string `yaml:"address,omitempty"`
}

// WatchSession is declared by watch(). Running it executes Initial once and then re-runs the bound
// tasks whenever files change.
type WatchSession struct {
	Name     string         `yaml:"name"`
	Desc     string         `yaml:"desc,omitempty"`
	Base     string         `yaml:"base,omitempty"`
	Initial  []string       `yaml:"deps,omitempty"`
	Bindings []WatchBinding `yaml:"bindings"`
	Server   *ServerOptions `yaml:"server,omitempty"`
}

type ScriptOption struct {
	DefaultValue starlark.String
	Help         string
}

func (o ScriptOption) Default() string {
	return o.DefaultValue.GoString()
}

// Descriptors returns the stage descriptors of the task's pipeline.
func (t *Task) Descriptors() []pipeline.Descriptor {
	if t.Pipeline == nil {
		return nil
	}
	return t.Pipeline.Descriptors()
}

// Implement starlark.Value for *Task

// String returns a string representation of the task
func (t *Task) String() string {
	return fmt.Sprintf("<Task %s: %s>", t.Short, t.Desc)
}

// Type always returns "task" to indicate this type
func (t *Task) Type() string {
	return "task"
}

// Freeze doesn't do anything since tasks are immutable anyway
func (t *Task) Freeze() {}

// Truth always returns true since a task can't be nil or None
func (t *Task) Truth() starlark.Bool {
	return starlark.True
}

// Hash always returns an error since task is not hashable
func (t *Task) Hash() (uint32, error) {
	return 0, eris.New("task is not a hashable type")
}

// StageValue is the script representation of a configured pipeline step.
type StageValue struct {
	Step pipeline.Step
}

func (s *StageValue) String() string {
	return "<stage " + s.Step.Descriptor().String() + ">"
}

func (s *StageValue) Type() string {
	return "stage"
}

func (s *StageValue) Freeze() {}

func (s *StageValue) Truth() starlark.Bool {
	return starlark.True
}

func (s *StageValue) Hash() (uint32, error) {
	return 0, eris.New("stage is not a hashable type")
}

// PluginValue wraps a CSS plugin passed to postcss().
type PluginValue struct {
	Plugin pipeline.CSSPlugin
}

func (p *PluginValue) String() string {
	return "<postcss plugin " + p.Plugin.Name() + ">"
}

func (p *PluginValue) Type() string {
	return "postcss_plugin"
}

func (p *PluginValue) Freeze() {}

func (p *PluginValue) Truth() starlark.Bool {
	return starlark.True
}

func (p *PluginValue) Hash() (uint32, error) {
	return 0, eris.New("postcss_plugin is not a hashable type")
}

// ServerValue is returned by server().
type ServerValue struct {
	Options ServerOptions
}

func (s *ServerValue) String() string {
	return fmt.Sprintf("<server %s>", s.Options.Root)
}

func (s *ServerValue) Type() string {
	return "server"
}

func (s *ServerValue) Freeze() {}

func (s *ServerValue) Truth() starlark.Bool {
	return starlark.True
}

func (s *ServerValue) Hash() (uint32, error) {
	return 0, eris.New("server is not a hashable type")
}
