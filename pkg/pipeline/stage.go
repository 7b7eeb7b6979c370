package pipeline

import (
	"context"
	"fmt"

	"github.com/ngld/assetflow/pkg/buildlog"
)

// Stage is one transformation step applied to every file of a stream.
type Stage interface {
	Name() string
	// Descriptor describes the stage and its options without performing any I/O.
	Descriptor() Descriptor
	// Transform returns the files that replace the given file downstream. Returning no files drops
	// the file.
	Transform(ctx context.Context, file *File) ([]*File, error)
}

// Flusher is implemented by stages that need to act once the stream is exhausted.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Resetter is implemented by stages that carry state from one file to the next. Reset is called
// before every run, so a run that was aborted leaves nothing behind.
type Resetter interface {
	Reset()
}

// Descriptor is the data representation of a configured stage.
type Descriptor struct {
	Name    string                 `yaml:"name"`
	Options map[string]interface{} `yaml:"options,omitempty"`
}

func (d Descriptor) String() string {
	if len(d.Options) == 0 {
		return d.Name + "()"
	}
	return fmt.Sprintf("%s(%v)", d.Name, d.Options)
}

// ErrorPolicy decides what happens when a stage fails to transform a file.
type ErrorPolicy int

const (
	// PolicyAbort fails the whole pipeline.
	PolicyAbort ErrorPolicy = iota
	// PolicyLog hands the error to the step's hook, drops the file and continues with the rest.
	PolicyLog
)

func (p ErrorPolicy) String() string {
	switch p {
	case PolicyAbort:
		return "abort"
	case PolicyLog:
		return "log"
	default:
		return "unknown"
	}
}

// ParsePolicy converts "abort" or "log" into an ErrorPolicy.
func ParsePolicy(value string) (ErrorPolicy, error) {
	switch value {
	case "", "abort":
		return PolicyAbort, nil
	case "log":
		return PolicyLog, nil
	default:
		return PolicyAbort, fmt.Errorf("unknown error policy %q (expected abort or log)", value)
	}
}

// ErrorHook receives transform errors of steps using PolicyLog.
type ErrorHook func(ctx context.Context, err *StageTransformError)

// LogError is the default hook. It logs the error with enough context to find the offending file.
func LogError(ctx context.Context, err *StageTransformError) {
	buildlog.Log(ctx).Error().
		Str("stage", err.Stage).
		Str("path", err.Path).
		Err(err.Err).
		Msgf("%s failed on %s", err.Stage, err.Path)
}

// Step binds a stage to its error handling.
type Step struct {
	Stage   Stage
	OnError ErrorPolicy
	Hook    ErrorHook
}

// Descriptor returns the stage descriptor including the error policy if it isn't the default.
func (s Step) Descriptor() Descriptor {
	desc := s.Stage.Descriptor()
	if s.OnError != PolicyAbort {
		opts := make(map[string]interface{}, len(desc.Options)+1)
		for k, v := range desc.Options {
			opts[k] = v
		}
		opts["on_error"] = s.OnError.String()
		desc.Options = opts
	}
	return desc
}

// Abort wraps a stage in a step that fails the pipeline on errors.
func Abort(stage Stage) Step {
	return Step{Stage: stage, OnError: PolicyAbort}
}

// Recover wraps a stage in a step that logs errors through hook and keeps going. A nil hook uses
// LogError.
func Recover(stage Stage, hook ErrorHook) Step {
	if hook == nil {
		hook = LogError
	}
	return Step{Stage: stage, OnError: PolicyLog, Hook: hook}
}

// Notifier is told about files that were written so that connected browsers can reload.
type Notifier interface {
	Notify(paths []string)
}

// Observer follows the progress of pipelines.
type Observer interface {
	Start(task string, total int)
	FileDone(task, path string)
	Finish(task string)
}

type (
	notifierKey struct{}
	observerKey struct{}
)

// WithNotifier attaches a live-reload notifier to the context.
func WithNotifier(ctx context.Context, n Notifier) context.Context {
	return context.WithValue(ctx, notifierKey{}, n)
}

// NotifierFrom returns the notifier attached to ctx or nil.
func NotifierFrom(ctx context.Context) Notifier {
	n, _ := ctx.Value(notifierKey{}).(Notifier)
	return n
}

// WithObserver attaches a progress observer to the context.
func WithObserver(ctx context.Context, o Observer) context.Context {
	return context.WithValue(ctx, observerKey{}, o)
}

// ObserverFrom returns the observer attached to ctx or nil.
func ObserverFrom(ctx context.Context) Observer {
	o, _ := ctx.Value(observerKey{}).(Observer)
	return o
}

// Observers fans out to several observers.
type Observers []Observer

func (o Observers) Start(task string, total int) {
	for _, item := range o {
		item.Start(task, total)
	}
}

func (o Observers) FileDone(task, path string) {
	for _, item := range o {
		item.FileDone(task, path)
	}
}

func (o Observers) Finish(task string) {
	for _, item := range o {
		item.Finish(task)
	}
}
