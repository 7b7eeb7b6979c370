// Package pipeline streams files selected by glob patterns through an ordered list of stages.
//
// Every stage runs in its own goroutine and receives files one at a time, so large file sets never
// have to be held in memory at once. Stages are plain values that describe themselves through
// Descriptor, which keeps their order and configuration testable without touching the disk.
package pipeline

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Pipeline is the declarative form of src(...).pipe(...).pipe(...).
type Pipeline struct {
	Task   string
	Source Source
	Steps  []Step
}

// Result summarizes a pipeline run.
type Result struct {
	// Files is the number of files that left the last stage.
	Files int
	// Recovered holds the errors that were handled by PolicyLog steps.
	Recovered []error
}

// Descriptors returns the descriptors of all steps in order.
func (p *Pipeline) Descriptors() []Descriptor {
	result := make([]Descriptor, len(p.Steps))
	for idx, step := range p.Steps {
		result[idx] = step.Descriptor()
	}
	return result
}

func (p *Pipeline) transformError(stage, path string, err error) *StageTransformError {
	var terr *StageTransformError
	if errors.As(err, &terr) {
		if terr.Task == "" {
			terr.Task = p.Task
		}
		if terr.Stage == "" {
			terr.Stage = stage
		}
		return terr
	}

	return &StageTransformError{Task: p.Task, Stage: stage, Path: path, Err: err}
}

// Run resolves the source patterns and pushes every file through the steps.
func (p *Pipeline) Run(ctx context.Context) (Result, error) {
	for _, step := range p.Steps {
		if resetter, ok := step.Stage.(Resetter); ok {
			resetter.Reset()
		}
	}

	matches, err := p.Source.Resolve()
	if err != nil {
		return Result{}, err
	}

	observer := ObserverFrom(ctx)
	if observer != nil {
		observer.Start(p.Task, len(matches))
		defer observer.Finish(p.Task)
	}

	g, gctx := errgroup.WithContext(ctx)
	in := make(chan *File)
	g.Go(func() error {
		defer close(in)
		for _, m := range matches {
			file, err := readFile(m)
			if err != nil {
				return err
			}

			select {
			case in <- file:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	var (
		recoveredLock sync.Mutex
		recovered     []error
	)

	var current <-chan *File = in
	for _, step := range p.Steps {
		step := step
		src := current
		out := make(chan *File)

		g.Go(func() error {
			defer close(out)
			for file := range src {
				files, err := step.Stage.Transform(gctx, file)
				if err != nil {
					var fsErr *FileSystemError
					if errors.As(err, &fsErr) || errors.Is(err, context.Canceled) {
						return err
					}

					terr := p.transformError(step.Stage.Name(), file.Path, err)
					if step.OnError != PolicyLog {
						return terr
					}

					hook := step.Hook
					if hook == nil {
						hook = LogError
					}
					hook(gctx, terr)

					recoveredLock.Lock()
					recovered = append(recovered, terr)
					recoveredLock.Unlock()
					continue
				}

				for _, item := range files {
					select {
					case out <- item:
					case <-gctx.Done():
						return gctx.Err()
					}
				}
			}

			if err := gctx.Err(); err != nil {
				return err
			}

			if flusher, ok := step.Stage.(Flusher); ok {
				return flusher.Flush(gctx)
			}
			return nil
		})
		current = out
	}

	count := 0
	g.Go(func() error {
		for file := range current {
			count++
			if observer != nil {
				observer.FileDone(p.Task, file.Path)
			}
		}
		return nil
	})

	err = g.Wait()
	return Result{Files: count, Recovered: recovered}, err
}
