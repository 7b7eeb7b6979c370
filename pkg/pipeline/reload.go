package pipeline

import (
	"context"
	"sync"
)

type reloadStage struct {
	mu    sync.Mutex
	paths []string
}

// Reload collects the paths of all files that pass through it and hands them to the context's
// Notifier once the stream ends. Without a notifier it is a no-op.
func Reload() Stage {
	return &reloadStage{}
}

func (r *reloadStage) Name() string { return "reload" }

func (r *reloadStage) Descriptor() Descriptor { return Descriptor{Name: "reload"} }

func (r *reloadStage) Transform(ctx context.Context, file *File) ([]*File, error) {
	if NotifierFrom(ctx) != nil {
		r.mu.Lock()
		r.paths = append(r.paths, file.Path)
		r.mu.Unlock()
	}
	return []*File{file}, nil
}

// Reset drops the paths collected by a run that never reached Flush.
func (r *reloadStage) Reset() {
	r.mu.Lock()
	r.paths = nil
	r.mu.Unlock()
}

func (r *reloadStage) Flush(ctx context.Context) error {
	r.mu.Lock()
	paths := r.paths
	r.paths = nil
	r.mu.Unlock()

	notifier := NotifierFrom(ctx)
	if notifier != nil && len(paths) > 0 {
		notifier.Notify(paths)
	}
	return nil
}
