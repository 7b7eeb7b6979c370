package watch

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// DebouncedWatcher wraps a Watcher and releases events in batches. A batch is released once no
// event arrived for the configured delay, so saving several files at once (or a build tool writing
// into a watched directory) triggers each bound task once. Within a batch every path is reported
// once, in path order.
type DebouncedWatcher struct {
	inner Watcher
	delay time.Duration

	mu     sync.Mutex
	batch  map[string]Event
	timer  *time.Timer
	closed bool

	events  chan Event
	errors  chan error
	done    chan struct{}
	stopped sync.WaitGroup
}

// NewDebouncedWatcher creates a debounced watcher wrapper.
func NewDebouncedWatcher(inner Watcher, delay time.Duration) *DebouncedWatcher {
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	dw := &DebouncedWatcher{
		inner:  inner,
		delay:  delay,
		batch:  make(map[string]Event),
		events: make(chan Event, 100),
		errors: make(chan error, 100),
		done:   make(chan struct{}),
	}

	dw.stopped.Add(1)
	go dw.forward()

	return dw
}

// WatchRecursive starts watching a directory recursively.
func (dw *DebouncedWatcher) WatchRecursive(path string) error {
	return dw.inner.WatchRecursive(path)
}

// Events returns the debounced event channel.
func (dw *DebouncedWatcher) Events() <-chan Event {
	return dw.events
}

// Errors returns the error channel.
func (dw *DebouncedWatcher) Errors() <-chan error {
	return dw.errors
}

// Close discards the pending batch and closes the wrapped watcher.
func (dw *DebouncedWatcher) Close() error {
	dw.mu.Lock()
	if dw.closed {
		dw.mu.Unlock()
		return nil
	}
	dw.closed = true
	if dw.timer != nil {
		dw.timer.Stop()
	}
	dw.batch = make(map[string]Event)
	close(dw.done)
	dw.mu.Unlock()

	dw.stopped.Wait()

	err := dw.inner.Close()
	close(dw.events)
	close(dw.errors)
	return err
}

func (dw *DebouncedWatcher) forward() {
	defer dw.stopped.Done()

	for {
		select {
		case <-dw.done:
			return

		case event, ok := <-dw.inner.Events():
			if !ok {
				return
			}
			dw.add(event)

		case err, ok := <-dw.inner.Errors():
			if !ok {
				return
			}
			dw.sendError(err)
		}
	}
}

// mergeEvents folds next into the pending event for the same path. It returns false if the path
// should be dropped from the batch.
func mergeEvents(prev, next Event) (Event, bool) {
	switch {
	case prev.Op.Has(OpCreate) && next.Op.Has(OpRemove):
		// temporary file, gone before anyone could build it
		return Event{}, false
	case prev.Op.Has(OpRemove) && next.Op.Has(OpCreate):
		// atomic save: the old file was replaced
		next.Op = OpWrite
		return next, true
	}

	next.Op |= prev.Op
	return next, true
}

func (dw *DebouncedWatcher) add(event Event) {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	if dw.closed {
		return
	}

	if prev, ok := dw.batch[event.Path]; ok {
		merged, keep := mergeEvents(prev, event)
		if keep {
			dw.batch[event.Path] = merged
		} else {
			delete(dw.batch, event.Path)
		}
	} else {
		dw.batch[event.Path] = event
	}

	if dw.timer == nil {
		dw.timer = time.AfterFunc(dw.delay, dw.release)
	} else {
		dw.timer.Reset(dw.delay)
	}
}

// release sends the pending batch.
func (dw *DebouncedWatcher) release() {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	if dw.closed || len(dw.batch) == 0 {
		return
	}

	paths := make([]string, 0, len(dw.batch))
	for path := range dw.batch {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		select {
		case dw.events <- dw.batch[path]:
		default:
			dw.sendError(errors.New("event channel full, dropping event for " + path))
		}
	}
	dw.batch = make(map[string]Event)
}

func (dw *DebouncedWatcher) sendError(err error) {
	select {
	case dw.errors <- err:
	default:
	}
}

// Flush releases the pending batch immediately.
func (dw *DebouncedWatcher) Flush() {
	dw.mu.Lock()
	if dw.timer != nil {
		dw.timer.Stop()
	}
	dw.mu.Unlock()

	dw.release()
}

// PendingCount returns the number of paths in the pending batch.
func (dw *DebouncedWatcher) PendingCount() int {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	return len(dw.batch)
}

var _ Watcher = (*DebouncedWatcher)(nil)
