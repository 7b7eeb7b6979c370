package watch

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// FSNotifyWatcher implements Watcher using fsnotify. Directories created below a watched
// directory are watched automatically and removed directories are forgotten, so a directory that
// is deleted and recreated (e.g. by a clean build step) is watched again.
//
// Permission changes and editor scratch files never produce events.
type FSNotifyWatcher struct {
	mu sync.RWMutex

	watcher *fsnotify.Watcher
	config  Config
	dirs    map[string]bool
	closed  bool

	events  chan Event
	errors  chan error
	done    chan struct{}
	stopped sync.WaitGroup
}

// NewFSNotifyWatcher creates a new fsnotify-based watcher.
func NewFSNotifyWatcher(opts ...WatcherOption) (*FSNotifyWatcher, error) {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &FSNotifyWatcher{
		watcher: fsw,
		config:  config,
		dirs:    make(map[string]bool),
		events:  make(chan Event, config.BufferSize),
		errors:  make(chan error, config.BufferSize),
		done:    make(chan struct{}),
	}

	w.stopped.Add(1)
	go w.loop()

	return w, nil
}

func (w *FSNotifyWatcher) addPath(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWatcherClosed
	}
	if w.dirs[path] {
		return nil
	}

	if err := w.watcher.Add(path); err != nil {
		return err
	}
	w.dirs[path] = true
	return nil
}

// forgetDir drops dir and everything below it. fsnotify removes the kernel watch by itself once
// the directory is gone.
func (w *FSNotifyWatcher) forgetDir(dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	prefix := dir + string(filepath.Separator)
	for path := range w.dirs {
		if path == dir || strings.HasPrefix(path, prefix) {
			delete(w.dirs, path)
		}
	}
}

func (w *FSNotifyWatcher) isDir(path string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.dirs[path]
}

// WatchRecursive watches a directory and all directories below it that aren't ignored.
func (w *FSNotifyWatcher) WatchRecursive(path string) error {
	root, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrPathNotExist
		}
		return err
	}
	if !info.IsDir() {
		return w.addPath(root)
	}

	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if p != root && w.ignored(p) {
			return filepath.SkipDir
		}

		if err := w.addPath(p); err != nil {
			if errors.Is(err, ErrWatcherClosed) {
				return err
			}
			w.sendError(err)
		}
		return nil
	})
}

// WatchedPaths returns the watched directories in sorted order.
func (w *FSNotifyWatcher) WatchedPaths() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	paths := make([]string, 0, len(w.dirs))
	for p := range w.dirs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Events returns the event channel.
func (w *FSNotifyWatcher) Events() <-chan Event {
	return w.events
}

// Errors returns the error channel.
func (w *FSNotifyWatcher) Errors() <-chan error {
	return w.errors
}

// Close stops the watcher.
func (w *FSNotifyWatcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.done)
	w.mu.Unlock()

	w.stopped.Wait()

	close(w.events)
	close(w.errors)
	return w.watcher.Close()
}

func (w *FSNotifyWatcher) loop() {
	defer w.stopped.Done()

	for {
		select {
		case <-w.done:
			return

		case fsEvent, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(fsEvent)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.sendError(err)
		}
	}
}

func (w *FSNotifyWatcher) handle(fsEvent fsnotify.Event) {
	op := convertOp(fsEvent.Op)
	if op == 0 || op == OpChmod || w.ignored(fsEvent.Name) {
		return
	}

	if op.Has(OpRemove) || op.Has(OpRename) {
		if w.isDir(fsEvent.Name) {
			w.forgetDir(fsEvent.Name)
			return
		}
	}

	if op.Has(OpCreate) {
		info, err := os.Stat(fsEvent.Name)
		if err == nil && info.IsDir() {
			w.watchCreatedDir(fsEvent.Name)
			return
		}
	}

	w.sendEvent(Event{
		Path:      fsEvent.Name,
		Op:        op &^ OpChmod,
		Timestamp: time.Now(),
	})
}

// watchCreatedDir watches a new directory. Files copied into it before the watch was added don't
// produce events, so they are reported here.
func (w *FSNotifyWatcher) watchCreatedDir(dir string) {
	if err := w.WatchRecursive(dir); err != nil && !errors.Is(err, ErrPathNotExist) {
		w.sendError(err)
	}

	now := time.Now()
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if p != dir && w.ignored(p) {
				return filepath.SkipDir
			}
			return nil
		}
		if !w.ignored(p) {
			w.sendEvent(Event{Path: p, Op: OpCreate, Timestamp: now})
		}
		return nil
	})
}

func convertOp(fsOp fsnotify.Op) Op {
	var op Op
	if fsOp.Has(fsnotify.Create) {
		op |= OpCreate
	}
	if fsOp.Has(fsnotify.Write) {
		op |= OpWrite
	}
	if fsOp.Has(fsnotify.Remove) {
		op |= OpRemove
	}
	if fsOp.Has(fsnotify.Rename) {
		op |= OpRename
	}
	if fsOp.Has(fsnotify.Chmod) {
		op |= OpChmod
	}
	return op
}

// isScratchFile reports whether name looks like an editor backup, swap or lock file.
func isScratchFile(name string) bool {
	switch {
	case name == "4913": // vim creates this file to test write access
		return true
	case strings.HasSuffix(name, "~"),
		strings.HasSuffix(name, ".swp"),
		strings.HasSuffix(name, ".swx"),
		strings.HasPrefix(name, ".#"):
		return true
	case len(name) > 1 && name[0] == '#' && name[len(name)-1] == '#':
		return true
	}
	return false
}

func (w *FSNotifyWatcher) ignored(path string) bool {
	name := filepath.Base(path)
	if isScratchFile(name) {
		return true
	}
	if w.config.IgnoreHidden && len(name) > 1 && name[0] == '.' {
		return true
	}

	slashed := strings.TrimPrefix(filepath.ToSlash(path), "/")
	for _, pattern := range w.config.Ignore {
		if ok, _ := doublestar.Match(pattern, slashed); ok {
			return true
		}
	}
	return false
}

func (w *FSNotifyWatcher) sendEvent(event Event) {
	select {
	case w.events <- event:
	default:
		w.sendError(errors.New("event channel full, dropping event for " + event.Path))
	}
}

func (w *FSNotifyWatcher) sendError(err error) {
	select {
	case w.errors <- err:
	default:
	}
}

var _ Watcher = (*FSNotifyWatcher)(nil)
