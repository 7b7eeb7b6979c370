// Package watch re-runs tasks when the files bound to them change.
//
// File system events come from a Watcher (fsnotify in production, a channel-backed fake in tests)
// and are usually debounced so that an editor writing a file in several steps triggers a single
// run. The Controller maps changed paths to the tasks of a watch session and schedules them.
package watch

import (
	"errors"
	"time"
)

// Common errors returned by watcher operations.
var (
	ErrWatcherClosed = errors.New("watcher is closed")
	ErrPathNotExist  = errors.New("path does not exist")
)

// Op represents the type of file system operation.
type Op uint32

const (
	// OpCreate indicates a file or directory was created.
	OpCreate Op = 1 << iota
	// OpWrite indicates a file was written to.
	OpWrite
	// OpRemove indicates a file or directory was removed.
	OpRemove
	// OpRename indicates a file or directory was renamed.
	OpRename
	// OpChmod indicates file permissions were changed.
	OpChmod
)

func (op Op) String() string {
	switch op {
	case OpCreate:
		return "CREATE"
	case OpWrite:
		return "WRITE"
	case OpRemove:
		return "REMOVE"
	case OpRename:
		return "RENAME"
	case OpChmod:
		return "CHMOD"
	default:
		return "MULTIPLE"
	}
}

// Has returns true if the operation includes the given op.
func (op Op) Has(o Op) bool {
	return op&o == o
}

// Event represents a file system change.
type Event struct {
	// Path is the absolute path of the affected file or directory.
	Path      string
	Op        Op
	Timestamp time.Time
}

// Watcher monitors file system changes.
type Watcher interface {
	// WatchRecursive starts watching a directory and all its subdirectories.
	// Returns ErrPathNotExist if the path doesn't exist.
	WatchRecursive(path string) error

	// Events returns the channel of change events. It is closed by Close.
	Events() <-chan Event

	// Errors returns the channel of watcher errors. It is closed by Close.
	Errors() <-chan error

	Close() error
}

// Config holds watcher configuration options.
type Config struct {
	// BufferSize is the size of the event and error channels.
	// Default: 100
	BufferSize int

	// Ignore holds glob patterns (with ** support) for paths to skip.
	Ignore []string

	// IgnoreHidden skips files and directories starting with a dot.
	IgnoreHidden bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:   100,
		Ignore:       []string{"**/node_modules/**"},
		IgnoreHidden: true,
	}
}

// WatcherOption configures a watcher.
type WatcherOption func(*Config)

// WithBufferSize sets the channel buffer size.
func WithBufferSize(size int) WatcherOption {
	return func(c *Config) {
		c.BufferSize = size
	}
}

// WithExtraIgnore adds ignore patterns to the ones already configured.
func WithExtraIgnore(patterns []string) WatcherOption {
	return func(c *Config) {
		c.Ignore = append(append([]string{}, c.Ignore...), patterns...)
	}
}

// WithIgnoreHidden enables or disables skipping hidden files.
func WithIgnoreHidden(ignore bool) WatcherOption {
	return func(c *Config) {
		c.IgnoreHidden = ignore
	}
}
